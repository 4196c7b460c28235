package kbapi

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
	"github.com/lamb-project/completion-gateway/internal/plugins"
	"github.com/lamb-project/completion-gateway/pkg/apierr"
)

// API implements the KB HTTP surface (spec.md §6) over C6/C7/C8.
type API struct {
	Collections CollectionStore
	Jobs        JobStore
	Files       FileStore
	Pool        Enqueuer
	Plugins     *plugins.Registry
	Query       func(ctx context.Context, pluginName string, collectionID int, queryText string, params kbquery.Params) ([]kbquery.Result, error)
}

// Register mounts every KB route onto r.
func (a *API) Register(r *router.Router) {
	r.POST("/collections", a.handleCreateCollection)
	r.GET("/collections", a.handleListCollections)
	r.GET("/collections/{id}", a.handleGetCollection)
	r.DELETE("/collections/{id}", a.handleDeleteCollection)

	r.POST("/collections/{id}/ingest-file", a.handleIngestFile)
	r.POST("/collections/{id}/ingest-url", a.handleIngestURL)
	r.POST("/collections/{id}/ingest-base", a.handleIngestBase)
	r.POST("/collections/{id}/query", a.handleQuery)

	r.GET("/collections/{id}/files", a.handleListFiles)
	r.DELETE("/collections/{id}/files/{file_id}", a.handleDeleteFile)
	r.PUT("/files/{file_id}/status", a.handleSetFileStatus)

	r.GET("/ingestion-plugins", a.handleIngestionPlugins)
	r.GET("/query-plugins", a.handleQueryPlugins)
}

func callerEmail(ctx *fasthttp.RequestCtx) string {
	email, _ := ctx.UserValue("caller_email").(string)
	return email
}

func pathInt(ctx *fasthttp.RequestCtx, name string) (int, bool) {
	raw, _ := ctx.UserValue(name).(string)
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

// ── Collections ──────────────────────────────────────────────────────────

type createCollectionRequest struct {
	Name                string `json:"name"`
	Visibility          string `json:"visibility"`
	EmbeddingsSetup     string `json:"embeddings_setup"`
	EmbeddingVendor     string `json:"embedding_vendor"`
	APIKey              string `json:"api_key"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
}

func (a *API) handleCreateCollection(ctx *fasthttp.RequestCtx) {
	var req createCollectionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "name is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Visibility == "" {
		req.Visibility = "private"
	}
	if req.Visibility != "private" && req.Visibility != "public" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "visibility must be private or public", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	c, err := a.Collections.CreateCollection(ctx, Collection{
		Name:                req.Name,
		Owner:               callerEmail(ctx),
		Visibility:          req.Visibility,
		EmbeddingsSetup:     req.EmbeddingsSetup,
		EmbeddingVendor:     req.EmbeddingVendor,
		APIKey:              req.APIKey,
		EmbeddingDimensions: req.EmbeddingDimensions,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, c)
}

func (a *API) handleListCollections(ctx *fasthttp.RequestCtx) {
	list, err := a.Collections.ListCollections(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"collections": list})
}

func (a *API) handleGetCollection(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	c, err := a.Collections.GetCollection(ctx, id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "collection not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, c)
}

func (a *API) handleDeleteCollection(ctx *fasthttp.RequestCtx) {
	id, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.Collections.DeleteCollection(ctx, id); err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "collection not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"deleted": true})
}

// ── Ingestion ────────────────────────────────────────────────────────────

// createJobAndEnqueue implements the synchronous job-creation path from
// spec.md §4.6: validate collection exists, persist the file, insert a
// FileRegistry row with status=processing, enqueue the background task,
// return {file_registry_id, status: "processing"} immediately.
func (a *API) createJobAndEnqueue(ctx *fasthttp.RequestCtx, collectionID int, filename string, data []byte, contentType, pluginName string, pluginParams map[string]any) {
	coll, err := a.Collections.GetCollection(ctx, collectionID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "collection not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	mode := plugins.ModeFor(pluginName)
	if mode == plugins.ModeDisable {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("plugin %q is disabled", pluginName), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	pluginParams = plugins.SanitizeIngestParams(mode, pluginParams)

	owner := callerEmail(ctx)
	storedPath, publicURL, err := a.Files.Save(ctx, owner, coll.Name, filename, data)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	jobID, err := a.Jobs.CreateJob(ctx, ingest.FileRegistry{
		CollectionID:     collectionID,
		Owner:            owner,
		OriginalFilename: filename,
		StoredPath:       storedPath,
		PublicURL:        publicURL,
		SizeBytes:        int64(len(data)),
		ContentType:      contentType,
		PluginName:       pluginName,
		PluginParams:     pluginParams,
		Status:           ingest.StatusProcessing,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	a.Pool.Enqueue(jobID)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"file_registry_id": jobID, "status": "processing"})
}

func (a *API) handleIngestFile(ctx *fasthttp.RequestCtx) {
	collectionID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "missing file part", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "cannot open uploaded file", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	defer f.Close()
	data := make([]byte, fh.Size)
	if _, err := f.Read(data); err != nil && fh.Size > 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "cannot read uploaded file", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	pluginName := firstFormValue(form, "plugin_name")
	if pluginName == "" {
		pluginName = "standard"
	}
	var params map[string]any
	if raw := firstFormValue(form, "plugin_params"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &params)
	}
	if params == nil {
		params = map[string]any{}
	}

	contentType := fh.Header.Get("Content-Type")
	a.createJobAndEnqueue(ctx, collectionID, fh.Filename, data, contentType, pluginName, params)
}

func firstFormValue(form *multipart.Form, key string) string {
	if vals, ok := form.Value[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type ingestURLRequest struct {
	URL          string         `json:"url"`
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

func (a *API) handleIngestURL(ctx *fasthttp.RequestCtx) {
	collectionID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var req ingestURLRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.URL == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "url is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	pluginName := req.PluginName
	if pluginName == "" {
		pluginName = "standard"
	}
	params := req.PluginParams
	if params == nil {
		params = map[string]any{}
	}
	params["url"] = req.URL

	// The URL's own text is not fetched here — spec.md §4.6 names URL/
	// YouTube ingestion as a stateful, cooperatively-yielding plugin
	// concern (per-URL progress_callback boundaries), not a gateway HTTP
	// responsibility. A url-fetching ingest.Plugin registers into C8
	// under its own name and reads params["url"] itself; this endpoint's
	// job ends at validating and enqueueing the job row.
	a.createJobAndEnqueue(ctx, collectionID, req.URL, nil, "text/url-reference", pluginName, params)
}

type ingestBaseRequest struct {
	Text         string         `json:"text"`
	Filename     string         `json:"filename"`
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

func (a *API) handleIngestBase(ctx *fasthttp.RequestCtx) {
	collectionID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var req ingestBaseRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.Text) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "text is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	pluginName := req.PluginName
	if pluginName == "" {
		pluginName = "standard"
	}
	params := req.PluginParams
	if params == nil {
		params = map[string]any{}
	}
	filename := req.Filename
	if filename == "" {
		filename = uuid.NewString() + ".md"
	}
	a.createJobAndEnqueue(ctx, collectionID, filename, []byte(req.Text), "text/markdown", pluginName, params)
}

// ── Query ────────────────────────────────────────────────────────────────

type queryRequest struct {
	QueryText    string         `json:"query_text"`
	TopK         int            `json:"top_k"`
	Threshold    float64        `json:"threshold"`
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

func (a *API) handleQuery(ctx *fasthttp.RequestCtx) {
	collectionID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var req queryRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.QueryText) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "query_text is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	pluginName := req.PluginName
	if pluginName == "" {
		pluginName = "default"
	}
	mode := plugins.ModeFor(pluginName)
	if mode == plugins.ModeDisable {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("plugin %q is disabled", pluginName), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	extra := plugins.SanitizeQueryParams(mode, req.PluginParams)

	results, err := a.Query(ctx, pluginName, collectionID, req.QueryText, kbquery.Params{
		TopK: req.TopK, Threshold: req.Threshold, Extra: extra,
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": results})
}

// ── Files ────────────────────────────────────────────────────────────────

func (a *API) handleListFiles(ctx *fasthttp.RequestCtx) {
	collectionID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid collection id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	files, err := a.Jobs.ListJobsByCollection(ctx, collectionID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"files": files})
}

func (a *API) handleDeleteFile(ctx *fasthttp.RequestCtx) {
	fileID, ok := pathInt(ctx, "file_id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid file id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	hard := strings.EqualFold(string(ctx.QueryArgs().Peek("hard")), "true")
	if err := a.Jobs.DeleteJob(ctx, fileID, hard); err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "file not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"deleted": true})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleSetFileStatus implements PUT /files/{file_id}/status. The only
// externally meaningful transition a caller may request is cancellation
// (spec.md §4.6/§5: cancellation is cooperative — the worker observes
// the flipped status at its next read, never forcibly killed); every
// other status is worker-owned and rejected here.
func (a *API) handleSetFileStatus(ctx *fasthttp.RequestCtx) {
	fileID, ok := pathInt(ctx, "file_id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid file id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var req setStatusRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Status != string(ingest.StatusCancelled) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "status must be \"cancelled\"", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	job, err := a.Jobs.Get(ctx, fileID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "file not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if job.Status == ingest.StatusPending || job.Status == ingest.StatusProcessing {
		job.Status = ingest.StatusCancelled
		if err := a.Jobs.Update(ctx, job); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": string(job.Status)})
}

// ── Plugin catalogs ──────────────────────────────────────────────────────

// ingestParamCatalog is the full (ADVANCED-mode) parameter surface for
// each of the four chunking-strategy plugins this build ships, per
// spec.md §4.6. SIMPLIFIED mode strips everything not in C8's
// ingest-essentials whitelist before this reaches a client.
var ingestParamCatalog = map[string]map[string]any{
	"standard": {
		"chunk_size": 1000, "chunk_overlap": 200, "splitter_type": "recursive",
	},
	"by_page": {
		"pages_per_chunk": 1,
	},
	"by_section": {
		"split_on_heading": 2,
	},
	"hierarchical": {
		"parent_chunk_size": 4000, "split_by_headers": true,
		"child_chunk_size": 500, "child_chunk_overlap": 50,
		"include_outline": false,
	},
}

var queryParamCatalog = map[string]any{
	"top_k": 5, "threshold": 0.0,
}

func (a *API) handleIngestionPlugins(ctx *fasthttp.RequestCtx) {
	catalog := a.Plugins.IngestCatalog()
	out := make(map[string]any, len(catalog))
	for name, mode := range catalog {
		out[name] = map[string]any{
			"mode":       mode,
			"parameters": plugins.SanitizeIngestParams(mode, ingestParamCatalog[name]),
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"plugins": out})
}

func (a *API) handleQueryPlugins(ctx *fasthttp.RequestCtx) {
	catalog := a.Plugins.QueryCatalog()
	out := make(map[string]any, len(catalog))
	for name, mode := range catalog {
		out[name] = map[string]any{
			"mode":       mode,
			"parameters": plugins.SanitizeQueryParams(mode, queryParamCatalog),
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"plugins": out})
}
