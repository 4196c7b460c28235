// Package assistant implements C3, the Assistant Executor: assistant
// metadata parsing, capability routing, and the
// pre-retrieval → retrieval → prompt-template → connector → post-retrieval
// pipeline, grounded on the donor gateway's request-handling shape and
// the original AssistantService's lifecycle operations (soft/hard
// delete, publish/unpublish, name validation).
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/lamb-project/completion-gateway/internal/tools"
)

// Capabilities flags an assistant's declared abilities (spec.md §3).
type Capabilities struct {
	Vision          bool `json:"vision"`
	ImageGeneration bool `json:"image_generation"`
}

// Metadata is an assistant's structured configuration, parsed from its
// stored metadata/api_callback JSON.
type Metadata struct {
	Connector           string       `json:"connector"` // providers.KindOpenAICompat | KindOllama | KindGoogleImage
	Setup               string       `json:"setup"`     // organization setup name, defaults to "default"
	// Model is the literal upstream model this assistant was configured
	// with (the donor Python connector's "llm" parameter) — distinct from
	// the client-facing "lamb_assistant.<id>" string that selects this
	// assistant in the first place. Fed to orgconfig.ResolveModel as the
	// requested model; empty means "use whatever the org setup defaults to".
	Model               string       `json:"model"`
	RAGEndpoint         string       `json:"rag_endpoint"`
	RAGCollections      []int        `json:"rag_collections"`
	RAGTopK             int          `json:"rag_top_k"`
	PreRetrievalPlugin  string       `json:"pre_retrieval_plugin"`
	PostRetrievalPlugin string       `json:"post_retrieval_plugin"`
	Tools               []string     `json:"tools"`
	Capabilities        Capabilities `json:"capabilities"`
}

// Publication holds an assistant's LTI/OWI publication state; nil when
// the assistant is not published.
type Publication struct {
	GroupID           string
	GroupName         string
	OAuthConsumerName string
}

// Assistant is spec.md §3's Assistant entity.
type Assistant struct {
	ID             int
	Name           string
	Owner          string
	Description    string
	SystemPrompt   string
	PromptTemplate string
	RawMetadata    string
	Publication    *Publication
	Deleted        bool
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName enforces spec.md's assistant-name invariant.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("assistant: name %q must contain only letters, numbers, underscores and hyphens", name)
	}
	return nil
}

// ParseMetadata decodes an assistant's metadata JSON, returning a zero
// Metadata (not an error) on malformed or absent JSON — metadata is
// optional configuration, not a required field.
func ParseMetadata(raw string) Metadata {
	var m Metadata
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

// PreRetrievalPlugin transforms inbound messages before retrieval runs.
type PreRetrievalPlugin interface {
	Run(ctx context.Context, messages []providers.Message) ([]providers.Message, error)
}

// RetrievalPlugin runs RAG retrieval and returns context text to splice
// into the prompt template.
type RetrievalPlugin interface {
	Retrieve(ctx context.Context, collections []int, topK int, query string) (string, error)
}

// PostRetrievalPlugin wraps a connector's output, transforming either the
// full content (non-streaming) or each chunk (streaming) before it
// reaches the client.
type PostRetrievalPlugin interface {
	Transform(ctx context.Context, content string) (string, error)
}

// Connector is the subset of providers.Provider the executor calls.
type Connector interface {
	Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

// Store resolves an assistant and checks authorization against it.
type Store interface {
	GetAssistant(ctx context.Context, id int) (Assistant, error)
	// IsAuthorized reports whether callerEmail may invoke this assistant:
	// owner, admin, or a share-target (internal/sharing owns the share
	// table; this method composes that check with ownership/admin).
	IsAuthorized(ctx context.Context, assistantID int, callerEmail string, isAdmin bool) (bool, error)
	// ListPublished returns every published, non-deleted assistant, for the
	// GET /v1/models listing.
	ListPublished(ctx context.Context) ([]Assistant, error)
}

// ModelEntry is one GET /v1/models row.
type ModelEntry struct {
	ID           string
	OwnedBy      string
	Capabilities Capabilities
}

// ListModels returns the published model catalog.
func (e *Executor) ListModels(ctx context.Context) ([]ModelEntry, error) {
	assistants, err := e.store.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModelEntry, 0, len(assistants))
	for _, a := range assistants {
		meta := ParseMetadata(a.RawMetadata)
		out = append(out, ModelEntry{
			ID:           fmt.Sprintf("lamb_assistant.%d", a.ID),
			OwnedBy:      a.Owner,
			Capabilities: meta.Capabilities,
		})
	}
	return out, nil
}

// PluginResolver looks up named pre/retrieval/post plugins by the name
// stored in an assistant's metadata.
type PluginResolver interface {
	PreRetrieval(name string) (PreRetrievalPlugin, bool)
	Retrieval(name string) (RetrievalPlugin, bool)
	PostRetrieval(name string) (PostRetrievalPlugin, bool)
}

// ToolResolver builds the tool registry (C4) an assistant's declared
// tool names should run with. Unknown names are simply omitted from the
// resulting registry rather than failing the turn.
type ToolResolver interface {
	Resolve(names []string) *tools.Registry
}

// ErrNotFound is returned when the assistant does not exist or is soft-deleted.
var ErrNotFound = fmt.Errorf("assistant: not found")

// ErrForbidden is returned when the caller is not authorized.
var ErrForbidden = fmt.Errorf("assistant: forbidden")

// ConnectorResolver resolves the connector instance that should serve a
// request on behalf of owner (the assistant's owning creator account),
// under the named organization setup (defaults to "default" upstream in
// internal/orgconfig), for the metadata-declared connector kind
// (providers.KindOpenAICompat etc). Each openaicompat.Provider is scoped
// to one organization/provider-config pair — C1 resolves the credentials,
// so the closure must carry owner+setup through to pick the right
// pre-built connector instance, not just its kind.
//
// requestedModel is the assistant's configured literal model (Metadata.Model);
// the resolver runs the model-resolution policy ladder (spec's §4.1) against
// it and returns resolvedModel (what to actually send upstream) and
// orgDefaultModel (the setup's default_model, used for the runtime
// fallback-once ladder in Execute).
type ConnectorResolver func(ctx context.Context, owner, setup, kind, requestedModel string) (conn Connector, resolvedModel, orgDefaultModel string, ok bool)

// Executor runs the C3 pipeline.
type Executor struct {
	store     Store
	plugins   PluginResolver
	connector ConnectorResolver
	toolRes   ToolResolver
}

// New builds an Executor. connector resolves a connector instance scoped to
// the calling assistant's owner and organization setup. toolRes may be
// nil — assistants that declare no tools never consult it.
func New(store Store, plugins PluginResolver, connector ConnectorResolver, toolRes ToolResolver) *Executor {
	return &Executor{store: store, plugins: plugins, connector: connector, toolRes: toolRes}
}

// Execute runs the full pipeline from spec.md §4.3 for one completion
// request against assistantID.
func (e *Executor) Execute(ctx context.Context, assistantID int, callerEmail string, isAdmin bool, req providers.ProxyRequest) (*providers.ProxyResponse, error) {
	a, err := e.store.GetAssistant(ctx, assistantID)
	if err != nil || a.Deleted {
		return nil, ErrNotFound
	}
	ok, err := e.store.IsAuthorized(ctx, assistantID, callerEmail, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("assistant: authorization check: %w", err)
	}
	if !ok {
		return nil, ErrForbidden
	}

	meta := ParseMetadata(a.RawMetadata)

	messages := req.Messages
	if meta.PreRetrievalPlugin != "" {
		if p, ok := e.plugins.PreRetrieval(meta.PreRetrievalPlugin); ok {
			messages, err = p.Run(ctx, messages)
			if err != nil {
				return nil, fmt.Errorf("assistant: pre-retrieval plugin %q: %w", meta.PreRetrievalPlugin, err)
			}
		}
	}

	promptCtx := ""
	if meta.RAGEndpoint != "" && len(messages) > 0 {
		if p, ok := e.plugins.Retrieval(meta.RAGEndpoint); ok {
			query := lastUserContent(messages)
			promptCtx, err = p.Retrieve(ctx, meta.RAGCollections, defaultTopK(meta.RAGTopK), query)
			if err != nil {
				return nil, fmt.Errorf("assistant: retrieval plugin %q: %w", meta.RAGEndpoint, err)
			}
		}
	}
	messages = applyPromptTemplate(messages, a.PromptTemplate, promptCtx)
	if a.SystemPrompt != "" {
		messages = append([]providers.Message{{Role: "system", Content: a.SystemPrompt}}, messages...)
	}

	conn, resolvedModel, orgDefaultModel, ok := e.connector(ctx, a.Owner, meta.Setup, meta.Connector, meta.Model)
	if !ok {
		return nil, fmt.Errorf("assistant: no connector configured for kind %q", meta.Connector)
	}

	req.Messages = messages
	req.Owner = a.Owner
	req.Model = resolvedModel

	resp, err := e.runTurn(ctx, conn, meta, req)
	if err != nil {
		// Runtime fallback ladder (spec §4.2): one retry against the
		// setup's org_default_model, only if it differs from what was
		// already tried. No further retries beyond this single attempt —
		// both failures propagate as one composite error; the gateway
		// (internal/proxy) turns it into a visible completion rather than
		// an HTTP error (spec §7), this package only decides what to retry.
		if orgDefaultModel == "" || orgDefaultModel == resolvedModel {
			return nil, fmt.Errorf("assistant: model %q: %w", resolvedModel, err)
		}
		fallbackReq := req
		fallbackReq.Model = orgDefaultModel
		resp2, err2 := e.runTurn(ctx, conn, meta, fallbackReq)
		if err2 != nil {
			return nil, fmt.Errorf("assistant: model %q: %w; fallback %q: %v", resolvedModel, err, orgDefaultModel, err2)
		}
		resp = resp2
	}

	if meta.PostRetrievalPlugin != "" && !req.Stream {
		if p, ok := e.plugins.PostRetrieval(meta.PostRetrievalPlugin); ok {
			resp.Content, err = p.Transform(ctx, resp.Content)
			if err != nil {
				return nil, fmt.Errorf("assistant: post-retrieval plugin %q: %w", meta.PostRetrievalPlugin, err)
			}
		}
	}

	return resp, nil
}

// runTurn attempts req as given; if any message carries image parts, a
// failure of any kind (the donor connector catches every exception the
// same way) triggers one retry with images stripped and a disclosure
// prefixed onto the first user message, rather than surfacing the error.
func (e *Executor) runTurn(ctx context.Context, conn Connector, meta Metadata, req providers.ProxyRequest) (*providers.ProxyResponse, error) {
	resp, err := e.runPipeline(ctx, conn, meta, req)
	if err == nil || !hasImages(req.Messages) {
		return resp, err
	}
	fallback := req
	fallback.Messages = stripImages(req.Messages)
	return e.runPipeline(ctx, conn, meta, fallback)
}

// runPipeline is the tools-vs-direct-connector branch shared by both the
// image-inclusive attempt and its text-only fallback.
func (e *Executor) runPipeline(ctx context.Context, conn Connector, meta Metadata, req providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if len(meta.Tools) > 0 && e.toolRes != nil {
		reg := e.toolRes.Resolve(meta.Tools)
		return tools.Run(ctx, conn, reg, req)
	}
	return conn.Request(ctx, &req)
}

func hasImages(messages []providers.Message) bool {
	for _, m := range messages {
		if len(m.ImageURLs) > 0 {
			return true
		}
	}
	return false
}

// imageDropDisclosure is prefixed onto the first user message when a
// vision-formatted attempt fails and the turn retries text-only.
const imageDropDisclosure = "[Note: one or more images were dropped from this message; the configured model does not accept image input.] "

// stripImages clears every message's ImageURLs and discloses the drop on
// the first user message, leaving everything else unchanged.
func stripImages(messages []providers.Message) []providers.Message {
	out := append([]providers.Message(nil), messages...)
	disclosed := false
	for i := range out {
		out[i].ImageURLs = nil
		if !disclosed && out[i].Role == "user" {
			out[i].Content = imageDropDisclosure + out[i].Content
			disclosed = true
		}
	}
	return out
}

// ConnectorKind returns the connector kind (providers.Kind*) an assistant's
// metadata declares, without running the pipeline — used by the gateway to
// key circuit-breaker state before dispatching the request.
func (e *Executor) ConnectorKind(ctx context.Context, assistantID int) (string, error) {
	a, err := e.store.GetAssistant(ctx, assistantID)
	if err != nil || a.Deleted {
		return "", ErrNotFound
	}
	return ParseMetadata(a.RawMetadata).Connector, nil
}

func defaultTopK(v int) int {
	if v <= 0 {
		return 5
	}
	return v
}

func lastUserContent(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// applyPromptTemplate renders the assistant's template with the user's
// raw message and any retrieved context, falling back to the raw
// message unmodified when no template is configured.
func applyPromptTemplate(messages []providers.Message, template, ragContext string) []providers.Message {
	if template == "" {
		return messages
	}
	out := append([]providers.Message(nil), messages...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != "user" {
			continue
		}
		rendered := template
		rendered = replaceAll(rendered, "{context}", ragContext)
		rendered = replaceAll(rendered, "{user_input}", out[i].Content)
		out[i].Content = rendered
		break
	}
	return out
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// SoftDelete renames the assistant and reassigns it to a sentinel
// owner, after first removing every member from its published group if
// it has one — the exact ordering the original implementation uses so a
// published assistant doesn't linger accessible to its former group
// after the rename.
func SoftDelete(ctx context.Context, a *Assistant, groupSync interface {
	RemoveAllMembers(ctx context.Context, groupID string) error
}, now time.Time) error {
	if a.Publication != nil && a.Publication.GroupID != "" {
		if err := groupSync.RemoveAllMembers(ctx, a.Publication.GroupID); err != nil {
			return fmt.Errorf("assistant: clear published group: %w", err)
		}
	}
	a.Name = fmt.Sprintf("%s_deleted_%d", a.Name, now.Unix())
	a.Owner = "deleted_assistant@lamb.local"
	a.Deleted = true
	return nil
}
