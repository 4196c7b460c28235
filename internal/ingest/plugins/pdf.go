package plugins

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/lamb-project/completion-gateway/internal/providers/openaicompat"
)

// minImageBytes skips decorative embedded images (rules, bullets, logos)
// that carry no indexable content — spec §4.6's "~1 KB" floor.
const minImageBytes = 1024

// visionDescribeModel is the small vision-capable model used for
// per-image descriptions; image_descriptions=="llm" is the only caller.
const visionDescribeModel = "gpt-4o-mini"

// imageDescriptionMode resolves params["image_descriptions"], defaulting
// to "basic" (image markers with no outbound call).
func imageDescriptionMode(params map[string]any) string {
	if v, ok := params["image_descriptions"].(string); ok && v != "" {
		return v
	}
	return "basic"
}

// pdfImage is one extracted embedded image, kept in memory only long
// enough to be described or discarded.
type pdfImage struct {
	Bytes []byte
	Page  int
}

// PDFPlugin extracts text and, optionally, LLM-described images from PDF
// documents via a native PDF library — the only ingest plugin that reads
// binary content rather than operating purely on extracted text.
type PDFPlugin struct{}

func (PDFPlugin) Name() string { return "pdf" }

func (PDFPlugin) Ingest(ctx context.Context, filePath string, params map[string]any, progress ingest.ProgressFunc, statsFn ingest.StatsFunc, cancelled func() bool) ([]ingest.Chunk, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("pdf: open %s: %w", filePath, err)
	}
	defer f.Close()

	progress(0, 3, "Extracting text")
	textReader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("pdf: extract text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, textReader); err != nil {
		return nil, fmt.Errorf("pdf: read extracted text: %w", err)
	}
	text := buf.String()

	// image_descriptions=="llm" requires an OpenAI-vendored collection —
	// decorateParams (internal/ingest) only ever sets _api_key when the
	// collection's embedding vendor is openai, so a non-openai collection
	// silently downgrades to "basic" here rather than leaking a request
	// to a description API the collection owner never authorized.
	mode := imageDescriptionMode(params)
	apiKey, _ := params["_api_key"].(string)
	if mode == "llm" && apiKey == "" {
		mode = "basic"
	}

	progress(1, 3, "Extracting images")
	images := extractImages(r, minImageBytes)

	var llmCalls []ingest.LLMCall
	var totalDurMs int64
	var withDesc int
	var descs strings.Builder

	var conn *openaicompat.Provider
	if mode == "llm" {
		conn = openaicompat.New("pdf-image-describer", apiKey, "")
	}

	for i, img := range images {
		if cancelled() {
			return nil, ingest.ErrCancelled
		}
		label := fmt.Sprintf("page %d image %d", img.Page, i+1)
		if mode != "llm" {
			descs.WriteString(fmt.Sprintf("\n\n[embedded image: %s]\n", label))
			continue
		}

		start := time.Now()
		desc, err := describeImage(ctx, conn, img.Bytes)
		dur := time.Since(start)
		totalDurMs += dur.Milliseconds()

		call := ingest.LLMCall{Image: label, DurationMs: dur.Milliseconds()}
		if err != nil {
			call.Error = err.Error()
			descs.WriteString(fmt.Sprintf("\n\n[embedded image: %s, description unavailable]\n", label))
		} else {
			call.Success = true
			withDesc++
			descs.WriteString(fmt.Sprintf("\n\n[embedded image: %s] %s\n", label, desc))
		}
		llmCalls = append(llmCalls, call)
	}
	text += descs.String()

	progress(2, 3, "Chunking document")
	p := standardParamsFrom(params)
	parts := splitStandard(text, p)
	chunks := toChunks(parts, "pdf", map[string]any{"page_count": r.NumPage()})

	st := buildStats(text, "pdf", chunks)
	st.ImagesExtracted = len(images)
	st.ImagesWithLLMDescriptions = withDesc
	st.LLMCalls = llmCalls
	st.TotalLLMDurationMs = totalDurMs
	statsFn(st)

	progress(3, 3, "Chunking complete")
	return chunks, nil
}

// extractImages walks every page's XObject resources for Image-subtype
// streams, discarding anything under minBytes once decoded.
func extractImages(r *pdf.Reader, minBytes int) []pdfImage {
	var out []pdfImage
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		xobjs := page.V.Key("Resources").Key("XObject")
		for _, name := range xobjs.Keys() {
			obj := xobjs.Key(name)
			if obj.Key("Subtype").Name() != "Image" {
				continue
			}
			rc := obj.Reader()
			if rc == nil {
				continue
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil || len(data) < minBytes {
				continue
			}
			out = append(out, pdfImage{Bytes: data, Page: i})
		}
	}
	return out
}

// describeImage asks a vision-capable model for a one-sentence
// description of an embedded image, for search-indexing purposes.
func describeImage(ctx context.Context, conn *openaicompat.Provider, data []byte) (string, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	resp, err := conn.Request(ctx, &providers.ProxyRequest{
		Model:     visionDescribeModel,
		MaxTokens: 120,
		Messages: []providers.Message{
			{Role: "user", Content: "Describe this image in one sentence for document search indexing.", ImageURLs: []string{dataURL}},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
