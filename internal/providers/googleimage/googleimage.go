// Package googleimage implements C2.c, the Google GenAI image ("banana")
// connector.
//
// Most traffic routed to this connector is not actually an image-
// generation prompt: chat UIs (OpenWebUI and similar) periodically send
// title/tag-generation requests through whatever model the user's chat
// is configured with, and those must be answered with text, not an
// image. DetectTitleRequest therefore inspects the
// last user message before touching the image API at all; matched
// requests are handed to a small, fast OpenAI-compatible model instead.
//
// Real image prompts go to Gemini's image-generation-capable models via
// google.golang.org/genai, the resulting bytes are handed to an
// ImageStore for persistence, and the response is a single markdown
// image link — there is no token-by-token streaming for image output,
// so Request synthesizes one chunk for streaming callers.
package googleimage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/providers"
	"google.golang.org/genai"
)

const providerName = "google_image"

// titlePatterns mirrors the original implementation's heuristics for
// recognizing a title/tag-generation request rather than an image
// prompt: OpenWebUI's own wording plus generic "generate a title" asks.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)generate.*title`),
	regexp.MustCompile(`(?i)create.*title`),
	regexp.MustCompile(`(?i)suggest.*title`),
	regexp.MustCompile(`(?i)generate.*tags`),
	regexp.MustCompile(`(?i)categorizing.*themes`),
	regexp.MustCompile(`(?i)chat history`),
	regexp.MustCompile(`(?i)conversation title`),
	regexp.MustCompile(`(?i)summarize.*conversation`),
	regexp.MustCompile(`(?i)task:\s*generate`),
	regexp.MustCompile(`(?i)output:\s*json\s*format`),
	regexp.MustCompile(`(?i)broad tags`),
	regexp.MustCompile(`(?i)subtopic tags`),
	regexp.MustCompile(`(?i)guidelines:`),
	regexp.MustCompile(`(?i)use the chat's primary language`),
}

// DetectTitleRequest reports whether messages look like a title/tag
// generation request rather than an image-generation prompt, by
// inspecting the last user message.
func DetectTitleRequest(messages []providers.Message) bool {
	var last providers.Message
	found := false
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last, found = messages[i], true
			break
		}
	}
	if !found {
		return false
	}
	content := strings.ToLower(strings.TrimSpace(last.Content))
	if content == "" {
		return false
	}
	if strings.HasPrefix(content, "### task:") || strings.Contains(content, "### task:") {
		return true
	}
	for _, pat := range titlePatterns {
		if pat.MatchString(content) {
			return true
		}
	}
	return false
}

// ImageStore persists generated image bytes and returns a URL path the
// client can fetch, e.g. "/static/public/<owner>/img/<name>.png". The
// concrete filesystem/object-store implementation is outside this
// package's scope (spec.md treats static-file serving as out of scope);
// this is the seam the gateway wires a real store into.
type ImageStore interface {
	Save(ctx context.Context, owner, filename string, data []byte, mimeType string) (url string, err error)
}

// TitleFallback is the minimal surface this connector needs from the
// OpenAI-compatible connector to answer a title-generation request; the
// gateway wires in its configured small-fast-model instance.
type TitleFallback interface {
	Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

// Provider generates images via Gemini and re-routes title requests.
type Provider struct {
	client        *genai.Client
	model         string // image-generation-capable model, e.g. "gemini-2.0-flash-preview-image-generation"
	store         ImageStore
	titleFallback TitleFallback
}

// New constructs a Provider. client must be configured with
// genai.BackendGeminiAPI; titleFallback is the org's small-fast-model
// OpenAI-compatible connector, used only for title/tag requests.
func New(client *genai.Client, model string, store ImageStore, titleFallback TitleFallback) *Provider {
	return &Provider{client: client, model: model, store: store, titleFallback: titleFallback}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("%s: health check: %w", providerName, err)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if DetectTitleRequest(req.Messages) {
		if p.titleFallback == nil {
			return nil, fmt.Errorf("%s: title-generation request received but no title fallback configured", providerName)
		}
		resp, err := p.titleFallback.Request(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s: title fallback: %w", providerName, err)
		}
		if req.Stream {
			return synthesizeStream(resp.Content, resp.Usage), nil
		}
		return resp, nil
	}

	prompt := extractPrompt(req.Messages)
	if prompt == "" {
		return nil, fmt.Errorf("%s: no prompt found in messages", providerName)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: generate: %w", providerName, err)
	}

	markdown, err := p.persistImages(ctx, req.Owner, resp)
	if err != nil {
		return nil, err
	}

	usage := providers.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if req.Stream {
		return synthesizeStream(markdown, usage), nil
	}
	return &providers.ProxyResponse{Content: markdown, Usage: usage}, nil
}

// persistImages walks the response's candidate parts, saves every inline
// image via the ImageStore, and returns markdown image links interleaved
// with any text parts the model also returned.
func (p *Provider) persistImages(ctx context.Context, owner string, resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%s: empty response", providerName)
	}

	var b strings.Builder
	imgIndex := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
			b.WriteString("\n")
			continue
		}
		if part.InlineData == nil {
			continue
		}
		imgIndex++
		ext := extensionFor(part.InlineData.MIMEType)
		filename := fmt.Sprintf("gen_%s_%d%s", randomSuffix(), imgIndex, ext)
		url, err := p.store.Save(ctx, owner, filename, part.InlineData.Data, part.InlineData.MIMEType)
		if err != nil {
			return "", fmt.Errorf("%s: save image: %w", providerName, err)
		}
		b.WriteString(fmt.Sprintf("![generated image](%s)\n", url))
	}
	return strings.TrimSpace(b.String()), nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// randomSuffix is deliberately not time/random based at the package
// level — callers in production wire a uuid.New() string in; tests can
// supply a fixed one. Kept here only as the non-production fallback.
var randomSuffixFunc = func() string { return "img" }

func randomSuffix() string { return randomSuffixFunc() }

// SetIDGenerator overrides how persisted image filenames are
// disambiguated; the gateway wires in google/uuid at startup.
func SetIDGenerator(f func() string) { randomSuffixFunc = f }

func extractPrompt(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func synthesizeStream(content string, usage providers.Usage) *providers.ProxyResponse {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Content: content, FinishReason: "stop"}
	close(ch)
	return &providers.ProxyResponse{Stream: ch, Usage: usage}
}
