// Package ollama implements C2.b, the Ollama-native connector.
//
// Ollama is not OpenAI-wire-compatible: it exposes POST {base}/api/chat
// and GET {base}/api/tags with its own JSON shapes, and its streaming
// response is newline-delimited JSON objects rather than SSE "data:"
// frames. This connector re-frames both into the internal ProxyResponse
// shape the gateway already knows how to turn into OpenAI-style output,
// the same way the donor's azure.go connector re-frames a non-SDK vendor
// API by hand instead of going through the OpenAI SDK.
//
// Ollama does not report token usage; InputTokens/OutputTokens are
// reported as -1 (unknown) rather than 0, so downstream accounting can
// distinguish "no usage reported" from "zero tokens used".
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

const providerName = "ollama"

// clientPool hands out one *http.Client per base URL, reused across
// requests to avoid exhausting connections under concurrent load (see
// the original implementation's shared aiohttp session pool).
var clientPool sync.Map // map[string]*http.Client

func clientFor(baseURL string) *http.Client {
	if c, ok := clientPool.Load(baseURL); ok {
		return c.(*http.Client)
	}
	c := &http.Client{Timeout: providers.ProviderTimeout}
	actual, _ := clientPool.LoadOrStore(baseURL, c)
	return actual.(*http.Client)
}

// Provider talks to a single Ollama instance.
type Provider struct {
	baseURL string
	client  *http.Client
}

// New creates a Provider for the Ollama instance at baseURL (e.g.
// "http://localhost:11434").
func New(baseURL string) *Provider {
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), client: clientFor(baseURL)}
}

func (p *Provider) Name() string { return providerName }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the model tags currently pulled on this Ollama
// instance; HealthCheck uses it as its probe.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: list models: status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	if req.Stream {
		return p.handleStreaming(resp)
	}
	defer resp.Body.Close()
	return p.handleResponse(resp)
}

func (p *Provider) buildRequest(req *providers.ProxyRequest) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{Model: req.Model, Messages: msgs, Stream: req.Stream}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		cr.Options = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return cr
}

func (p *Provider) handleResponse(resp *http.Response) (*providers.ProxyResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	return &providers.ProxyResponse{
		Content: cr.Message.Content,
		Usage:   providers.Usage{InputTokens: -1, OutputTokens: -1},
	}, nil
}

// handleStreaming re-frames Ollama's newline-delimited JSON stream into
// the internal StreamChunk channel. The first object carries role
// "assistant" with no content; every object after it carries a content
// delta; the final object has Done == true and no content.
func (p *Provider) handleStreaming(resp *http.Response) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				continue
			}
			if cr.Error != "" {
				ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %s", cr.Error), FinishReason: "error"}
				return
			}
			if cr.Done {
				ch <- providers.StreamChunk{FinishReason: "stop"}
				return
			}
			if cr.Message.Content != "" {
				ch <- providers.StreamChunk{Content: cr.Message.Content}
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// ProviderError is a structured error surfaced by a non-200 Ollama response.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ollama: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int {
	// Ollama has no public-facing rate limits or auth; any non-200 from a
	// local/self-hosted instance is treated as an upstream failure.
	if e.StatusCode == 0 {
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}

func (p *Provider) parseError(resp *http.Response) error {
	var cr chatResponse
	_ = json.NewDecoder(resp.Body).Decode(&cr)
	msg := cr.Error
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: msg}
}
