// Package openaicompat implements C2.a, the OpenAI-compatible connector.
// It talks to any backend that implements the OpenAI chat-completions
// wire format — OpenAI itself, or an organization-configured compatible
// endpoint — and additionally serves embeddings for the KB engine (C6/C7).
//
// Responsibilities beyond a bare chat-completions call:
//   - Tool-calling: when the model returns tool_calls, they are surfaced
//     on ProxyResponse.ToolCalls rather than resolved here; the loop that
//     bounds iterations and executes tools lives in internal/tools (C4).
//   - Vision: image parts on a user message are sent as OpenAI
//     image_url content parts; if the configured model does not accept
//     vision inputs the caller (C3 Assistant Executor) retries the call
//     once with the image parts removed and tells the user so.
//   - Status probing: CheckStatus classifies a key/base-URL pair without
//     performing a full chat call, for the creator API-key status UI.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider is a configurable OpenAI-compatible connector instance, one per
// organization/provider-config pair resolved by C1.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible Provider.
//
//   - name    — routing/log identifier, e.g. "openai" or the org-configured alias.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL; empty means the official OpenAI endpoint.
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func (p *Provider) buildParams(req *providers.ProxyRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openaiSDK.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openaiSDK.ChatCompletionFunctionTool(openaiSDK.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaiSDK.String(t.Description),
				Parameters:  openaiSDK.FunctionParameters(t.Parameters),
			}))
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	out := &providers.ProxyResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			var deltas []providers.ToolCallDelta
			for _, tc := range c.Delta.ToolCalls {
				deltas = append(deltas, providers.ToolCallDelta{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}

			if c.Delta.Content != "" || len(deltas) > 0 {
				ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason, ToolCallDeltas: deltas}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
		}
	}()

	// Model is known up front — the SDK doesn't echo it per-chunk, and the
	// caller (internal/tools' streaming tool loop, internal/proxy's SSE
	// writer) needs it before the first chunk is consumed.
	return &providers.ProxyResponse{Model: params.Model, Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: req.Model,
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	out := &providers.EmbeddingResponse{
		Model: resp.Model,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out.Data = append(out.Data, providers.EmbeddingData{Index: int(d.Index), Embedding: vec})
	}
	return out, nil
}

// Status is the classification returned by CheckStatus for the
// creator-facing API key status indicator.
type Status string

const (
	StatusOK           Status = "ok"
	StatusInvalidKey   Status = "invalid_key"
	StatusForbidden    Status = "forbidden"
	StatusRateLimited  Status = "rate_limited"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusTimeout      Status = "timeout"
	StatusUnreachable  Status = "unreachable"
)

// CheckStatus classifies this provider's credential/base-URL pair by
// attempting a cheap models-list call, the same probe the donor's
// HealthCheck uses, reclassified into the richer status vocabulary the
// creator UI needs (401/403/429/402 are distinguished, not folded into a
// single "unhealthy").
func (p *Provider) CheckStatus(ctx context.Context) Status {
	_, err := p.client.Models.List(ctx)
	if err == nil {
		return StatusOK
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return StatusInvalidKey
		case http.StatusForbidden:
			return StatusForbidden
		case http.StatusTooManyRequests:
			return StatusRateLimited
		case http.StatusPaymentRequired:
			return StatusQuotaExceeded
		}
	}
	return StatusUnreachable
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Name: p.name, StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// toSDKMessage maps an internal Message, including any image parts (vision)
// and tool-result linkage, to the SDK's message union type.
func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	role := strings.ToLower(m.Role)

	if role == "tool" {
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	}

	if role == "user" && len(m.ImageURLs) > 0 {
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.ImageURLs)+1)
		if m.Content != "" {
			parts = append(parts, openaiSDK.TextContentPart(m.Content))
		}
		for _, url := range m.ImageURLs {
			parts = append(parts, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
		return openaiSDK.UserMessage(parts)
	}

	switch role {
	case "developer":
		return openaiSDK.DeveloperMessage(m.Content)
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		return openaiSDK.AssistantMessage(m.Content)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}
