// Package proxy is C9, the Chat-Completions Gateway.
//
// It accepts an OpenAI-shaped request (JSON or multipart), resolves the
// target assistant from the "lamb_assistant.<id>" model id, and delegates
// execution to the assistant executor (C3) — which in turn resolves the
// one connector that assistant is configured to use. There is no
// provider-name routing table and no cross-connector failover: retries
// target the same connector again, gated by its own circuit breaker.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/cache"
	"github.com/lamb-project/completion-gateway/internal/logger"
	"github.com/lamb-project/completion-gateway/internal/metrics"
	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/lamb-project/completion-gateway/internal/ratelimit"
	"github.com/lamb-project/completion-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and retry
	// diagnostics. Defaults to a no-op logger when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of connector attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-connector HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-connector circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// APIKey is the single process-level bearer API key (spec.md §4.9).
	// When set, requests without a matching Authorization header are
	// rejected with 401; when empty, authentication is disabled.
	APIKey string

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// Connectors, keyed by providers.Kind*, back GET /health's background
	// probes. Optional — when empty, health reports "ok" for providers
	// trivially (no connector configured to probe).
	Connectors map[string]providers.Provider

	// CacheReady reports whether the cache backend is reachable, for
	// GET /readiness. Nil means "not configured" → always ready.
	CacheReady func() bool
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	executor *assistant.Executor
	cache    cache.Cache
	cb       *CircuitBreaker
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	apiKey   string

	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, exec *assistant.Executor, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, exec, c, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or retry limits.
func NewGatewayWithOptions(
	baseCtx context.Context,
	exec *assistant.Executor,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if exec == nil {
		panic("gateway: executor must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		executor:        exec,
		cache:           c,
		cb:              NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
		cacheTTL:        cacheTTL,
		metrics:         opts.Metrics,
		apiKey:          opts.APIKey,
	}

	if len(opts.Connectors) > 0 || opts.CacheReady != nil {
		gw.health = NewHealthChecker(baseCtx, opts.Connectors, opts.CacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (feeds C10 analytics).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Inbound/outbound wire types ────────────────────────────────────────────

type (
	inboundContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}

	inboundMessage struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// decodeMessageContent normalizes the "content" field (string, or list of
// typed parts) into the plain-text content plus any image URLs.
func decodeMessageContent(raw json.RawMessage) (text string, imageURLs []string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []inboundContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	var b strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		case "image_url":
			if p.ImageURL != nil {
				imageURLs = append(imageURLs, p.ImageURL.URL)
			}
		}
	}
	return b.String(), imageURLs
}

// mimeByExtension maps a file extension to a MIME type, per spec.md §4.9's
// multipart normalization table.
func mimeByExtension(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// parseInboundRequest decodes either a JSON body or a multipart/form-data
// body into a normalized inboundRequest, per spec.md §4.9's multipart
// normalization rule: any uploaded file is base64-encoded and appended to
// the last user message as an image_url content part.
func parseInboundRequest(ctx *fasthttp.RequestCtx) (*inboundRequest, error) {
	contentType := string(ctx.Request.Header.ContentType())
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req inboundRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return &req, nil
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}

	raw := firstFormValue(form, "data")
	if raw == "" {
		raw = firstFormValue(form, "messages")
	}
	var req inboundRequest
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("invalid JSON in multipart 'data' field: %w", err)
		}
	}

	var files []*multipart.FileHeader
	if form.File != nil {
		files = append(files, form.File["file"]...)
	}
	if len(files) == 0 || len(req.Messages) == 0 {
		return &req, nil
	}

	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return &req, nil
	}

	text, imageURLs := decodeMessageContent(req.Messages[lastUser].Content)
	for _, fh := range files {
		data, err := readFormFile(fh)
		if err != nil {
			return nil, fmt.Errorf("read uploaded file %q: %w", fh.Filename, err)
		}
		url := fmt.Sprintf("data:%s;base64,%s", mimeByExtension(fh.Filename), base64.StdEncoding.EncodeToString(data))
		imageURLs = append(imageURLs, url)
	}

	parts := []inboundContentPart{{Type: "text", Text: text}}
	for _, u := range imageURLs {
		u := u
		parts = append(parts, inboundContentPart{Type: "image_url", ImageURL: &struct {
			URL string `json:"url"`
		}{URL: u}})
	}
	encoded, _ := json.Marshal(parts)
	req.Messages[lastUser].Content = encoded

	return &req, nil
}

func firstFormValue(form *multipart.Form, key string) string {
	if form == nil || form.Value == nil {
		return ""
	}
	vals := form.Value[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// authenticate enforces the single process-level bearer API key (spec.md §4.9).
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) bool {
	if g.apiKey == "" {
		return true
	}
	raw := string(ctx.Request.Header.Peek("Authorization"))
	token := parseBearerToken(raw)
	return token != "" && token == g.apiKey
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// handleModels serves GET /v1/models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if !g.authenticate(ctx) {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "missing or invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}
	entries, err := g.executor.ListModels(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{
			"id":       e.ID,
			"object":   "model",
			"owned_by": e.OwnedBy,
			"capabilities": map[string]bool{
				"vision":           e.Capabilities.Vision,
				"image_generation": e.Capabilities.ImageGeneration,
			},
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// dispatchChat is the core handler for /v1/chat/completions and /chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	if !g.authenticate(ctx) {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "missing or invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}

	req, err := parseInboundRequest(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	assistantID, ok := parseAssistantModel(req.Model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("model %q must match lamb_assistant.<id>", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	callerEmail, isAdmin := callerFromContext(ctx)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.Int("assistant_id", assistantID),
		slog.Bool("stream", req.Stream),
	)

	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		text, imageURLs := decodeMessageContent(m.Content)
		msgs[i] = providers.Message{Role: m.Role, Content: text, ImageURLs: imageURLs, ToolCallID: m.ToolCallID}
	}

	proxyReq := providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		AssistantID: assistantID,
		RequestID:   reqID,
	}

	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(&proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu struct {
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}
			g.logRequest(reqID, servedProvider, req.Model, callerEmail, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedConnector, err := g.executeWithRetry(provCtx, assistantID, callerEmail, isAdmin, proxyReq, route)
	if err != nil {
		if errors.Is(err, assistant.ErrNotFound) || errors.Is(err, assistant.ErrForbidden) {
			status := handleExecError(ctx, err)
			g.logRequest(reqID, usedConnector, req.Model, callerEmail, 0, 0, time.Since(start), status, false)
			return
		}
		// Every other failure — ConfigError/UpstreamError that exhausted
		// the fallback ladder, a genuinely unexpected invariant violation
		// — still produces a well-formed completion rather than an HTTP
		// error (spec §7): only truly unknown invariant violations do that,
		// and those are rare enough to fold into the synthetic message too
		// rather than break the completion contract for a streaming client
		// mid-SSE.
		resp = syntheticErrorResponse(req.Stream, err)
		resp.Model = req.Model
		err = nil
	}
	servedProvider = usedConnector

	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		capturedConnector := usedConnector
		writeSSE(ctx, resp, func(outTokens int) {
			g.logRequest(reqID, usedConnector, resp.Model, callerEmail, 0, outTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedConnector, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedConnector, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedConnector, capturedRoute, 0, outTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		if err := g.cache.Set(ctx, buildCacheKey(&proxyReq), body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.logRequest(reqID, usedConnector, resp.Model, callerEmail, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	if cacheEligible {
		cacheLabel = "miss"
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.Response.Header.Set("X-Request-ID", reqID)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// callerFromContext reads the caller identity a prior auth layer attached to
// the request (e.g. an LTI/OWI session decoder upstream of this gateway).
// Absent any such layer, requests run as an anonymous, non-admin caller —
// authorization still applies inside the assistant executor (owner/share
// checks in C3/C5), this just supplies the identity to check against.
func callerFromContext(ctx *fasthttp.RequestCtx) (email string, isAdmin bool) {
	email, _ = ctx.UserValue("caller_email").(string)
	isAdmin, _ = ctx.UserValue("caller_is_admin").(bool)
	return email, isAdmin
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, provider, model, callerEmail string, inputTokens, outputTokens int, latency time.Duration, status int, isCached bool) {
	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		CallerEmail:  callerEmail,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The assistant id is included so two assistants sharing a connector never
// collide on cache key.
func buildCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		Assistant int    `json:"assistant"`
		Model     string `json:"m"`
		Temp      string `json:"t"`
		MaxTokens int    `json:"mt"`
		Msgs      []msg  `json:"msgs"`
	}{req.AssistantID, req.Model, fmt.Sprintf("%.2f", req.Temperature), req.MaxTokens, msgs})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleExecError maps an assistant-executor error to the appropriate HTTP
// response and returns the status code written, for logging. On the
// completion path (dispatchChat) this is only reached for
// assistant.ErrNotFound / assistant.ErrForbidden — spec §7's NotFoundError
// and AuthError are the sole error kinds that still surface as HTTP errors
// there. The StatusCoder/timeout branches below remain for other callers
// (management routes, health probes) that still want a plain HTTP mapping.
func handleExecError(ctx *fasthttp.RequestCtx, err error) int {
	switch {
	case errors.Is(err, assistant.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "assistant not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return fasthttp.StatusNotFound
	case errors.Is(err, assistant.ErrForbidden):
		apierr.Write(ctx, fasthttp.StatusForbidden, "not authorized for this assistant", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return fasthttp.StatusForbidden
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return sc.HTTPStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return fasthttp.StatusGatewayTimeout
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	return fasthttp.StatusBadGateway
}

// syntheticErrorResponse builds a well-formed completion carrying a
// visible, ❌-prefixed error message in place of raising an HTTP error —
// spec §7's preferred propagation path for ConfigError/UpstreamError kinds:
// a connector failure that exhausted its retries, a fallback model that
// also failed, a circuit breaker refusing to dispatch at all. For a
// streaming client this still produces exactly one delta chunk followed
// by [DONE], so the SSE contract holds even on failure.
func syntheticErrorResponse(stream bool, err error) *providers.ProxyResponse {
	content := fmt.Sprintf("❌ Completion Failed: %s", err.Error())
	if !stream {
		return &providers.ProxyResponse{Content: content}
	}
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Content: content, FinishReason: "stop"}
	close(ch)
	return &providers.ProxyResponse{Stream: ch}
}

// streamTokenEncoding is lazily resolved once; cl100k_base covers every
// connector this gateway talks to closely enough for analytics purposes
// (streaming responses carry no provider-reported usage to fall back to).
var (
	streamTokenEncOnce sync.Once
	streamTokenEnc     *tiktoken.Tiktoken
)

func countStreamTokens(text string) int {
	streamTokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			streamTokenEnc = enc
		}
	})
	if streamTokenEnc == nil {
		n := len(text) / 4
		if n == 0 && text != "" {
			n = 1
		}
		return n
	}
	return len(streamTokenEnc.Encode(text, nil, nil))
}

// writeSSE streams response chunks from the connector as Server-Sent Events.
// onComplete is called once the stream drains with the output token count
// (tiktoken-estimated; providers report no usage on SSE chunks), enabling
// async logging for streaming requests.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   resp.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete(countStreamTokens(sb.String()))
		}
	})
}
