package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/cache"
	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to it,
// and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions", "/chat/completions":
				gw.dispatchChat(ctx)
			case "/v1/models":
				gw.handleModels(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doPost sends a POST request via the in-memory listener client.
func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, readerFromBytes(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- NewGateway tests -------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	NewGateway(nil, exec, nil)
}

func TestNewGateway_PanicsOnNilExecutor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil executor")
		}
	}()
	NewGateway(context.Background(), nil, nil)
}

func TestNewGateway_NoConnectors(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	if gw.health != nil {
		t.Error("health checker should be nil when no connectors/probes configured")
	}
}

func TestNewGatewayWithOptions_ConnectorsEnableHealth(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{
		Connectors: map[string]providers.Provider{providers.KindOpenAICompat: &fakeProvider{name: providers.KindOpenAICompat}},
	})
	if gw.health == nil {
		t.Error("health checker should be created when Connectors is set")
	}
}

func TestNewGatewayWithOptions_CacheReadyEnablesHealth(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{
		CacheReady: func() bool { return true },
	})
	if gw.health == nil {
		t.Fatal("expected non-nil gateway")
	}
}

// --- SetRateLimiters / SetLogger / SetCacheExclusions -----------------------

func TestGateway_Setters(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	gw.SetRateLimiters(nil)
	if gw.rpmLimiter != nil {
		t.Error("expected nil rpm limiter")
	}

	gw.SetLogger(nil)
	if gw.reqLogger != nil {
		t.Error("expected nil logger")
	}

	gw.SetCacheExclusions(nil)
	if gw.cacheExclusions != nil {
		t.Error("expected nil exclusions")
	}

	gw.SetCORSOrigins([]string{"https://example.com"})
	if len(gw.corsOrigins) != 1 || gw.corsOrigins[0] != "https://example.com" {
		t.Error("CORS origins not set correctly")
	}
}

// --- dispatchChat tests (via in-memory HTTP server) -------------------------

func TestDispatchChat_InvalidJSON(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "mock-1")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errResp.Error.Code != "invalid_request" {
		t.Errorf("expected code=invalid_request, got %s", errResp.Error.Code)
	}
}

func TestDispatchChat_MissingModel(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-2")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !contains(body, "model") {
		t.Errorf("error should mention 'model', got: %s", body)
	}
}

func TestDispatchChat_UnknownAssistantModel(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-3")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for a non lamb_assistant.<id> model, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_AssistantNotFound(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"lamb_assistant.999","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-4")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_Success(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"hello"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if out.Object != "chat.completion" {
		t.Errorf("expected object=chat.completion, got %s", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", out.Usage.TotalTokens)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Errorf("expected X-Cache=MISS on first request")
	}
}

func TestDispatchChat_UnauthenticatedRejected(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{APIKey: "secret-key"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-5")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_AuthenticatedWithBearerToken(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{APIKey: "secret-key"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"hi"}]}`))
	ctx.Request.Header.Set("Authorization", "Bearer secret-key")
	ctx.SetUserValue("request_id", "mock-6")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_CacheHit(t *testing.T) {
	sc := newStubCache()
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, sc)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"cached"}]}`)

	resp1 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp1)

	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	resp2 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp2)

	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a cache HIT")
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on cache hit, got %d", resp2.StatusCode)
	}
}

func TestDispatchChat_CacheExcludedModel(t *testing.T) {
	sc := newStubCache()
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, sc)

	el, err := cache.NewExclusionList([]string{"lamb_assistant.1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw.SetCacheExclusions(el)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"no-cache"}]}`)

	resp1 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp1.StatusCode)
	}

	resp2 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp2)

	if resp2.Header.Get("X-Cache") == xCacheHIT {
		t.Error("excluded model should never produce a cache HIT")
	}
}

// TestDispatchChat_ConnectorError verifies spec §7's inverted error
// propagation: an upstream connector failure that exhausts the fallback
// ladder still yields a well-formed 200 completion carrying a visible
// ❌-prefixed synthetic message, not an HTTP error.
func TestDispatchChat_ConnectorError(t *testing.T) {
	failing := &fakeConnector{
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 503, msg: "service unavailable"}
		},
	}
	exec, _ := newTestExecutor(failing, providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{MaxRetries: 1})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"fail"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with a synthetic error completion, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Choices) != 1 || !contains(out.Choices[0].Message.Content, "❌") {
		t.Errorf("expected a ❌-prefixed synthetic error message, got: %s", body)
	}
}

func TestDispatchChat_StreamingResponse(t *testing.T) {
	streamConn := &fakeConnector{
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			ch := make(chan providers.StreamChunk, 3)
			ch <- providers.StreamChunk{Content: "hello "}
			ch <- providers.StreamChunk{Content: "world"}
			ch <- providers.StreamChunk{Content: "", FinishReason: "stop"}
			close(ch)
			return &providers.ProxyResponse{
				ID:     "stream-resp",
				Model:  req.Model,
				Stream: ch,
			}, nil
		},
	}
	exec, _ := newTestExecutor(streamConn, providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	ct := resp.Header.Get("Content-Type")
	if !contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream content type, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 5 && line[:5] == "data:" {
			dataLines = append(dataLines, line[6:])
		}
	}

	if len(dataLines) == 0 {
		t.Fatal("expected at least one data line in SSE stream")
	}

	last := dataLines[len(dataLines)-1]
	if last != "[DONE]" {
		t.Errorf("expected last SSE line to be [DONE], got %q", last)
	}
}

func TestHandleModels_ListsPublished(t *testing.T) {
	exec, store := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	store.assistants[1] = assistantWithCapabilities(1, providers.KindOpenAICompat, true, false)
	gw := NewGateway(context.Background(), exec, nil)

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("GET", "http://test/v1/models", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "lamb_assistant.1" {
		t.Errorf("expected one model lamb_assistant.1, got %+v", out.Data)
	}
}

// --- buildCacheKey tests ----------------------------------------------------

func TestBuildCacheKey_Deterministic(t *testing.T) {
	req := &providers.ProxyRequest{
		Model:       "lamb_assistant.1",
		Messages:    []providers.Message{{Role: "user", Content: "hello"}},
		Temperature: 0.7,
		MaxTokens:   100,
		AssistantID: 1,
	}

	key1 := buildCacheKey(req)
	key2 := buildCacheKey(req)

	if key1 != key2 {
		t.Errorf("cache key should be deterministic: %s != %s", key1, key2)
	}
	if !contains(key1, "cache:") {
		t.Errorf("cache key should have prefix 'cache:', got %s", key1)
	}
}

func TestBuildCacheKey_DifferentAssistants(t *testing.T) {
	req1 := &providers.ProxyRequest{Model: "lamb_assistant.1", AssistantID: 1, Messages: []providers.Message{{Role: "user", Content: "hi"}}}
	req2 := &providers.ProxyRequest{Model: "lamb_assistant.1", AssistantID: 2, Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	if buildCacheKey(req1) == buildCacheKey(req2) {
		t.Error("different assistant ids should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentMessages(t *testing.T) {
	req1 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hello"}}}
	req2 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "world"}}}

	if buildCacheKey(req1) == buildCacheKey(req2) {
		t.Error("different messages should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentTemperatures(t *testing.T) {
	req1 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}, Temperature: 0.0}
	req2 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}, Temperature: 1.0}

	if buildCacheKey(req1) == buildCacheKey(req2) {
		t.Error("different temperatures should produce different cache keys")
	}
}

func TestBuildCacheKey_DifferentMaxTokens(t *testing.T) {
	req1 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}, MaxTokens: 100}
	req2 := &providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}, MaxTokens: 200}

	if buildCacheKey(req1) == buildCacheKey(req2) {
		t.Error("different max_tokens should produce different cache keys")
	}
}

// --- handleExecError tests ---------------------------------------------------

func TestHandleExecError_StatusCoder(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"429 rate limit", &providerError{status: 429, msg: "rate limited"}, 429},
		{"503 service unavailable", &providerError{status: 503, msg: "unavailable"}, 502},
		{"500 internal", &providerError{status: 500, msg: "internal"}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			handleExecError(ctx, tt.err)
			if ctx.Response.StatusCode() != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, ctx.Response.StatusCode())
			}
		})
	}
}

func TestHandleExecError_NotFound(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleExecError(ctx, assistant.ErrNotFound)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleExecError_Forbidden(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleExecError(ctx, assistant.ErrForbidden)
	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("expected 403, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleExecError_Timeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleExecError(ctx, context.DeadlineExceeded)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleExecError_GenericError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleExecError(ctx, context.Canceled)
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
}

// --- logRequest nil-safe mock -----------------------------------------------

func TestLogRequest_NilLogger(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)
	gw.logRequest("req-1", "openai_compat", "lamb_assistant.1", "student@example.edu", 10, 5, time.Millisecond, 200, false)
}

// --- helpers ----------------------------------------------------------------

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func readerFromBytes(b []byte) io.Reader {
	return io.NopCloser(bReader(b))
}

type byteReader struct {
	data []byte
	pos  int
}

func bReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return
}
