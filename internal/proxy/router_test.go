package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveRouter starts the full router (with all routes) on an in-memory
// listener and returns an HTTP client + cleanup.
func serveRouter(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions", "/chat/completions":
				gw.handleChatCompletions(ctx)
			case "/v1/models":
				gw.handleModels(ctx)
			case "/status":
				gw.handleStatus(ctx)
			case "/health":
				gw.handleHealth(ctx)
			case "/readiness":
				gw.handleReadiness(ctx)
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

// --- handleStatus -------------------------------------------------------------

func TestHandleStatus(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleStatus(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var resp map[string]bool
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse status response: %v", err)
	}
	if !resp["status"] {
		t.Error("expected status=true")
	}
}

// --- handleHealth ---------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealth_WithConnectors(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{
		Connectors: map[string]providers.Provider{providers.KindOpenAICompat: &fakeProvider{name: providers.KindOpenAICompat}},
	})
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_Healthy(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{
		Connectors: map[string]providers.Provider{providers.KindOpenAICompat: &fakeProvider{name: providers.KindOpenAICompat}},
	})
	defer gw.health.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %s", resp["status"])
	}
}

// --- handleModels -----------------------------------------------------------

func TestHandleModels_Unauthenticated(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{APIKey: "secret"})
	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("GET", "http://test/v1/models", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

// --- handleChatCompletions (via in-memory server) ----------------------------

func TestHandleChatCompletions_DelegatesToDispatch(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		bReader([]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"mock"}]}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleChatCompletions_LegacyPath(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	client, cleanup := serveRouter(t, gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/chat/completions",
		bReader([]byte(`{"model":"lamb_assistant.1","messages":[{"role":"user","content":"mock"}]}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
