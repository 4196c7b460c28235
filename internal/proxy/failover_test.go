package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

func TestIsRetryable_Timeout(t *testing.T) {
	if !isRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
}

func TestIsRetryable_5xx(t *testing.T) {
	if !isRetryable(&providerError{status: 503, msg: "unavailable"}) {
		t.Error("5xx should be retryable")
	}
}

func TestIsRetryable_4xx(t *testing.T) {
	if isRetryable(&providerError{status: 400, msg: "bad request"}) {
		t.Error("4xx should not be retryable")
	}
}

func TestIsRetryable_UnknownError(t *testing.T) {
	if !isRetryable(errors.New("boom")) {
		t.Error("unknown errors default to retryable")
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); got != "timeout" {
		t.Errorf("got %q, want timeout", got)
	}
}

func TestClassifyError_HTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{503, "http_5xx"},
		{500, "http_5xx"},
		{404, "http_4xx"},
		{429, "http_4xx"},
		{302, "http_other"},
	}
	for _, tt := range tests {
		got := classifyError(&providerError{status: tt.status, msg: "x"})
		if got != tt.want {
			t.Errorf("classifyError(status=%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestClassifyError_Unknown(t *testing.T) {
	if got := classifyError(errors.New("boom")); got != "unknown" {
		t.Errorf("got %q, want unknown", got)
	}
}

func TestExecuteWithRetry_Success(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	resp, kind, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}}, "chat_completions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != providers.KindOpenAICompat {
		t.Errorf("kind = %q, want %q", kind, providers.KindOpenAICompat)
	}
	if resp.Content == "" {
		t.Error("expected non-empty content")
	}
}

func TestExecuteWithRetry_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	conn := &fakeConnector{
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			attempts++
			if attempts < 2 {
				return nil, &providerError{status: 503, msg: "transient"}
			}
			return &providers.ProxyResponse{ID: "ok", Model: req.Model, Content: "recovered"}, nil
		},
	}
	exec, _ := newTestExecutor(conn, providers.KindOllama)
	gw := NewGateway(context.Background(), exec, nil)

	resp, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1"}, "chat_completions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q, want recovered", resp.Content)
	}
}

func TestExecuteWithRetry_ExhaustsRetriesOn5xx(t *testing.T) {
	conn := &fakeConnector{
		requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 503, msg: "down"}
		},
	}
	exec, _ := newTestExecutor(conn, providers.KindOllama)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{MaxRetries: 3})

	_, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1"}, "chat_completions")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestExecuteWithRetry_NonRetryable4xxStopsImmediately(t *testing.T) {
	attempts := 0
	conn := &fakeConnector{
		requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			attempts++
			return nil, &providerError{status: 400, msg: "bad request"}
		},
	}
	exec, _ := newTestExecutor(conn, providers.KindOllama)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{MaxRetries: 5})

	_, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1"}, "chat_completions")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable should not retry)", attempts)
	}
}

func TestExecuteWithRetry_NotFoundSkipsRetry(t *testing.T) {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	gw := NewGateway(context.Background(), exec, nil)

	_, _, err := gw.executeWithRetry(context.Background(), 999, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.999"}, "chat_completions")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestExecuteWithRetry_CircuitBreakerOpenSkipsConnector(t *testing.T) {
	conn := &fakeConnector{
		requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 503, msg: "down"}
		},
	}
	exec, _ := newTestExecutor(conn, providers.KindOllama)
	gw := NewGateway(context.Background(), exec, nil)

	for i := 0; i < providers.CBErrorThreshold; i++ {
		gw.cb.RecordFailure(providers.KindOllama)
	}

	_, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1"}, "chat_completions")
	if err == nil {
		t.Fatal("expected circuit breaker rejection error")
	}
}

func TestExecuteWithRetry_MaxRetriesRespected(t *testing.T) {
	attempts := 0
	conn := &fakeConnector{
		requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			attempts++
			return nil, &providerError{status: 503, msg: "down"}
		},
	}
	exec, _ := newTestExecutor(conn, providers.KindOllama)
	gw := NewGatewayWithOptions(context.Background(), exec, nil, GatewayOptions{MaxRetries: 2})

	_, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false,
		providers.ProxyRequest{Model: "lamb_assistant.1"}, "chat_completions")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
