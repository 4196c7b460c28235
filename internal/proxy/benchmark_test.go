package proxy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

// newBenchGateway builds a Gateway wired to a single zero-latency connector
// and no cache, for measuring the proxy's own overhead.
func newBenchGateway() *Gateway {
	exec, _ := newTestExecutor(okConnector(providers.KindOpenAICompat), providers.KindOpenAICompat)
	return NewGateway(context.Background(), exec, nil)
}

// BenchmarkProxy measures the overhead added by the retry/circuit-breaker
// dispatch loop when the connector responds instantly.
//
// Run: go test -bench=BenchmarkProxy -benchtime=30s -benchmem ./internal/proxy/
func BenchmarkProxy(b *testing.B) {
	gw := newBenchGateway()

	b.Run("executeWithRetry/sequential", func(b *testing.B) {
		benchExecuteWithRetry(b, gw, 1)
	})

	b.Run("executeWithRetry/parallel_100", func(b *testing.B) {
		benchExecuteWithRetry(b, gw, 100)
	})
}

func benchExecuteWithRetry(b *testing.B, gw *Gateway, concurrency int) {
	b.Helper()

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ResetTimer()
	b.SetParallelism(concurrency)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			start := time.Now()
			req := providers.ProxyRequest{
				Model:     "lamb_assistant.1",
				Messages:  []providers.Message{{Role: "user", Content: "hello"}},
				RequestID: "bench",
			}
			resp, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false, req, "chat_completions")
			elapsed := time.Since(start)

			if err != nil {
				b.Errorf("unexpected error: %v", err)
				return
			}
			if resp == nil {
				b.Error("nil response")
				return
			}

			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
		}
	})
	b.StopTimer()

	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[int(math.Min(float64(len(latencies)-1), float64(len(latencies)*99/100)))]

	b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
	b.ReportMetric(float64(p99.Microseconds()), "p99_µs")

	if p50 > 2*time.Millisecond {
		b.Errorf("P50 latency %v exceeds 2ms SLA", p50)
	}
	if p99 > 10*time.Millisecond {
		b.Errorf("P99 latency %v exceeds 10ms target", p99)
	}
}

// TestProxyOverheadSLA is a fast (~1s) version of the benchmark suitable for CI.
// It runs 1000 requests sequentially and asserts the P50 < 2ms gate.
func TestProxyOverheadSLA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency SLA test in short mode")
	}

	gw := newBenchGateway()

	const n = 1000
	latencies := make([]time.Duration, 0, n)

	for i := 0; i < n; i++ {
		req := providers.ProxyRequest{
			Model:     "lamb_assistant.1",
			Messages:  []providers.Message{{Role: "user", Content: "hi"}},
			RequestID: fmt.Sprintf("sla-%d", i),
		}
		start := time.Now()
		_, _, err := gw.executeWithRetry(context.Background(), 1, "owner@lamb.local", false, req, "chat_completions")
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		latencies = append(latencies, elapsed)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[n*50/100]
	p99 := latencies[n*99/100]

	t.Logf("P50=%v P99=%v (n=%d)", p50, p99, n)

	if p50 > 2*time.Millisecond {
		t.Errorf("P50=%v exceeds 2ms overhead SLA", p50)
	}
	if p99 > 15*time.Millisecond {
		t.Errorf("P99=%v exceeds 15ms overhead SLA", p99)
	}
}

// TestCircuitBreakerIntegration tests that 5 failures open the breaker.
func TestCircuitBreakerIntegration(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < 5; i++ {
		if !cb.Allow(providers.KindOpenAICompat) {
			t.Fatalf("expected Allow=true before threshold, iteration %d", i)
		}
		cb.RecordFailure(providers.KindOpenAICompat)
	}

	if cb.Allow(providers.KindOpenAICompat) {
		t.Error("expected Allow=false after 5 failures (circuit should be open)")
	}
	if cb.StateLabel(providers.KindOpenAICompat) != "open" {
		t.Errorf("expected state=open, got=%s", cb.StateLabel(providers.KindOpenAICompat))
	}
}
