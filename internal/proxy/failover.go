package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/providers"
)

// executeWithRetry runs the assistant pipeline against assistantID, making
// at most g.maxRetries attempts in total against the same connector and
// retrying only on retryable errors. Unlike the
// donor's multi-provider failover, there is nothing to fail over to: an
// assistant names exactly one connector (C3), so retries target that
// connector again once the circuit breaker confirms it is still allowing
// traffic.
func (g *Gateway) executeWithRetry(
	ctx context.Context,
	assistantID int,
	callerEmail string,
	isAdmin bool,
	req providers.ProxyRequest,
	route string,
) (*providers.ProxyResponse, string, error) {
	kind, err := g.executor.ConnectorKind(ctx, assistantID)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	attempts := 0
	for attempts < g.maxRetries {
		if g.cb != nil && !g.cb.Allow(kind) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("connector", kind),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(kind, g.cb.StateLabel(kind))
				g.metrics.SetCircuitBreaker(kind, int64(g.cb.State(kind)))
				g.metrics.ObserveUpstreamAttempt(kind, route, "circuit_reject", 0)
			}
			return nil, "", errors.New("failover: connector circuit breaker open")
		}

		start := time.Now()
		resp, err := g.executor.Execute(ctx, assistantID, callerEmail, isAdmin, req)
		dur := time.Since(start)
		attempts++

		if err == nil {
			if g.cb != nil {
				g.cb.RecordSuccess(kind)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(kind, int64(g.cb.State(kind)))
				}
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(kind, route, "success", dur)
			}
			return resp, kind, nil
		}

		if errors.Is(err, assistant.ErrNotFound) || errors.Is(err, assistant.ErrForbidden) {
			// Not a connector failure — retrying changes nothing.
			return nil, "", err
		}

		if g.cb != nil {
			g.cb.RecordFailure(kind)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(kind, int64(g.cb.State(kind)))
			}
		}
		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(kind, route, reason, dur)
			g.metrics.RecordError(kind, reason)
		}
		g.log.WarnContext(ctx, "connector_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("connector", kind),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(kind)
	}
	return nil, "", lastErr
}

// isRetryable returns true for errors that should trigger a retry.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout)
//   - 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return statusLabel(sc.HTTPStatus())
	}
	return "unknown"
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return "http_other"
	}
}
