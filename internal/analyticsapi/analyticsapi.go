// Package analyticsapi is the read-only HTTP surface over C10: merged,
// anonymized chat counts and a bucketed timeline for a given assistant.
// Like internal/sharingapi, spec.md's EXTERNAL INTERFACES section
// doesn't enumerate this route (it sits behind the same out-of-scope
// SQL admin API as the rest of assistant administration) — this is the
// caller-reachable entry point that gives analytics.Service a reason
// to run at all.
package analyticsapi

import (
	"encoding/json"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/lamb-project/completion-gateway/internal/analytics"
	"github.com/lamb-project/completion-gateway/pkg/apierr"
)

// API implements GET /assistants/{id}/analytics over analytics.Service.
type API struct {
	Service *analytics.Service
}

// Register mounts the analytics route onto r.
func (a *API) Register(r *router.Router) {
	r.GET("/assistants/{id}/analytics", a.handleTimeline)
}

func (a *API) handleTimeline(ctx *fasthttp.RequestCtx) {
	assistantID, ok := pathInt(ctx, "id")
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid assistant id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	period := analytics.Period(ctx.QueryArgs().Peek("period"))
	switch period {
	case analytics.PeriodDay, analytics.PeriodWeek, analytics.PeriodMonth:
	case "":
		period = analytics.PeriodDay
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest, "period must be one of day, week, month", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	buckets, err := a.Service.Timeline(ctx, int64(assistantID), period)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"assistant_id": assistantID,
		"period":       period,
		"timeline":     buckets,
	})
}

func pathInt(ctx *fasthttp.RequestCtx, name string) (int, bool) {
	raw, _ := ctx.UserValue(name).(string)
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
