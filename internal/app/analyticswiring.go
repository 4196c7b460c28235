package app

import (
	"github.com/fasthttp/router"

	"github.com/lamb-project/completion-gateway/internal/analytics"
	"github.com/lamb-project/completion-gateway/internal/analyticsapi"
	"github.com/lamb-project/completion-gateway/internal/proxy"
)

// analyticsRoutes mounts C10's read-only HTTP surface. svc is nil when
// ClickHouse isn't configured — analytics then has nothing to read
// from, and combineRoutes already skips nil registrars.
func analyticsRoutes(svc *analytics.Service) proxy.RouteRegistrar {
	if svc == nil {
		return nil
	}
	api := &analyticsapi.API{Service: svc}
	return func(r *router.Router) {
		api.Register(r)
	}
}
