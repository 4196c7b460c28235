package app

import (
	"github.com/fasthttp/router"

	"github.com/lamb-project/completion-gateway/internal/proxy"
	"github.com/lamb-project/completion-gateway/internal/sharing"
	"github.com/lamb-project/completion-gateway/internal/sharingapi"
)

// sharingRoutes returns a proxy.RouteRegistrar mounting C5's admin
// surface (PUT /assistants/{id}/shares) alongside the KB routes.
func sharingRoutes(svc *sharing.Service, db *memDB) proxy.RouteRegistrar {
	api := &sharingapi.API{Service: svc, Users: db}
	return func(r *router.Router) {
		api.Register(r)
	}
}
