package app

import (
	"context"
	"fmt"

	"github.com/fasthttp/router"

	"github.com/lamb-project/completion-gateway/internal/kbapi"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
	"github.com/lamb-project/completion-gateway/internal/plugins"
	"github.com/lamb-project/completion-gateway/internal/proxy"
)

// kbAPI bundles the kbapi.API handlers with the proxy.RouteRegistrar
// adaptor that mounts them onto the gateway's fasthttp router alongside
// the chat-completions surface.
type kbAPI struct {
	api *kbapi.API
}

func newKBAPI(db *memDB, pool kbapi.Enqueuer, reg *plugins.Registry, files *localKBFileStore) *kbAPI {
	dispatch := func(ctx context.Context, pluginName string, collectionID int, queryText string, params kbquery.Params) ([]kbquery.Result, error) {
		p, ok := reg.QueryPlugin(pluginName)
		if !ok {
			return nil, fmt.Errorf("kbapi: unknown query plugin %q", pluginName)
		}
		return p.Query(ctx, collectionID, queryText, params)
	}

	return &kbAPI{api: &kbapi.API{
		Collections: db,
		Jobs:        db,
		Files:       files,
		Pool:        pool,
		Plugins:     reg,
		Query:       dispatch,
	}}
}

// routes returns a proxy.RouteRegistrar mounting every KB route.
func (k *kbAPI) routes() proxy.RouteRegistrar {
	if k == nil {
		return nil
	}
	return func(r *router.Router) {
		k.api.Register(r)
	}
}

