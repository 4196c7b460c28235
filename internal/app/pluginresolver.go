package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
	"github.com/lamb-project/completion-gateway/internal/plugins"
)

// pluginResolver adapts C8's plugin Registry to assistant.PluginResolver.
// Pre/post-retrieval plugins aren't part of this build's supplemented
// feature set (spec.md names RAG retrieval, not message rewriting or
// response post-processing, as a first-class plugin point); Retrieval
// dispatches a named query plugin across every collection an assistant
// declares and concatenates the hits into one context block.
type pluginResolver struct {
	reg *plugins.Registry
}

func newPluginResolver(reg *plugins.Registry) pluginResolver {
	return pluginResolver{reg: reg}
}

func (pluginResolver) PreRetrieval(string) (assistant.PreRetrievalPlugin, bool) {
	return nil, false
}

func (r pluginResolver) Retrieval(name string) (assistant.RetrievalPlugin, bool) {
	p, ok := r.reg.QueryPlugin(name)
	if !ok {
		return nil, false
	}
	return queryPluginAdapter{plugin: p}, true
}

func (pluginResolver) PostRetrieval(string) (assistant.PostRetrievalPlugin, bool) {
	return nil, false
}

// queryPluginAdapter fans a single retrieval request out across every
// collection an assistant's RAGCollections declares, concatenating each
// collection's hits in order.
type queryPluginAdapter struct {
	plugin kbquery.Plugin
}

func (a queryPluginAdapter) Retrieve(ctx context.Context, collections []int, topK int, query string) (string, error) {
	var sb strings.Builder
	for _, collectionID := range collections {
		results, err := a.plugin.Query(ctx, collectionID, query, kbquery.Params{TopK: topK})
		if err != nil {
			return "", fmt.Errorf("retrieval: collection %d: %w", collectionID, err)
		}
		for _, r := range results {
			sb.WriteString(r.Data)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
