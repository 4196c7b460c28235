// Package kbquery implements C7, KB Query Plugins: plugin-dispatched
// similarity queries with top-k/threshold, dispatched through the same
// registry/mode-gating machinery as ingestion plugins (C8).
package kbquery

import "context"

// Result is one similarity hit returned by a query plugin.
type Result struct {
	Similarity float64
	Data       string
	Metadata   map[string]any
}

// Params are the parameters accepted by every query plugin; standard
// params are always accepted, plugin-specific ones may be stripped by
// mode gating (C8) before reaching here.
type Params struct {
	TopK      int
	Threshold float64
	Extra     map[string]any
}

// Plugin is the query-plugin contract.
type Plugin interface {
	Name() string
	Query(ctx context.Context, collectionID int, queryText string, params Params) ([]Result, error)
}

// VectorStore is the opaque vector-store boundary (create/upsert/delete
// are owned by internal/ingest; query plugins only ever read).
type VectorStore interface {
	Query(ctx context.Context, collectionID int, queryText string, topK int, threshold float64) ([]Result, error)
}

// DefaultPlugin queries the vector store directly with no extra
// processing — the baseline every KB collection gets without opting
// into a more specialized query plugin.
type DefaultPlugin struct {
	Store VectorStore
}

func (DefaultPlugin) Name() string { return "default" }

func (p DefaultPlugin) Query(ctx context.Context, collectionID int, queryText string, params Params) ([]Result, error) {
	topK := params.TopK
	if topK <= 0 {
		topK = 5
	}
	return p.Store.Query(ctx, collectionID, queryText, topK, params.Threshold)
}
