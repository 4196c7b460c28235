// Package kbapi is the KB HTTP surface from spec.md §6: collection CRUD,
// file/URL/inline-text ingestion, similarity query, file-registry
// listing/deletion, and the mode-gated ingestion/query plugin catalogs.
//
// It is deliberately thin: every operation it exposes is a direct call
// into C6 (internal/ingest), C7 (internal/kbquery), and C8
// (internal/plugins); this package owns only request/response shaping
// and the collection/file-registry persistence boundary (spec.md treats
// SQL schema as out of scope, same seam internal/app/memdb.go already
// uses for C3/C5).
package kbapi

import (
	"context"

	"github.com/lamb-project/completion-gateway/internal/ingest"
)

// Collection is spec.md §3's KB Collection entity.
type Collection struct {
	ID                  int    `json:"id"`
	Name                string `json:"name"`
	Owner               string `json:"owner"`
	Visibility          string `json:"visibility"` // "private" | "public"
	EmbeddingsSetup     string `json:"embeddings_setup,omitempty"`
	EmbeddingVendor     string `json:"-"` // never serialized: informs the privacy contract only
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	VectorStoreUUID     string `json:"vector_store_uuid"`
}

// CollectionStore persists Collection rows. The embedding function and
// EmbeddingDimensions are immutable after Create — this interface has no
// Update because the invariant means there is nothing to update.
type CollectionStore interface {
	CreateCollection(ctx context.Context, c Collection) (Collection, error)
	GetCollection(ctx context.Context, id int) (Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	DeleteCollection(ctx context.Context, id int) error
}

// JobStore is the FileRegistry persistence boundary the KB HTTP surface
// needs beyond what ingest.Store (Get/Update/StuckProcessing, the
// worker's own read/write path) already provides.
type JobStore interface {
	ingest.Store
	CreateJob(ctx context.Context, job ingest.FileRegistry) (int, error)
	ListJobsByCollection(ctx context.Context, collectionID int) ([]ingest.FileRegistry, error)
	DeleteJob(ctx context.Context, jobID int, hard bool) error
}

// FileStore persists an uploaded or fetched document under
// <static_root>/<owner>/<collection>/<uuid>.<ext> (spec.md §6 Persisted
// state layout) and returns both the on-disk path the worker reads from
// and the public URL callers may fetch it at.
type FileStore interface {
	Save(ctx context.Context, owner, collectionName, filename string, data []byte) (storedPath, publicURL string, err error)
}

// Enqueuer hands a freshly created job off to the background worker
// pool (C6). Decoupled from *ingest.WorkerPool by an interface so tests
// can substitute a synchronous stand-in.
type Enqueuer interface {
	Enqueue(jobID int)
}
