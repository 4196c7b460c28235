// Package ingest implements C6, the KB Ingestion Engine: job lifecycle,
// progress/statistics telemetry, per-plugin chunking, and vector-store
// upsert coordination.
//
// The worker pool follows the donor gateway's concurrency shape — a
// bounded set of goroutines pulling from a channel, each job independent
// and holding no request-scoped state — adapted from "one task per
// inbound HTTP request" to "one task per ingestion job".
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a FileRegistry/job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeleted    Status = "deleted"
)

// Progress is the job's current progress snapshot.
type Progress struct {
	Current    int
	Total      int
	Percentage float64
	Message    string
}

// ErrorDetails captures a failed job's diagnostic payload.
type ErrorDetails struct {
	ExceptionType string
	Traceback     string // truncated to 2000 chars
	Stage         string
	Context       map[string]any
}

// LLMCall records one vision/description LLM invocation made during
// ingestion, part of ProcessingStats.
type LLMCall struct {
	Image      string
	DurationMs int64
	TokensUsed int
	Success    bool
	Error      string
}

// StageTiming records one named processing stage's duration.
type StageTiming struct {
	Stage      string
	DurationMs int64
	Message    string
	Timestamp  time.Time
}

// ChunkStats summarizes the chunk sizes a plugin produced.
type ChunkStats struct {
	Count   int
	AvgSize float64
	MinSize int
	MaxSize int
}

// ProcessingStats is the plugin-agnostic statistics document persisted by
// stats_callback on every call, per spec §4.6.
type ProcessingStats struct {
	ContentLength             int
	ImagesExtracted           int
	ImagesWithLLMDescriptions int
	LLMCalls                  []LLMCall
	TotalLLMDurationMs        int64
	ChunkingStrategy          string
	ChunkStats                ChunkStats
	StageTimings              []StageTiming
	OutputFiles               map[string]string // markdown_url, images_folder_url, original_file_url
	MarkdownPreview           string             // truncated to 2000 chars
}

// FileRegistry is both the file record and the job tracker (spec §3).
type FileRegistry struct {
	ID                int
	CollectionID       int
	Owner             string
	OriginalFilename  string
	StoredPath        string
	PublicURL         string
	SizeBytes         int64
	ContentType       string
	PluginName        string
	PluginParams      map[string]any
	Status            Status
	DocumentCount     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ProcessingStarted  *time.Time
	ProcessingFinished *time.Time
	Progress          Progress
	ErrorMessage      string
	ErrorDetails      *ErrorDetails
	ProcessingStats   *ProcessingStats
}

// Chunk is one chunk a plugin emits for upsert into the vector store.
type Chunk struct {
	Text     string
	Metadata map[string]any // chunk_index, chunk_count, source, filename, plugin-specific
}

// Plugin is the ingestion-plugin contract (C8 registers instances of
// this). Implementations live under internal/ingest/plugins.
type Plugin interface {
	Name() string
	// Ingest processes filePath with params and returns chunks. It must
	// call progress and stats periodically, and must poll cancelled
	// between I/O boundaries rather than relying on being killed.
	Ingest(ctx context.Context, filePath string, params map[string]any, progress ProgressFunc, stats StatsFunc, cancelled func() bool) ([]Chunk, error)
}

// ProgressFunc reports (current, total, message) progress.
type ProgressFunc func(current, total int, message string)

// StatsFunc persists the current ProcessingStats snapshot.
type StatsFunc func(stats ProcessingStats)

// Registry resolves a plugin by name (C8's ingest table, narrowed to the
// interface this package needs).
type Registry interface {
	IngestPlugin(name string) (Plugin, bool)
}

// VectorStore is the opaque collection boundary spec.md names as out of
// scope beyond {create, upsert, delete, query}.
type VectorStore interface {
	Upsert(ctx context.Context, collectionID int, chunks []Chunk) error
}

// Store is the job-row persistence boundary. The worker is the only
// writer; status endpoints only read, per the single-source-of-truth
// rule in spec.md §5.
type Store interface {
	Get(ctx context.Context, jobID int) (FileRegistry, error)
	Update(ctx context.Context, job FileRegistry) error
	// StuckProcessing returns the IDs of every job still StatusProcessing
	// whose UpdatedAt is older than cutoff — a worker that died mid-job
	// otherwise leaves it stuck there forever.
	StuckProcessing(ctx context.Context, cutoff time.Time) ([]int, error)
}

// CollectionInfo is what the worker needs to know about a job's owning
// collection to decorate plugin params safely.
type CollectionInfo struct {
	Name            string
	Owner           string
	EmbeddingVendor string // "openai" or anything else
	APIKey          string // only ever read when EmbeddingVendor == "openai"
}

// CollectionLookup resolves a collection's info for param decoration.
type CollectionLookup interface {
	Get(ctx context.Context, collectionID int) (CollectionInfo, error)
}

// Engine runs the background worker contract from spec.md §4.6.
type Engine struct {
	store       Store
	registry    Registry
	vectors     VectorStore
	collections CollectionLookup
}

// New builds an Engine.
func New(store Store, registry Registry, vectors VectorStore, collections CollectionLookup) *Engine {
	return &Engine{store: store, registry: registry, vectors: vectors, collections: collections}
}

// ErrCancelled is returned (and swallowed by the caller) when a job was
// cancelled before or during processing.
var ErrCancelled = errors.New("ingest: job cancelled")

// RequeueStuck resets every job still StatusProcessing past staleAfter
// back to StatusPending so the worker pool picks it up again, and
// returns their IDs. A job's worker goroutine dying without updating the
// row (process crash, panic recovered elsewhere) is the only way a row
// gets stuck here — Process itself leaves the row in a terminal status
// before returning unless a store update fails.
func (e *Engine) RequeueStuck(ctx context.Context, staleAfter time.Duration) ([]int, error) {
	ids, err := e.store.StuckProcessing(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("ingest: list stuck jobs: %w", err)
	}
	for _, id := range ids {
		job, err := e.store.Get(ctx, id)
		if err != nil {
			continue
		}
		job.Status = StatusPending
		job.UpdatedAt = time.Now()
		_ = e.store.Update(ctx, job)
	}
	return ids, nil
}

// Process runs the full background worker contract for jobID: re-read,
// transition to processing, decorate params, run the plugin, upsert
// chunks, transition to completed/failed. It is safe to run many Process
// calls concurrently for different jobs; each touches only its own row.
func (e *Engine) Process(ctx context.Context, jobID int) error {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ingest: load job %d: %w", jobID, err)
	}
	if job.Status == StatusCancelled || job.Status == StatusDeleted {
		return nil
	}

	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.ProcessingStarted = &now
	if err := e.store.Update(ctx, job); err != nil {
		return fmt.Errorf("ingest: mark processing %d: %w", jobID, err)
	}

	params, err := e.decorateParams(ctx, job)
	if err != nil {
		return e.fail(ctx, job, err, "decorate_params")
	}

	plugin, ok := e.registry.IngestPlugin(job.PluginName)
	if !ok {
		return e.fail(ctx, job, fmt.Errorf("unknown plugin %q", job.PluginName), "resolve_plugin")
	}

	progress := func(current, total int, message string) {
		j, err := e.store.Get(ctx, jobID)
		if err != nil {
			return
		}
		pct := 0.0
		if total > 0 {
			pct = float64(current) / float64(total) * 100
		}
		j.Progress = Progress{Current: current, Total: total, Percentage: pct, Message: message}
		j.UpdatedAt = time.Now().UTC()
		_ = e.store.Update(ctx, j)
	}
	stats := func(s ProcessingStats) {
		j, err := e.store.Get(ctx, jobID)
		if err != nil {
			return
		}
		j.ProcessingStats = &s
		j.UpdatedAt = time.Now().UTC()
		_ = e.store.Update(ctx, j)
	}
	cancelled := func() bool {
		j, err := e.store.Get(ctx, jobID)
		if err != nil {
			return false
		}
		return j.Status == StatusCancelled
	}

	chunks, err := plugin.Ingest(ctx, job.StoredPath, params, progress, stats, cancelled)
	if errors.Is(err, ErrCancelled) {
		return nil // the row is already StatusCancelled
	}
	if err != nil {
		return e.fail(ctx, job, err, "plugin_ingest")
	}

	job, err = e.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ingest: reload job %d: %w", jobID, err)
	}
	if job.Status == StatusCancelled {
		return nil // discard plugin output, per the cooperative-cancellation contract
	}

	if err := e.vectors.Upsert(ctx, job.CollectionID, chunks); err != nil {
		return e.fail(ctx, job, err, "vector_upsert")
	}

	finished := time.Now().UTC()
	job.Status = StatusCompleted
	job.DocumentCount = len(chunks)
	job.ProcessingFinished = &finished
	job.Progress = Progress{Current: job.Progress.Total, Total: job.Progress.Total, Percentage: 100, Message: "Completed"}
	return e.store.Update(ctx, job)
}

// decorateParams adds collection owner/name to plugin params, and the
// collection's API key only when its embedding vendor is OpenAI — the
// privacy contract from spec §4.6/§4.1: a key never crosses a vendor
// boundary it wasn't issued for.
func (e *Engine) decorateParams(ctx context.Context, job FileRegistry) (map[string]any, error) {
	params := make(map[string]any, len(job.PluginParams)+4)
	for k, v := range job.PluginParams {
		params[k] = v
	}

	info, err := e.collections.Get(ctx, job.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("load collection %d: %w", job.CollectionID, err)
	}
	params["collection_owner"] = info.Owner
	params["collection_name"] = info.Name

	if info.EmbeddingVendor == "openai" && info.APIKey != "" {
		params["_api_key"] = info.APIKey
	}

	return params, nil
}

func (e *Engine) fail(ctx context.Context, job FileRegistry, cause error, stage string) error {
	finished := time.Now().UTC()
	job.Status = StatusFailed
	job.ProcessingFinished = &finished
	job.ErrorMessage = truncate(cause.Error(), 500)
	job.ErrorDetails = &ErrorDetails{
		ExceptionType: fmt.Sprintf("%T", cause),
		Traceback:     truncate(cause.Error(), 2000),
		Stage:         stage,
	}
	job.Progress.Message = "Failed: " + truncate(cause.Error(), 100)
	if err := e.store.Update(ctx, job); err != nil {
		return fmt.Errorf("ingest: persist failure for job %d: %w", job.ID, err)
	}
	return cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
