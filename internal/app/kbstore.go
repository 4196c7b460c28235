package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/kbapi"
)

// collectionRecord is memDB's full KB Collection entity (spec.md §3),
// a superset of the ingest.CollectionInfo the worker needs: it adds the
// identity, visibility, and embedding-dimension fields the KB HTTP
// surface (§6) exposes to callers. Embedding vendor/function/dimensions
// are immutable after Create, per the Collection invariant.
type collectionRecord struct {
	ID                  int
	Name                string
	Owner               string
	Visibility          string
	EmbeddingsSetup     string
	EmbeddingVendor     string
	APIKey              string
	EmbeddingDimensions int
	VectorStoreUUID     string
	CreatedAt           time.Time
}

// ErrCollectionNotFound is returned when a collection id has no record.
var ErrCollectionNotFound = fmt.Errorf("app: collection not found")

// ErrDuplicateCollectionName is returned on Create when the name is
// already taken — spec.md §3 requires collection names be unique.
var ErrDuplicateCollectionName = fmt.Errorf("app: collection name already exists")

// CreateCollection inserts a new collection and returns its assigned ID.
func (d *memDB) CreateCollection(_ context.Context, c kbapi.Collection) (kbapi.Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.collectionsByID {
		if rec.Name == c.Name {
			return kbapi.Collection{}, ErrDuplicateCollectionName
		}
	}

	d.nextCollection++
	id := d.nextCollection
	rec := collectionRecord{
		ID:                  id,
		Name:                c.Name,
		Owner:               c.Owner,
		Visibility:          c.Visibility,
		EmbeddingsSetup:     c.EmbeddingsSetup,
		EmbeddingVendor:     c.EmbeddingVendor,
		APIKey:              c.APIKey,
		EmbeddingDimensions: c.EmbeddingDimensions,
		VectorStoreUUID:     fmt.Sprintf("vs_%d", id),
		CreatedAt:           time.Now().UTC(),
	}
	d.collectionsByID[id] = rec
	return recordToCollection(rec), nil
}

// GetCollection implements kbapi.CollectionStore.
func (d *memDB) GetCollection(_ context.Context, id int) (kbapi.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.collectionsByID[id]
	if !ok {
		return kbapi.Collection{}, ErrCollectionNotFound
	}
	return recordToCollection(rec), nil
}

// ListCollections implements kbapi.CollectionStore.
func (d *memDB) ListCollections(_ context.Context) ([]kbapi.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]kbapi.Collection, 0, len(d.collectionsByID))
	for _, rec := range d.collectionsByID {
		out = append(out, recordToCollection(rec))
	}
	return out, nil
}

// DeleteCollection implements kbapi.CollectionStore.
func (d *memDB) DeleteCollection(_ context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collectionsByID[id]; !ok {
		return ErrCollectionNotFound
	}
	delete(d.collectionsByID, id)
	return nil
}

func recordToCollection(rec collectionRecord) kbapi.Collection {
	return kbapi.Collection{
		ID:                  rec.ID,
		Name:                rec.Name,
		Owner:               rec.Owner,
		Visibility:          rec.Visibility,
		EmbeddingsSetup:     rec.EmbeddingsSetup,
		EmbeddingVendor:     rec.EmbeddingVendor,
		EmbeddingDimensions: rec.EmbeddingDimensions,
		VectorStoreUUID:     rec.VectorStoreUUID,
	}
}

// ── Job (FileRegistry) store: kbapi.JobStore embeds ingest.Store, so
// *memDB needs Get/Update/StuckProcessing directly in addition to
// Create/List/Delete below. init.go also passes *memDB itself to
// ingest.New, so these methods back the worker pool too; they duplicate
// the methods of the ingestStore{db} wrapper in memdb.go.

// Get implements ingest.Store / kbapi.JobStore.
func (d *memDB) Get(_ context.Context, jobID int) (ingest.FileRegistry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return ingest.FileRegistry{}, fmt.Errorf("ingest: job %d not found", jobID)
	}
	return j, nil
}

// Update implements ingest.Store / kbapi.JobStore.
func (d *memDB) Update(_ context.Context, job ingest.FileRegistry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[job.ID] = job
	return nil
}

// StuckProcessing implements ingest.Store / kbapi.JobStore.
func (d *memDB) StuckProcessing(_ context.Context, cutoff time.Time) ([]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []int
	for id, j := range d.jobs {
		if j.Status == ingest.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreateJob inserts a new FileRegistry row with status=processing and
// returns its assigned ID, per the synchronous job-creation path in
// spec.md §4.6 (validate → persist → enqueue → return immediately).
func (d *memDB) CreateJob(_ context.Context, job ingest.FileRegistry) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextJob++
	job.ID = d.nextJob
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	d.jobs[job.ID] = job
	return job.ID, nil
}

// ListJobsByCollection implements kbapi.JobStore.
func (d *memDB) ListJobsByCollection(_ context.Context, collectionID int) ([]ingest.FileRegistry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ingest.FileRegistry
	for _, j := range d.jobs {
		if j.CollectionID == collectionID && j.Status != ingest.StatusDeleted {
			out = append(out, j)
		}
	}
	return out, nil
}

// DeleteJob implements kbapi.JobStore. A soft delete marks the row
// StatusDeleted (spec.md §3: "any → deleted (soft)"); a hard delete
// removes it outright, used only by the admin-facing `?hard=true` path.
func (d *memDB) DeleteJob(_ context.Context, jobID int, hard bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[jobID]
	if !ok {
		return fmt.Errorf("ingest: job %d not found", jobID)
	}
	if hard {
		delete(d.jobs, jobID)
		return nil
	}
	job.Status = ingest.StatusDeleted
	job.UpdatedAt = time.Now().UTC()
	d.jobs[jobID] = job
	return nil
}
