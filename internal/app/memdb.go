package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/orgconfig"
	"github.com/lamb-project/completion-gateway/internal/sharing"
)

// memDB is the open-source build's system of record. spec.md treats the
// SQL schema as out of scope ("out of scope: ... SQL schema DDL"); this
// is the seam a real deployment swaps for a Postgres/MySQL-backed store
// without touching any of C3/C5/C6's interfaces. It holds every entity
// those components need and is safe for concurrent use.
type memDB struct {
	mu sync.RWMutex

	assistants   map[int]assistant.Assistant
	creatorUsers map[int]sharing.CreatorUser
	usersByEmail map[string]int
	shares       map[int][]sharing.Share // keyed by assistantID
	orgIDByOwner map[string]int
	orgConfigs   map[int]json.RawMessage

	collectionsByID map[int]collectionRecord
	nextCollection  int

	jobs    map[int]ingest.FileRegistry
	nextJob int
}

func newMemDB() *memDB {
	return &memDB{
		assistants:      make(map[int]assistant.Assistant),
		creatorUsers:    make(map[int]sharing.CreatorUser),
		usersByEmail:    make(map[string]int),
		shares:          make(map[int][]sharing.Share),
		orgIDByOwner:    make(map[string]int),
		orgConfigs:      make(map[int]json.RawMessage),
		collectionsByID: make(map[int]collectionRecord),
		jobs:            make(map[int]ingest.FileRegistry),
	}
}

// seedAssistant registers an assistant plus its owning creator user and
// organization config in one call, for the default single-org bootstrap
// bootstrapDefaultOrg performs at startup from DEFAULT_ORG_CONFIG_PATH.
func (d *memDB) seedAssistant(a assistant.Assistant, owner sharing.CreatorUser, orgID int, cfg json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assistants[a.ID] = a
	d.creatorUsers[owner.ID] = owner
	d.usersByEmail[owner.Email] = owner.ID
	d.orgIDByOwner[owner.Email] = orgID
	d.orgConfigs[orgID] = cfg
}

// ── assistant.Store ─────────────────────────────────────────────────────────

type assistantStore struct{ db *memDB }

func (s assistantStore) GetAssistant(_ context.Context, id int) (assistant.Assistant, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.assistants[id]
	if !ok {
		return assistant.Assistant{}, assistant.ErrNotFound
	}
	return a, nil
}

func (s assistantStore) IsAuthorized(_ context.Context, assistantID int, callerEmail string, isAdmin bool) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	a, ok := s.db.assistants[assistantID]
	if !ok {
		return false, assistant.ErrNotFound
	}
	if isAdmin || a.Owner == callerEmail {
		return true, nil
	}

	callerID, ok := s.db.usersByEmail[callerEmail]
	if !ok {
		return false, nil
	}
	for _, sh := range s.db.shares[assistantID] {
		if sh.SharedWithUserID == callerID {
			return true, nil
		}
	}
	return false, nil
}

func (s assistantStore) ListPublished(_ context.Context) ([]assistant.Assistant, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make([]assistant.Assistant, 0, len(s.db.assistants))
	for _, a := range s.db.assistants {
		if !a.Deleted && a.Publication != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s assistantStore) update(a assistant.Assistant) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.assistants[a.ID] = a
}

// ── orgconfig.OrgStore ──────────────────────────────────────────────────────

type orgStore struct{ db *memDB }

func (s orgStore) OrganizationIDForOwner(_ context.Context, owner string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	id, ok := s.db.orgIDByOwner[owner]
	if !ok {
		return 0, orgconfig.ErrOrgNotFound
	}
	return id, nil
}

func (s orgStore) RawConfig(_ context.Context, orgID int) (json.RawMessage, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	raw, ok := s.db.orgConfigs[orgID]
	if !ok {
		return nil, fmt.Errorf("orgconfig: no config for org %d", orgID)
	}
	return raw, nil
}

// ── sharing.Store ───────────────────────────────────────────────────────────

type sharingStore struct{ db *memDB }

func (s sharingStore) GetAssistant(_ context.Context, assistantID int) (sharing.Assistant, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.assistants[assistantID]
	if !ok {
		return sharing.Assistant{}, sharing.ErrNotFound
	}
	groupID := ""
	if a.Publication != nil {
		groupID = a.Publication.GroupID
	}
	return sharing.Assistant{ID: a.ID, Owner: a.Owner, GroupID: groupID}, nil
}

func (s sharingStore) GetCreatorUser(_ context.Context, userID int) (sharing.CreatorUser, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.creatorUsers[userID]
	if !ok {
		return sharing.CreatorUser{}, sharing.ErrNotFound
	}
	return u, nil
}

func (s sharingStore) GetAssistantShares(_ context.Context, assistantID int) ([]sharing.Share, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := append([]sharing.Share(nil), s.db.shares[assistantID]...)
	return out, nil
}

func (s sharingStore) AddShare(_ context.Context, assistantID, userID, _ int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.shares[assistantID] = append(s.db.shares[assistantID], sharing.Share{
		AssistantID: assistantID, SharedWithUserID: userID,
	})
	return nil
}

func (s sharingStore) RemoveShare(_ context.Context, assistantID, userID int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	shares := s.db.shares[assistantID]
	out := shares[:0]
	for _, sh := range shares {
		if sh.SharedWithUserID != userID {
			out = append(out, sh)
		}
	}
	s.db.shares[assistantID] = out
	return nil
}

func (s sharingStore) OrgSharingEnabled(ctx context.Context, assistantOwner string) (bool, error) {
	s.db.mu.RLock()
	orgID, ok := s.db.orgIDByOwner[assistantOwner]
	raw, hasCfg := s.db.orgConfigs[orgID]
	s.db.mu.RUnlock()
	if !ok || !hasCfg {
		return false, nil
	}
	var cfg orgconfig.OrgConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false, fmt.Errorf("sharing: decode org config: %w", err)
	}
	return cfg.SharingEnabled(), nil
}

// ── ingest.Store / ingest.CollectionLookup ──────────────────────────────────

type ingestStore struct{ db *memDB }

func (s ingestStore) Get(_ context.Context, jobID int) (ingest.FileRegistry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	j, ok := s.db.jobs[jobID]
	if !ok {
		return ingest.FileRegistry{}, fmt.Errorf("ingest: job %d not found", jobID)
	}
	return j, nil
}

func (s ingestStore) Update(_ context.Context, job ingest.FileRegistry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.jobs[job.ID] = job
	return nil
}

func (s ingestStore) StuckProcessing(_ context.Context, cutoff time.Time) ([]int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var ids []int
	for id, j := range s.db.jobs {
		if j.Status == ingest.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type collectionLookup struct{ db *memDB }

func (c collectionLookup) Get(_ context.Context, collectionID int) (ingest.CollectionInfo, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	rec, ok := c.db.collectionsByID[collectionID]
	if !ok {
		return ingest.CollectionInfo{}, fmt.Errorf("ingest: collection %d not found", collectionID)
	}
	return ingest.CollectionInfo{
		Name:            rec.Name,
		Owner:           rec.Owner,
		EmbeddingVendor: rec.EmbeddingVendor,
		APIKey:          rec.APIKey,
	}, nil
}

// UserIDByEmail implements sharingapi.UserDirectory: the admin-facing
// share-management surface accepts emails, but sharing.Service works in
// terms of the internal creator-user ID the share table is keyed by.
func (d *memDB) UserIDByEmail(_ context.Context, email string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.usersByEmail[email]
	return id, ok
}

// noopGroupSync is the external access-group directory boundary
// (OWI-equivalent identity directory), explicitly out of scope per
// spec.md. It accepts every sync silently; a real deployment supplies
// its own sharing.GroupSync backed by that directory's API.
type noopGroupSync struct{}

func (noopGroupSync) SyncMembers(context.Context, string, []string) error { return nil }

func (noopGroupSync) RemoveAllMembers(context.Context, string) error { return nil }
