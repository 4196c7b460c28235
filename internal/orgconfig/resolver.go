// Package orgconfig implements C1, the Config Resolver: given an
// assistant owner it resolves that owner's organization record and
// returns the organization-scoped provider configuration — per-provider
// credentials and base URLs, the default model, the small-fast-model
// used for cheap auxiliary calls (title generation, summarization), and
// feature flags such as sharing_enabled.
//
// Modeled on the donor gateway's internal/config — env/validate style —
// generalized from "one process-wide provider set" to "one provider set
// per organization, looked up by assistant owner and cached."
package orgconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ProviderConfig is one provider's configuration within an organization
// setup ("setups.<key>.providers.<provider>" in spec.md's data model).
type ProviderConfig struct {
	Enabled      bool     `json:"enabled"`
	Kind         string   `json:"kind"` // providers.KindOpenAICompat | KindOllama | KindGoogleImage
	APIKey       string   `json:"api_key,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
	Models       []string `json:"models,omitempty"`
}

// Setup is one named provider bundle within an organization (e.g.
// "default"). Organizations may define more than one setup; assistants
// reference a setup by name through their metadata, defaulting to
// "default" when unset.
type Setup struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

// Features toggles organization-level capabilities.
type Features struct {
	SharingEnabled bool `json:"sharing_enabled"`
}

// OrgConfig is the resolved, organization-scoped configuration document
// (spec.md §3 Organization.config).
type OrgConfig struct {
	OrganizationID   int               `json:"-"`
	Setups           map[string]Setup  `json:"setups"`
	SmallFastModel   string            `json:"small_fast_model"`
	AssistantDefault map[string]any    `json:"assistant_defaults"`
	Features         Features          `json:"features"`
	// GlobalDefaultModel is the organization-wide fallback model, keyed by
	// provider kind (providers.KindOpenAICompat etc.) — step 3 of the
	// model-resolution ladder, below the setup's own default_model and
	// above "first element of models[]".
	GlobalDefaultModel map[string]string `json:"global_default_model,omitempty"`
}

// ErrOrgNotFound is returned when the owner does not map to any
// organization record.
var ErrOrgNotFound = fmt.Errorf("orgconfig: organization not found for owner")

// OrgStore is the persistence boundary this resolver depends on. The
// concrete implementation (SQL-backed in production) lives outside this
// package's scope per spec.md's "SQL schema DDL ... out of scope"; tests
// supply an in-memory fake.
type OrgStore interface {
	// OrganizationIDForOwner maps a creator-user email to its organization.
	OrganizationIDForOwner(ctx context.Context, owner string) (int, error)
	// RawConfig returns the organization's config document as stored
	// (JSON), keyed by organization ID.
	RawConfig(ctx context.Context, orgID int) (json.RawMessage, error)
}

const resolverCacheTTL = 30 * time.Second

type cacheEntry struct {
	cfg       OrgConfig
	expiresAt time.Time
}

// Resolver resolves and caches organization configuration by assistant
// owner. Safe for concurrent use.
type Resolver struct {
	store OrgStore
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds a Resolver backed by store, caching resolutions for ttl (use
// 0 for the default of 30s — short enough that an admin's config edit is
// visible within one ingestion/chat cycle, long enough to spare the store
// from a lookup per request).
func New(store OrgStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = resolverCacheTTL
	}
	return &Resolver{store: store, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve returns the organization config for the given assistant owner,
// using the cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, owner string) (OrgConfig, error) {
	if cfg, ok := r.fromCache(owner); ok {
		return cfg, nil
	}

	orgID, err := r.store.OrganizationIDForOwner(ctx, owner)
	if err != nil {
		return OrgConfig{}, fmt.Errorf("orgconfig: resolve owner %q: %w", owner, err)
	}

	raw, err := r.store.RawConfig(ctx, orgID)
	if err != nil {
		return OrgConfig{}, fmt.Errorf("orgconfig: load config for org %d: %w", orgID, err)
	}

	var cfg OrgConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return OrgConfig{}, fmt.Errorf("orgconfig: decode config for org %d: %w", orgID, err)
	}
	cfg.OrganizationID = orgID

	r.mu.Lock()
	r.cache[owner] = cacheEntry{cfg: cfg, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return cfg, nil
}

func (r *Resolver) fromCache(owner string) (OrgConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[owner]
	if !ok || time.Now().After(entry.expiresAt) {
		return OrgConfig{}, false
	}
	return entry.cfg, true
}

// Invalidate drops any cached resolution for owner, forcing the next
// Resolve to hit the store. Called after an admin edits org config.
func (r *Resolver) Invalidate(owner string) {
	r.mu.Lock()
	delete(r.cache, owner)
	r.mu.Unlock()
}

// ProviderConfigFor returns the named provider's config within setup
// "setupName" (defaulting to "default" when empty), and whether it is
// enabled and present.
func (c OrgConfig) ProviderConfigFor(setupName, provider string) (ProviderConfig, bool) {
	if setupName == "" {
		setupName = "default"
	}
	setup, ok := c.Setups[setupName]
	if !ok {
		return ProviderConfig{}, false
	}
	pc, ok := setup.Providers[provider]
	if !ok || !pc.Enabled {
		return ProviderConfig{}, false
	}
	return pc, true
}

// SharingEnabled reports whether this organization allows assistant
// sharing at all; combined with a creator user's own can_share flag by
// the caller (internal/sharing) per spec.md's invariant.
func (c OrgConfig) SharingEnabled() bool {
	return c.Features.SharingEnabled
}

// GlobalDefaultFor returns the organization-wide default model for a
// provider kind, if configured.
func (c OrgConfig) GlobalDefaultFor(kind string) (string, bool) {
	m, ok := c.GlobalDefaultModel[kind]
	return m, ok && m != ""
}

// modelAllowed reports whether m is in models, treating an empty models
// list as "anything allowed" — an organization that never enumerated a
// models[] whitelist for a provider does not restrict which model an
// assistant may request.
func modelAllowed(models []string, m string) bool {
	if len(models) == 0 {
		return true
	}
	for _, allowed := range models {
		if allowed == m {
			return true
		}
	}
	return false
}

// ResolveModel implements the model-resolution policy ladder (mirrors the
// donor Python connector's resolved_model/fallback_used logic):
//  1. requested, if it is in pc.Models (or pc.Models is unrestricted)
//  2. pc.DefaultModel, if set and allowed
//  3. cfg's global_default_model for kind, if set and allowed
//  4. first element of pc.Models
//
// fallbackOccurred reports whether the returned model differs from what
// was requested, for observability (logged by the caller).
func ResolveModel(pc ProviderConfig, cfg OrgConfig, kind, requested string) (model string, fallbackOccurred bool) {
	if requested != "" && modelAllowed(pc.Models, requested) {
		return requested, false
	}
	if pc.DefaultModel != "" && modelAllowed(pc.Models, pc.DefaultModel) {
		return pc.DefaultModel, true
	}
	if g, ok := cfg.GlobalDefaultFor(kind); ok && modelAllowed(pc.Models, g) {
		return g, true
	}
	if len(pc.Models) > 0 {
		return pc.Models[0], true
	}
	return requested, false
}
