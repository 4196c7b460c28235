package app

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/orgconfig"
	"github.com/lamb-project/completion-gateway/internal/providers"
	"github.com/lamb-project/completion-gateway/internal/providers/googleimage"
	"github.com/lamb-project/completion-gateway/internal/providers/ollama"
	"github.com/lamb-project/completion-gateway/internal/providers/openaicompat"
)

// connectorFactory builds per-organization connector instances from the
// org config C1 resolves, and caches them by (owner, setup, kind) so a
// busy organization doesn't rebuild an openaicompat.Provider — and, for
// google_image, a genai.Client — on every request.
//
// This is the seam that resolves the mismatch between C1 (per-owner,
// per-setup provider credentials) and C3 (an executor that only knows
// an assistant's connector kind): assistant.Executor calls back into
// resolve with the owner and setup it already has in hand, and this
// type does the owner-scoped credential lookup C3 itself has no
// business doing.
type connectorFactory struct {
	resolver *orgconfig.Resolver
	store    *localImageStore

	mu    sync.Mutex
	cache map[string]assistant.Connector
}

func newConnectorFactory(resolver *orgconfig.Resolver, store *localImageStore) *connectorFactory {
	return &connectorFactory{
		resolver: resolver,
		store:    store,
		cache:    make(map[string]assistant.Connector),
	}
}

// Resolve implements assistant.ConnectorResolver. Model resolution runs on
// every call, even when the connector instance itself is cache-hit, since
// the requested model varies per request while the connector (credentials,
// base URL) does not.
func (f *connectorFactory) Resolve(ctx context.Context, owner, setup, kind, requestedModel string) (conn assistant.Connector, resolvedModel, orgDefaultModel string, ok bool) {
	if setup == "" {
		setup = "default"
	}

	cfg, err := f.resolver.Resolve(ctx, owner)
	if err != nil {
		return nil, "", "", false
	}
	pc, ok := cfg.ProviderConfigFor(setup, kind)
	if !ok {
		return nil, "", "", false
	}
	resolvedModel, _ = orgconfig.ResolveModel(pc, cfg, kind, requestedModel)

	key := owner + "\x00" + setup + "\x00" + kind

	f.mu.Lock()
	if c, cached := f.cache[key]; cached {
		f.mu.Unlock()
		return c, resolvedModel, pc.DefaultModel, true
	}
	f.mu.Unlock()

	c, err := f.build(ctx, kind, pc, cfg, setup)
	if err != nil || c == nil {
		return nil, "", "", false
	}

	f.mu.Lock()
	f.cache[key] = c
	f.mu.Unlock()
	return c, resolvedModel, pc.DefaultModel, true
}

func (f *connectorFactory) build(ctx context.Context, kind string, pc orgconfig.ProviderConfig, cfg orgconfig.OrgConfig, setup string) (assistant.Connector, error) {
	switch kind {
	case providers.KindOpenAICompat:
		return openaicompat.New(pc.Kind, pc.APIKey, pc.BaseURL), nil

	case providers.KindOllama:
		return ollama.New(pc.BaseURL), nil

	case providers.KindGoogleImage:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  pc.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("connectors: genai client: %w", err)
		}
		fallback, ok := f.smallFastModel(ctx, cfg, setup)
		if !ok {
			return nil, fmt.Errorf("connectors: no small_fast_model configured for title fallback")
		}
		return googleimage.New(client, pc.DefaultModel, f.store, fallback), nil

	default:
		return nil, fmt.Errorf("connectors: unknown kind %q", kind)
	}
}

// smallFastModel resolves the org's configured small, fast OpenAI-compatible
// connector — used by the google_image connector to answer title/tag
// generation requests instead of attempting image generation.
func (f *connectorFactory) smallFastModel(ctx context.Context, cfg orgconfig.OrgConfig, setup string) (googleimage.TitleFallback, bool) {
	pc, ok := cfg.ProviderConfigFor(setup, providers.KindOpenAICompat)
	if !ok {
		return nil, false
	}
	return openaicompat.New(pc.Kind, pc.APIKey, pc.BaseURL), true
}
