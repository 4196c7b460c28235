package proxy

import (
	"context"
	"time"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/providers"
)

// stubCache is a simple in-memory cache for tests.
type stubCache struct {
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

// fakeConnector is a function-backed assistant.Connector double.
type fakeConnector struct {
	requestFn func(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

func (f *fakeConnector) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return f.requestFn(ctx, req)
}

// okConnector always returns a successful response labeled with kind.
func okConnector(kind string) *fakeConnector {
	return &fakeConnector{
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + kind,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// fakeProvider is a providers.Provider double for health-checker wiring tests.
type fakeProvider struct {
	name string
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{ID: "health-probe", Model: req.Model, Content: "ok"}, nil
}
func (p *fakeProvider) HealthCheck(context.Context) error { return nil }

// providerError is a minimal providers.StatusCoder error double.
type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string  { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

// fakeStore is an in-memory assistant.Store double.
type fakeStore struct {
	assistants map[int]assistant.Assistant
	authorize  func(ctx context.Context, assistantID int, callerEmail string, isAdmin bool) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assistants: make(map[int]assistant.Assistant),
		authorize:  func(context.Context, int, string, bool) (bool, error) { return true, nil },
	}
}

func (s *fakeStore) GetAssistant(_ context.Context, id int) (assistant.Assistant, error) {
	a, ok := s.assistants[id]
	if !ok {
		return assistant.Assistant{}, assistant.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) IsAuthorized(ctx context.Context, assistantID int, callerEmail string, isAdmin bool) (bool, error) {
	return s.authorize(ctx, assistantID, callerEmail, isAdmin)
}

func (s *fakeStore) ListPublished(_ context.Context) ([]assistant.Assistant, error) {
	out := make([]assistant.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakePlugins is a no-op assistant.PluginResolver — no test in this package
// configures an assistant with a named plugin, so every lookup misses.
type fakePlugins struct{}

func (fakePlugins) PreRetrieval(string) (assistant.PreRetrievalPlugin, bool)   { return nil, false }
func (fakePlugins) Retrieval(string) (assistant.RetrievalPlugin, bool)         { return nil, false }
func (fakePlugins) PostRetrieval(string) (assistant.PostRetrievalPlugin, bool) { return nil, false }

// assistantWithCapabilities builds a published assistant entry for store
// seeding in GET /v1/models tests.
func assistantWithCapabilities(id int, kind string, vision, imageGen bool) assistant.Assistant {
	meta := `{"connector":"` + kind + `","capabilities":{"vision":` +
		boolJSON(vision) + `,"image_generation":` + boolJSON(imageGen) + `}}`
	return assistant.Assistant{
		ID:          id,
		Name:        "demo",
		Owner:       "owner@lamb.local",
		RawMetadata: meta,
		Publication: &assistant.Publication{GroupID: "grp-1"},
	}
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// newTestExecutor builds an assistant.Executor wired to a single assistant
// (id 1, owner "owner@lamb.local", connector kind openai_compat by default)
// backed by conn, plus whatever extra assistants the caller adds to the
// returned store before use.
func newTestExecutor(conn assistant.Connector, kind string) (*assistant.Executor, *fakeStore) {
	store := newFakeStore()
	store.assistants[1] = assistant.Assistant{
		ID:          1,
		Name:        "demo",
		Owner:       "owner@lamb.local",
		RawMetadata: `{"connector":"` + kind + `"}`,
	}
	connectors := map[string]assistant.Connector{kind: conn}
	exec := assistant.New(store, fakePlugins{}, func(_ context.Context, _, _, k, requestedModel string) (assistant.Connector, string, string, bool) {
		c, ok := connectors[k]
		return c, requestedModel, "", ok
	}, nil)
	return exec, store
}
