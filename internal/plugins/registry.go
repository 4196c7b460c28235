// Package plugins implements C8, the Plugin Registry: ingest and query
// plugin tables, with per-plugin mode gating read from
// PLUGIN_<NAME>=DISABLE|SIMPLIFIED|ADVANCED environment variables.
package plugins

import (
	"os"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
)

// Mode gates what a plugin's parameter surface looks like to callers.
type Mode string

const (
	ModeDisable    Mode = "DISABLE"
	ModeSimplified Mode = "SIMPLIFIED"
	ModeAdvanced   Mode = "ADVANCED" // default
)

// essentialsIngest and essentialsQuery are the parameter names kept when
// a plugin runs in SIMPLIFIED mode — everything else with a non-null
// default is stripped from both the parameter catalog exposed to
// clients and the parameters accepted in requests.
var essentialsIngest = map[string]struct{}{"url": {}, "urls": {}, "video_url": {}, "language": {}}
var essentialsQuery = map[string]struct{}{"top_k": {}, "threshold": {}}

// ModeFor reads PLUGIN_<NAME> from the environment (name upper-cased),
// defaulting to ADVANCED when unset or unrecognized.
func ModeFor(name string) Mode {
	v := strings.ToUpper(os.Getenv("PLUGIN_" + strings.ToUpper(name)))
	switch Mode(v) {
	case ModeDisable, ModeSimplified, ModeAdvanced:
		return Mode(v)
	default:
		return ModeAdvanced
	}
}

// SanitizeIngestParams strips non-essential parameters from params when
// the plugin's mode is SIMPLIFIED. Must be applied both to the catalog
// exposed to clients and to parameters accepted in ingestion requests.
func SanitizeIngestParams(mode Mode, params map[string]any) map[string]any {
	return sanitize(mode, params, essentialsIngest)
}

// SanitizeQueryParams strips non-essential parameters for query plugins.
func SanitizeQueryParams(mode Mode, params map[string]any) map[string]any {
	return sanitize(mode, params, essentialsQuery)
}

func sanitize(mode Mode, params map[string]any, essentials map[string]struct{}) map[string]any {
	if mode != ModeSimplified {
		return params
	}
	out := make(map[string]any, len(essentials))
	for k, v := range params {
		if _, ok := essentials[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Registry holds the process-wide ingest and query plugin tables,
// populated at startup and filtered by mode at registration time: a
// plugin whose mode is DISABLE is simply never added.
type Registry struct {
	ingestPlugins map[string]ingest.Plugin
	queryPlugins  map[string]kbquery.Plugin
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		ingestPlugins: make(map[string]ingest.Plugin),
		queryPlugins:  make(map[string]kbquery.Plugin),
	}
}

// RegisterIngest adds p to the ingest table unless its mode is DISABLE.
func (r *Registry) RegisterIngest(p ingest.Plugin) {
	if ModeFor(p.Name()) == ModeDisable {
		return
	}
	r.ingestPlugins[p.Name()] = p
}

// RegisterQuery adds p to the query table unless its mode is DISABLE.
func (r *Registry) RegisterQuery(p kbquery.Plugin) {
	if ModeFor(p.Name()) == ModeDisable {
		return
	}
	r.queryPlugins[p.Name()] = p
}

// IngestPlugin implements ingest.Registry.
func (r *Registry) IngestPlugin(name string) (ingest.Plugin, bool) {
	p, ok := r.ingestPlugins[name]
	return p, ok
}

// QueryPlugin looks up a registered query plugin by name.
func (r *Registry) QueryPlugin(name string) (kbquery.Plugin, bool) {
	p, ok := r.queryPlugins[name]
	return p, ok
}

// IngestCatalog returns the registered ingest plugin names and their
// current mode, for the creator-facing plugin listing endpoint.
func (r *Registry) IngestCatalog() map[string]Mode {
	out := make(map[string]Mode, len(r.ingestPlugins))
	for name := range r.ingestPlugins {
		out[name] = ModeFor(name)
	}
	return out
}

// QueryCatalog returns the registered query plugin names and their
// current mode.
func (r *Registry) QueryCatalog() map[string]Mode {
	out := make(map[string]Mode, len(r.queryPlugins))
	for name := range r.queryPlugins {
		out[name] = ModeFor(name)
	}
	return out
}
