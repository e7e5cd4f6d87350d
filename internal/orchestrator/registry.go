// File: internal/orchestrator/registry.go
package orchestrator

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/spiderman"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/infrastructure/transparentproxy"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
)

// Deps are the shared services a factory may hand to the plugin it builds.
type Deps struct {
	Logger    *zap.Logger
	Dedup     dedup.Config
	SpiderMan spiderman.Config
	// Dial overrides the transparent proxy probe dialer.
	Dial transparentproxy.DialFunc
}

// Factory builds a fresh plugin instance.
type Factory func(Deps) (core.Plugin, error)

// Registry maps plugin names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds f under name, replacing any previous factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists the registered plugins alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named plugins in order and applies their options. An
// unknown name, a repeated name or a rejected option aborts the whole build.
func (r *Registry) Build(names []string, options map[string]map[string]string, deps Deps) ([]core.Plugin, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	plugins := make([]core.Plugin, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("plugin %s enabled more than once", name)
		}
		seen[name] = struct{}{}

		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		p, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin %s: %w", name, err)
		}
		if values := options[name]; len(values) > 0 {
			if err := p.SetOptions(values); err != nil {
				return nil, err
			}
		}
		plugins = append(plugins, p)
	}

	for name := range options {
		if _, ok := seen[name]; !ok {
			deps.Logger.Warn("Options given for a plugin that is not enabled", zap.String("plugin", name))
		}
	}
	return plugins, nil
}
