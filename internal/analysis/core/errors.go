package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunOnce is returned by a run-once plugin that has already executed in this
// scan. It means "skip this plugin from now on", never "abort the scan".
var ErrRunOnce = errors.New("plugin already executed")

// ConfigError reports a missing or malformed option value. It aborts setup for
// the plugin that owns the option.
type ConfigError struct {
	Plugin string
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("plugin %s: invalid configuration: %s", e.Plugin, e.Reason)
	}
	return fmt.Sprintf("plugin %s: option %q: %s", e.Plugin, e.Option, e.Reason)
}

// DependencyError reports an enabled plugin whose dependency is absent, or a
// dependency cycle. It is raised before any traffic is processed.
type DependencyError struct {
	Plugin     string
	Dependency string
	// Cycle lists the plugins forming a cycle, first element repeated at the end.
	Cycle []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("plugin %s: dependency cycle: %s", e.Plugin, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("plugin %s: depends on %q, which is not enabled", e.Plugin, e.Dependency)
}
