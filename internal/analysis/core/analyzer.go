// File: internal/analysis/core/analyzer.go
package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// Kind is the closed set of plugin capabilities the orchestrator dispatches on.
type Kind string

const (
	// KindCrawl plugins discover new fuzzable requests from a seed.
	KindCrawl Kind = "crawl"
	// KindGrep plugins passively inspect every transaction.
	KindGrep Kind = "grep"
	// KindInfrastructure plugins fingerprint the target's surroundings.
	KindInfrastructure Kind = "infrastructure"
)

// Plugin is the contract shared by every analyzer, whatever its capability.
type Plugin interface {
	Name() string
	Kind() Kind
	Description() string
	// Options returns the current option values in display order.
	Options() OptionList
	// SetOptions validates and applies values; unknown names are rejected.
	SetOptions(values map[string]string) error
	// Dependencies names plugins that must run before this one in a scan.
	Dependencies() []string
	// End flushes accumulated state once the scan is over.
	End(ctx context.Context, scan *ScanContext) error
}

// GrepPlugin is invoked once per captured or crawled transaction.
type GrepPlugin interface {
	Plugin
	Grep(ctx context.Context, scan *ScanContext, tx schemas.Transaction) error
}

// CrawlPlugin produces new fuzzable requests from a seed, through ScanContext.Emit.
type CrawlPlugin interface {
	Plugin
	Crawl(ctx context.Context, scan *ScanContext, seed schemas.FuzzableRequest) error
}

// InfrastructurePlugin inspects the target's environment and may emit requests.
type InfrastructurePlugin interface {
	Plugin
	Discover(ctx context.Context, scan *ScanContext, req schemas.FuzzableRequest) error
}

// BaseAnalyzer provides the boilerplate parts of Plugin. It is intended to be
// embedded; the embedding type supplies the capability method.
type BaseAnalyzer struct {
	name        string
	description string
	kind        Kind
	Logger      *zap.Logger // Exposed for use in specific analyzer implementations.
}

// NewBaseAnalyzer creates a BaseAnalyzer with a logger named after the plugin.
func NewBaseAnalyzer(name, description string, kind Kind, logger *zap.Logger) *BaseAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseAnalyzer{
		name:        name,
		description: description,
		kind:        kind,
		Logger:      logger.Named(name),
	}
}

// Name returns the analyzer's name.
func (b *BaseAnalyzer) Name() string {
	return b.name
}

// Description returns the analyzer's description.
func (b *BaseAnalyzer) Description() string {
	return b.description
}

// Kind returns the analyzer's capability.
func (b *BaseAnalyzer) Kind() Kind {
	return b.kind
}

// Options returns no options.
func (b *BaseAnalyzer) Options() OptionList {
	return OptionList{}
}

// SetOptions accepts an empty map and rejects anything else.
func (b *BaseAnalyzer) SetOptions(values map[string]string) error {
	for name := range values {
		return &ConfigError{Plugin: b.name, Option: name, Reason: "unknown option"}
	}
	return nil
}

// Dependencies returns none.
func (b *BaseAnalyzer) Dependencies() []string {
	return nil
}

// End does nothing.
func (b *BaseAnalyzer) End(context.Context, *ScanContext) error {
	return nil
}
