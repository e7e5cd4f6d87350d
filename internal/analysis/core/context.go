// internal/analysis/core/context.go
package core

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

// Opener issues upstream HTTP requests on behalf of plugins and the capture proxy.
// Responses come back with decoded bodies and a scan-unique ID.
type Opener interface {
	GET(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error)
	POST(ctx context.Context, rawURL, contentType string, body []byte) (schemas.Response, error)
	HEAD(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error)
	TRACE(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error)
	TRACK(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error)
	Send(ctx context.Context, req schemas.Request, cacheable bool) (schemas.Response, error)
}

// Scope decides which hosts belong to the target.
type Scope interface {
	IsInScope(u *url.URL) bool
	RootDomain() string
}

// ScanContext carries the per-scan services handed to every plugin invocation.
// It replaces any process-wide state: everything a plugin may share lives here.
type ScanContext struct {
	ScanID string
	KB     *kb.KnowledgeBase
	Opener Opener
	Scope  Scope
	Logger *zap.Logger

	// EmitFunc receives fuzzable requests discovered by crawl and infrastructure plugins.
	EmitFunc func(schemas.FuzzableRequest)
	// SubmitFunc receives transactions that should go through the grep plugins.
	SubmitFunc func(schemas.Transaction)
}

// Emit hands a newly discovered request back to the orchestrator.
func (s *ScanContext) Emit(fr schemas.FuzzableRequest) {
	if s.EmitFunc != nil {
		s.EmitFunc(fr)
	}
}

// SubmitTransaction queues tx for grep analysis.
func (s *ScanContext) SubmitTransaction(tx schemas.Transaction) {
	if s.SubmitFunc != nil {
		s.SubmitFunc(tx)
	}
}

// InScope reports whether u is part of the target. Without a scope every URL is.
func (s *ScanContext) InScope(u *url.URL) bool {
	if s.Scope == nil {
		return true
	}
	return s.Scope.IsInScope(u)
}
