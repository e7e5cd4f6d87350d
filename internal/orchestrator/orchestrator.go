// File: internal/orchestrator/orchestrator.go
// Description: Drives one scan: the discovery loop over infrastructure and crawl
// plugins, the grep engine fed by every upstream response, and the end-of-scan flush.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/discovery"
	"github.com/xkilldash9x/scalpel-capture/internal/engine"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
	"github.com/xkilldash9x/scalpel-capture/internal/network"
)

// Opener is the upstream client plus the hook the grep engine listens on.
type Opener interface {
	core.Opener
	OnResponse(hook network.ResponseHook)
}

// Summary describes a finished scan.
type Summary struct {
	ScanID       string
	Requests     int
	Transactions int64
	Vulns        int
	Infos        int
	PluginErrors int
	Duration     time.Duration
	// Interrupted is set when the scan stopped on cancellation rather than
	// running out of requests.
	Interrupted bool
}

// Orchestrator manages the lifecycle of a single scan.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger
	plan   *Plan
	opener Opener
	kb     *kb.KnowledgeBase
	once   core.RunOnce
	// scope is set by Run before the first request is queued.
	scope core.Scope

	seen *dedup.ScalableBloomFilter

	queueMu    sync.Mutex
	queue      []schemas.FuzzableRequest
	discovered []schemas.FuzzableRequest
	limitHit   sync.Once

	stateMu  sync.Mutex
	runState map[string]bool // plugin name -> finished for this scan

	pluginErrors atomic.Int64
}

// New creates an Orchestrator. The knowledge base receives every finding of the scan.
func New(cfg config.Interface, logger *zap.Logger, plan *Plan, opener Opener, store *kb.KnowledgeBase) (*Orchestrator, error) {
	if cfg == nil || logger == nil || plan == nil || opener == nil || store == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	seen, err := dedup.New(cfg.Dedup())
	if err != nil {
		return nil, fmt.Errorf("failed to create request filter: %w", err)
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		plan:     plan,
		opener:   opener,
		kb:       store,
		seen:     seen,
		runState: make(map[string]bool),
	}, nil
}

// Run scans seeds until no new requests turn up or ctx is cancelled. The grep
// engine is drained and every plugin's End is called either way.
func (o *Orchestrator) Run(ctx context.Context, seeds []string) (Summary, error) {
	if err := o.once.Begin(); err != nil {
		return Summary{}, errors.New("orchestrator already ran")
	}
	if len(seeds) == 0 {
		return Summary{}, errors.New("at least one target is required")
	}

	start := time.Now()
	scanID := o.cfg.Scan().ScanID
	initial := make([]schemas.FuzzableRequest, 0, len(seeds))
	for _, raw := range seeds {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Summary{}, fmt.Errorf("invalid target %q", raw)
		}
		initial = append(initial, schemas.NewFuzzableRequest("GET", u))
	}
	scope, err := discovery.NewMultiScopeManager(seeds, o.cfg.Discovery().IncludeSubdomains)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to determine scan scope: %w", err)
	}
	o.queueMu.Lock()
	o.scope = scope
	o.queueMu.Unlock()

	logger := o.logger.With(zap.String("scan_id", scanID))
	scan := &core.ScanContext{
		ScanID:   scanID,
		KB:       o.kb,
		Opener:   o.opener,
		Scope:    scope,
		Logger:   logger,
		EmitFunc: o.enqueue,
	}

	grep, err := engine.New(o.cfg.Engine(), logger, o.plan.Grep, scan)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create grep engine: %w", err)
	}
	grep.Start(ctx)
	// The opener is shared with the capture proxy, so the hook also sees
	// traffic for other sites.
	scan.SubmitFunc = func(tx schemas.Transaction) {
		if !scan.InScope(tx.Response.URL) {
			logger.Debug("Out of scope transaction not analyzed", zap.String("uri", tx.Response.URI()))
			return
		}
		if err := grep.Submit(ctx, tx); err != nil {
			logger.Debug("Transaction not analyzed", zap.String("uri", tx.Response.URI()), zap.Error(err))
		}
	}
	o.opener.OnResponse(scan.SubmitTransaction)

	logger.Info("Scan starting",
		zap.Strings("targets", seeds),
		zap.String("scope", scope.RootDomain()),
		zap.Int("plugins", len(o.plan.All)),
	)

	for _, fr := range initial {
		o.enqueue(fr)
	}
	o.discover(ctx, scan)

	grep.Stop()

	// End still runs after a cancellation so findings gathered so far are flushed.
	endCtx := context.WithoutCancel(ctx)
	for _, p := range o.plan.All {
		if err := p.End(endCtx, scan); err != nil {
			o.pluginErrors.Add(1)
			logger.Error("Plugin end failed", zap.String("plugin", p.Name()), zap.Error(err))
		}
	}

	summary := Summary{
		ScanID:       scanID,
		Requests:     len(o.Discovered()),
		Transactions: grep.Stats().Processed,
		Vulns:        len(o.kb.AllVulns()),
		Infos:        len(o.kb.AllInfos()),
		PluginErrors: int(o.pluginErrors.Load()),
		Duration:     time.Since(start),
		Interrupted:  ctx.Err() != nil,
	}
	logger.Info("Scan finished",
		zap.Int("requests", summary.Requests),
		zap.Int64("transactions", summary.Transactions),
		zap.Int("vulns", summary.Vulns),
		zap.Int("infos", summary.Infos),
		zap.Duration("duration", summary.Duration),
		zap.Bool("interrupted", summary.Interrupted),
	)
	return summary, nil
}

// Discovered returns every distinct fuzzable request the scan has seen, in
// discovery order.
func (o *Orchestrator) Discovered() []schemas.FuzzableRequest {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	return append([]schemas.FuzzableRequest(nil), o.discovered...)
}

// enqueue admits fr when it is in scope, its key is new and the request
// budget allows it.
// Plugins call it from their own goroutines through ScanContext.Emit.
func (o *Orchestrator) enqueue(fr schemas.FuzzableRequest) {
	if fr.URL == nil {
		return
	}
	o.queueMu.Lock()
	defer o.queueMu.Unlock()

	if o.scope != nil && !o.scope.IsInScope(fr.URL) {
		o.logger.Debug("Out of scope request ignored", zap.String("url", fr.URL.String()))
		return
	}
	if limit := o.cfg.Discovery().MaxRequests; limit > 0 && len(o.discovered) >= limit {
		o.limitHit.Do(func() {
			o.logger.Warn("Request limit reached, further discoveries are ignored", zap.Int("max_requests", limit))
		})
		return
	}
	if o.seen.TestAndAdd(fr.Key()) {
		return
	}
	o.discovered = append(o.discovered, fr)
	o.queue = append(o.queue, fr)
}

func (o *Orchestrator) next() (schemas.FuzzableRequest, bool) {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	if len(o.queue) == 0 {
		return schemas.FuzzableRequest{}, false
	}
	fr := o.queue[0]
	o.queue = o.queue[1:]
	return fr, true
}

// discover drains the request queue. Infrastructure plugins run first, in
// dependency order; crawl plugins then run side by side on the same request.
func (o *Orchestrator) discover(ctx context.Context, scan *core.ScanContext) {
	for ctx.Err() == nil {
		fr, ok := o.next()
		if !ok {
			return
		}

		for _, p := range o.plan.Infrastructure {
			if ctx.Err() != nil {
				return
			}
			o.invoke(p, func() error { return p.Discover(ctx, scan, fr) })
		}

		var g errgroup.Group
		for _, p := range o.plan.Crawl {
			p := p
			g.Go(func() error {
				o.invoke(p, func() error { return p.Crawl(ctx, scan, fr) })
				return nil
			})
		}
		_ = g.Wait()
	}
}

// invoke runs one plugin call unless the plugin already finished. ErrRunOnce
// retires the plugin; any other error is logged and the scan goes on.
func (o *Orchestrator) invoke(p core.Plugin, call func() error) {
	if o.finished(p.Name()) {
		return
	}
	err := call()
	switch {
	case err == nil:
	case errors.Is(err, core.ErrRunOnce):
		o.stateMu.Lock()
		o.runState[p.Name()] = true
		o.stateMu.Unlock()
	case errors.Is(err, context.Canceled):
		o.logger.Debug("Plugin interrupted", zap.String("plugin", p.Name()))
	default:
		o.pluginErrors.Add(1)
		o.logger.Error("Plugin failed", zap.String("plugin", p.Name()), zap.Error(err))
	}
}

func (o *Orchestrator) finished(name string) bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.runState[name]
}
