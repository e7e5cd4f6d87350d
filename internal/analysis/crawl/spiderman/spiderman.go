// Package spiderman is a crawl plugin that discovers the target by watching a
// user browse it through a local capture proxy.
package spiderman

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/discovery"
	"github.com/xkilldash9x/scalpel-capture/internal/network"
)

const (
	Name           = "spider_man"
	CookieCategory = "cookies"

	DefaultListenAddress  = "127.0.0.1"
	DefaultListenPort     = 44444
	DefaultCaptureTimeout = 5 * time.Second
	DefaultQueueSize      = 1024
)

// Config carries the settings that are not user-facing plugin options.
type Config struct {
	Capture network.CaptureConfig
	// CaptureTimeout bounds how long a proxy connection waits to hand over a
	// captured request before it is dropped from analysis.
	CaptureTimeout time.Duration
	QueueSize      int
}

// Analyzer runs the capture proxy once per scan.
type Analyzer struct {
	core.BaseAnalyzer
	once    core.RunOnce
	cfg     Config
	options core.OptionList
	ready   chan string
}

// New creates the plugin.
func New(logger *zap.Logger, cfg Config) *Analyzer {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	a := &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "SpiderMan is a local proxy that will collect new URLs while the user navigates the target site.", core.KindCrawl, logger),
		cfg:          cfg,
		ready:        make(chan string, 1),
	}
	a.options = defaultOptions()
	return a
}

func defaultOptions() core.OptionList {
	return core.OptionList{
		{Name: "listenAddress", Value: DefaultListenAddress, Description: "IP address that the spider_man proxy will use to receive requests", Type: core.OptionString},
		{Name: "listenPort", Value: strconv.Itoa(DefaultListenPort), Description: "Port that the HTTP proxy server will use to receive requests", Type: core.OptionInteger},
	}
}

// Options returns the current values.
func (a *Analyzer) Options() core.OptionList { return a.options }

// SetOptions validates and applies values. Port 0 picks a free port.
func (a *Analyzer) SetOptions(values map[string]string) error {
	opts, err := core.ParseOptions(Name, defaultOptions(), values)
	if err != nil {
		return err
	}
	if net.ParseIP(opts.String("listenAddress")) == nil {
		return &core.ConfigError{Plugin: Name, Option: "listenAddress", Reason: "not an IP address"}
	}
	if port := opts.Int("listenPort"); port < 0 || port > 65535 {
		return &core.ConfigError{Plugin: Name, Option: "listenPort", Reason: "must be between 0 and 65535"}
	}
	a.options = opts
	return nil
}

// Ready yields the proxy's listening address once it accepts connections.
func (a *Analyzer) Ready() <-chan string { return a.ready }

// Crawl starts the proxy and blocks until the user browses to the terminate URL
// or ctx is cancelled. Every captured request is emitted to the scan.
func (a *Analyzer) Crawl(ctx context.Context, scan *core.ScanContext, _ schemas.FuzzableRequest) error {
	if err := a.once.Begin(); err != nil {
		return err
	}
	if scan.Opener == nil {
		return errors.New("spider_man requires an opener")
	}

	s := newSession(a, scan)
	capture := a.cfg.Capture
	if scan.Scope != nil {
		capture.Scope = scan.Scope
	}
	proxy, err := network.NewCaptureProxy(capture, scan.Opener, s, a.Logger)
	if err != nil {
		return fmt.Errorf("spider_man: %w", err)
	}

	addr := net.JoinHostPort(a.options.String("listenAddress"), strconv.Itoa(a.options.Int("listenPort")))
	proxyStopped := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(proxyStopped)
		return proxy.Start(gctx, addr)
	})
	g.Go(func() error {
		select {
		case <-proxy.Ready():
			a.announce(proxy.Addr(), capture.TerminateURL)
		case <-proxyStopped:
		}
		return nil
	})
	g.Go(func() error {
		s.consume(proxyStopped)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if !proxy.Terminated() && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (a *Analyzer) announce(addr, terminateURL string) {
	if terminateURL == "" {
		terminateURL = network.DefaultTerminateURL
	}
	a.Logger.Info(fmt.Sprintf("spider_man proxy is running on %s.", addr))
	a.Logger.Info("Please configure your browser to use these proxy settings and navigate the target site.")
	a.Logger.Info(fmt.Sprintf("To exit spider_man plugin please navigate to %s .", terminateURL))
	select {
	case a.ready <- addr:
	default:
	}
}

// session adapts one proxy run to the scan. It implements network.CaptureHandler.
type session struct {
	a        *Analyzer
	scan     *core.ScanContext
	captured chan schemas.FuzzableRequest
	header   sync.Once

	cookieMu sync.Mutex
	cookies  map[string]struct{}
}

func newSession(a *Analyzer, scan *core.ScanContext) *session {
	return &session{
		a:        a,
		scan:     scan,
		captured: make(chan schemas.FuzzableRequest, a.cfg.QueueSize),
		cookies:  make(map[string]struct{}),
	}
}

// Captured queues fr for emission, dropping it if the queue stays full.
func (s *session) Captured(ctx context.Context, fr schemas.FuzzableRequest) {
	timer := time.NewTimer(s.a.cfg.CaptureTimeout)
	defer timer.Stop()
	select {
	case s.captured <- fr:
	case <-timer.C:
		s.a.Logger.Warn("Capture queue is full, request dropped from analysis", zap.String("request", fr.String()))
	case <-ctx.Done():
	}
}

// Grep mines in-scope responses for further requests. The transaction itself
// reaches the grep plugins through the opener that fetched it.
func (s *session) Grep(ctx context.Context, tx schemas.Transaction) {
	for _, fr := range discovery.Extract(tx.Response) {
		if s.scan.InScope(fr.URL) {
			s.Captured(ctx, fr)
		}
	}
}

// Cookie records each distinct cookie the target hands out as an informational finding.
func (s *session) Cookie(_ context.Context, tx schemas.Transaction, header, value string) {
	key := header + "\x00" + value
	s.cookieMu.Lock()
	_, dup := s.cookies[key]
	s.cookies[key] = struct{}{}
	s.cookieMu.Unlock()
	if dup || s.scan.KB == nil {
		return
	}

	f := schemas.NewInfo(schemas.FindingInput{
		Plugin:        Name,
		Name:          "Cookie",
		Description:   fmt.Sprintf("The remote web application sent the following cookie: %q. It will be used during the rest of the process in order to maintain the session.", value),
		Location:      tx.Response.URI(),
		Method:        tx.Request.Method,
		TransactionID: tx.Response.ID,
		Highlight:     []string{value},
	})
	s.scan.KB.Append(Name, CookieCategory, f)
}

// consume emits captured requests until the proxy has stopped and the queue is empty.
func (s *session) consume(stopped <-chan struct{}) {
	for {
		select {
		case fr := <-s.captured:
			s.emit(fr)
		case <-stopped:
			for {
				select {
				case fr := <-s.captured:
					s.emit(fr)
				default:
					return
				}
			}
		}
	}
}

func (s *session) emit(fr schemas.FuzzableRequest) {
	s.header.Do(func() {
		s.a.Logger.Info("Requests captured:")
	})
	s.a.Logger.Info("- " + fr.String())
	s.scan.Emit(fr)
}
