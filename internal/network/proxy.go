// internal/network/proxy.go
package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/discovery"
)

const (
	// DefaultTerminateURL is the sentinel a user browses to when capture is done.
	DefaultTerminateURL = "http://127.7.7.7/spider_man?terminate"
	// TerminationBody is served in answer to the sentinel.
	TerminationBody = "<html>spider_man plugin finished its execution.</html>"

	DefaultUpstreamTimeout = 30 * time.Second
	DefaultDrainTimeout    = 15 * time.Second
	DefaultMaxRequestBody  = 10 << 20
)

// Upstream relays a captured request to the origin server. *Opener satisfies it.
type Upstream interface {
	Send(ctx context.Context, req schemas.Request, cacheable bool) (schemas.Response, error)
}

// Scope decides which hosts belong to the target.
type Scope interface {
	IsInScope(u *url.URL) bool
}

// CaptureHandler receives what the proxy observes. Calls happen on the
// connection goroutine, so implementations must not block for long.
type CaptureHandler interface {
	// Captured is called for every browsed request, before it is relayed.
	Captured(ctx context.Context, fr schemas.FuzzableRequest)
	// Grep is called for in-scope textual responses.
	Grep(ctx context.Context, tx schemas.Transaction)
	// Cookie is called once per value of each response header whose name contains "cookie".
	Cookie(ctx context.Context, tx schemas.Transaction, header, value string)
}

// CaptureConfig tunes a CaptureProxy.
type CaptureConfig struct {
	TerminateURL    string
	UpstreamTimeout time.Duration
	DrainTimeout    time.Duration
	MaxRequestBody  int64
	// Scope limits which responses are handed to CaptureHandler.Grep; nil means everything.
	Scope Scope
	// CACert and CAKey enable HTTPS interception. Without them CONNECT is tunneled.
	CACert []byte
	CAKey  []byte
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.TerminateURL == "" {
		c.TerminateURL = DefaultTerminateURL
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxRequestBody <= 0 {
		c.MaxRequestBody = DefaultMaxRequestBody
	}
	return c
}

// CaptureProxy is a forward HTTP proxy that records the traffic a user generates
// while browsing the target. Every request is relayed through an Upstream so
// responses are decoded and numbered like any other scanner traffic. Browsing
// to the terminate URL stops the proxy.
type CaptureProxy struct {
	cfg         CaptureConfig
	proxy       *goproxy.ProxyHttpServer
	upstream    Upstream
	handler     CaptureHandler
	mitm        *goproxy.ConnectAction
	terminateAt string
	logger      *zap.Logger

	server      *http.Server
	serverMutex sync.Mutex
	addr        net.Addr
	ready       chan struct{}

	terminated atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	navOnce    sync.Once
}

// NewCaptureProxy wires a proxy. It does not listen until Start is called.
func NewCaptureProxy(cfg CaptureConfig, upstream Upstream, handler CaptureHandler, logger *zap.Logger) (*CaptureProxy, error) {
	if upstream == nil {
		return nil, errors.New("capture proxy requires an upstream")
	}
	if handler == nil {
		return nil, errors.New("capture proxy requires a handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	log := logger.Named("capture_proxy")

	terminateURL, err := url.Parse(cfg.TerminateURL)
	if err != nil {
		return nil, fmt.Errorf("invalid terminate url %q: %w", cfg.TerminateURL, err)
	}

	p := &CaptureProxy{
		cfg:         cfg,
		proxy:       goproxy.NewProxyHttpServer(),
		upstream:    upstream,
		handler:     handler,
		terminateAt: schemas.NormalizeURL(terminateURL),
		logger:      log,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.proxy.Logger = zap.NewStdLog(log.Named("goproxy"))

	if cfg.CACert != nil && cfg.CAKey != nil {
		if p.mitm, err = mitmAction(cfg.CACert, cfg.CAKey); err != nil {
			return nil, fmt.Errorf("failed to configure MITM: %w", err)
		}
		log.Info("MITM capabilities initialized.")
	} else {
		log.Debug("CA certificate or key missing, MITM disabled. Operating in tunneling mode.")
	}

	p.setupHandlers()
	return p, nil
}

// mitmAction builds a CONNECT action signing leaf certificates with the given CA.
// The action is scoped to one proxy instead of the package level defaults.
func mitmAction(caCert, caKey []byte) (*goproxy.ConnectAction, error) {
	ca, err := tls.X509KeyPair(caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("invalid CA certificate/key pair: %w", err)
	}
	if len(ca.Certificate) == 0 {
		return nil, errors.New("CA certificate chain is empty")
	}
	if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate leaf: %w", err)
	}
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(&ca)}, nil
}

func (p *CaptureProxy) setupHandlers() {
	p.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if p.mitm != nil {
			return p.mitm, host
		}
		return goproxy.OkConnect, host
	}))
	// Every request is answered here; goproxy's own round tripper is never used.
	p.proxy.OnRequest().DoFunc(p.handleRequest)
}

func (p *CaptureProxy) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if r.URL != nil && schemas.NormalizeURL(r.URL) == p.terminateAt {
		return r, p.terminate(r)
	}
	if p.terminated.Load() {
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusServiceUnavailable, "spider_man is shutting down.")
	}

	p.navOnce.Do(func() {
		p.logger.Info("The user is navigating through the proxy.")
	})

	body, err := readBody(r, p.cfg.MaxRequestBody)
	if err != nil {
		p.logger.Warn("Failed to read request body", zap.String("url", r.URL.String()), zap.Error(err))
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadRequest, fmt.Sprintf("Proxy error: %v", err))
	}

	fr := discovery.FromHTTPRequest(r, body)
	p.handler.Captured(r.Context(), fr)

	req := schemas.Request{Method: r.Method, URL: fr.URL, Header: r.Header.Clone(), Body: body}
	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := p.upstream.Send(ctx, req, false)
	if err != nil {
		p.logger.Warn("Upstream request failed", zap.String("url", fr.URL.Redacted()), zap.Error(err))
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, fmt.Sprintf("Proxy error: upstream connection failed: %v", err))
	}

	tx := schemas.NewTransaction(req, resp)
	if resp.IsTextOrHTML() && p.inScope(fr.URL) {
		p.handler.Grep(r.Context(), tx)
	}
	for name, values := range resp.Header {
		if !strings.Contains(strings.ToLower(name), "cookie") {
			continue
		}
		for _, v := range values {
			p.logger.Info("The remote web application sent a cookie, it will be used to maintain the session.",
				zap.String("url", fr.URL.Redacted()),
				zap.String("header", name),
				zap.String("cookie", v),
			)
			p.handler.Cookie(r.Context(), tx, name, v)
		}
	}

	return r, relay(r, resp)
}

func (p *CaptureProxy) inScope(u *url.URL) bool {
	return p.cfg.Scope == nil || p.cfg.Scope.IsInScope(u)
}

// terminate answers the sentinel. Only the first call closes Done; the serving
// goroutine then shuts the listener down and drains in-flight connections.
func (p *CaptureProxy) terminate(r *http.Request) *http.Response {
	if p.terminated.CompareAndSwap(false, true) {
		p.logger.Info("Terminate URL received, stopping capture.")
		p.doneOnce.Do(func() { close(p.done) })
	}
	resp := goproxy.NewResponse(r, goproxy.ContentTypeHtml, http.StatusOK, TerminationBody)
	resp.ContentLength = int64(len(TerminationBody))
	resp.Header.Set("Content-Length", strconv.Itoa(len(TerminationBody)))
	return resp
}

// relay converts the upstream response back into a wire response. The body is
// already decoded, so encoding and length headers are rewritten to match.
func relay(r *http.Request, resp schemas.Response) *http.Response {
	h := resp.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	stripHopByHop(h)
	h.Del("Content-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return data, nil
}

// Start listens on addr and serves until the terminate URL is browsed, ctx is
// cancelled, or Stop is called. A graceful stop returns nil.
func (p *CaptureProxy) Start(ctx context.Context, addr string) error {
	p.serverMutex.Lock()
	if p.server != nil {
		p.serverMutex.Unlock()
		return errors.New("proxy server already started")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.serverMutex.Unlock()
		return fmt.Errorf("proxy listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:      p.proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: p.cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(p.logger.Named("http_server")),
	}
	p.server = server
	p.addr = ln.Addr()
	p.serverMutex.Unlock()
	close(p.ready)

	stopped := make(chan struct{})
	shutdownErr := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutdown signal received, stopping capture proxy...")
		case <-p.done:
		case <-stopped:
			shutdownErr <- nil
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	p.logger.Info("Starting capture proxy", zap.String("address", p.addr.String()))
	err = server.Serve(ln)
	close(stopped)

	// ErrServerClosed is a graceful shutdown; wait for the drain to finish.
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	} else {
		<-shutdownErr
	}

	if err != nil {
		p.logger.Error("Proxy server stopped with an error", zap.Error(err))
		return fmt.Errorf("proxy server failed: %w", err)
	}
	p.logger.Info("Capture proxy stopped gracefully.")
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx expires.
func (p *CaptureProxy) Stop(ctx context.Context) error {
	p.serverMutex.Lock()
	server := p.server
	p.serverMutex.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Ready is closed once the proxy is listening.
func (p *CaptureProxy) Ready() <-chan struct{} { return p.ready }

// Done is closed when the terminate URL has been browsed.
func (p *CaptureProxy) Done() <-chan struct{} { return p.done }

// Terminated reports whether the terminate URL has been browsed.
func (p *CaptureProxy) Terminated() bool { return p.terminated.Load() }

// Addr returns the listening address, or "" before Ready.
func (p *CaptureProxy) Addr() string {
	p.serverMutex.Lock()
	defer p.serverMutex.Unlock()
	if p.addr == nil {
		return ""
	}
	return p.addr.String()
}
