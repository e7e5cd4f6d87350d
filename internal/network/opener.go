// File: internal/network/opener.go
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// MethodTrack is the IIS/ISA flavour of TRACE.
const MethodTrack = "TRACK"

// DefaultSharedRequestTimeout bounds a cacheable request shared by several
// callers when the client itself has no timeout.
const DefaultSharedRequestTimeout = 30 * time.Second

// DefaultMaxBodySize caps how much of a response body is kept (and relayed).
const DefaultMaxBodySize = 10 << 20

// OpenerConfig tunes the upstream opener.
type OpenerConfig struct {
	UserAgent   string
	MaxBodySize int64
	// RequestsPerSecond throttles upstream traffic; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	// CacheSize bounds the number of cached responses; zero disables caching.
	CacheSize int
	// Headers are added to every request that does not already carry them.
	Headers map[string]string
}

// DefaultOpenerConfig returns the configuration used when none is given.
func DefaultOpenerConfig() OpenerConfig {
	return OpenerConfig{
		UserAgent:   "scalpel-capture/1.0",
		MaxBodySize: DefaultMaxBodySize,
		Burst:       1,
		CacheSize:   1024,
	}
}

// ResponseHook observes every transaction that reached the network.
type ResponseHook func(schemas.Transaction)

// Opener issues upstream requests and turns them into immutable transactions.
// Bodies are decoded, IDs are assigned sequentially, and responses to cacheable
// requests are served from memory on repeat. It is safe for concurrent use.
type Opener struct {
	client  *http.Client
	cfg     OpenerConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	nextID atomic.Uint64
	flight singleflight.Group

	cacheMu    sync.Mutex
	cache      map[string]schemas.Response
	cacheOrder []string

	hooksMu sync.RWMutex
	hooks   []ResponseHook
}

// NewOpener creates an opener. A nil client uses NewClient with defaults.
func NewOpener(client *http.Client, cfg OpenerConfig, logger *zap.Logger) *Opener {
	if client == nil {
		client = NewClient(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOpenerConfig()
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	o := &Opener{
		client: client,
		cfg:    cfg,
		logger: logger.Named("opener"),
		cache:  make(map[string]schemas.Response),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return o
}

// OnResponse registers a hook called for every response fetched from the
// network. Cache hits do not trigger hooks.
func (o *Opener) OnResponse(hook ResponseHook) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()
	o.hooks = append(o.hooks, hook)
}

// GET fetches rawURL.
func (o *Opener) GET(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return o.simple(ctx, http.MethodGet, rawURL, cacheable)
}

// HEAD fetches the headers of rawURL.
func (o *Opener) HEAD(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return o.simple(ctx, http.MethodHead, rawURL, cacheable)
}

// TRACE sends a TRACE request to rawURL.
func (o *Opener) TRACE(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return o.simple(ctx, http.MethodTrace, rawURL, cacheable)
}

// TRACK sends a TRACK request to rawURL.
func (o *Opener) TRACK(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return o.simple(ctx, MethodTrack, rawURL, cacheable)
}

// POST sends body to rawURL. POST responses are never cached.
func (o *Opener) POST(ctx context.Context, rawURL, contentType string, body []byte) (schemas.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return o.Send(ctx, schemas.Request{Method: http.MethodPost, URL: u, Header: h, Body: body}, false)
}

func (o *Opener) simple(ctx context.Context, method, rawURL string, cacheable bool) (schemas.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	return o.Send(ctx, schemas.Request{Method: method, URL: u, Header: http.Header{}}, cacheable)
}

// Send issues req. When cacheable is set and the method is safe, a previous
// response for the same method and URL is returned instead, and concurrent
// identical requests share one upstream call.
func (o *Opener) Send(ctx context.Context, req schemas.Request, cacheable bool) (schemas.Response, error) {
	if req.URL == nil {
		return schemas.Response{}, errors.New("request has no url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if !cacheable || !isCacheableMethod(req.Method) || o.cfg.CacheSize <= 0 {
		return o.do(ctx, req)
	}

	key := req.Method + " " + schemas.NormalizeURL(req.URL)
	if resp, ok := o.cached(key); ok {
		return resp, nil
	}
	ch := o.flight.DoChan(key, func() (interface{}, error) {
		if resp, ok := o.cached(key); ok {
			return resp, nil
		}
		// The call serves every waiter, so it outlives the caller that started it.
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.sharedTimeout())
		defer cancel()
		resp, err := o.do(sharedCtx, req)
		if err != nil {
			return schemas.Response{}, err
		}
		o.store(key, resp)
		return resp, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return schemas.Response{}, res.Err
		}
		return res.Val.(schemas.Response), nil
	case <-ctx.Done():
		return schemas.Response{}, ctx.Err()
	}
}

func (o *Opener) sharedTimeout() time.Duration {
	if o.client.Timeout > 0 {
		return o.client.Timeout
	}
	return DefaultSharedRequestTimeout
}

func (o *Opener) do(ctx context.Context, req schemas.Request) (schemas.Response, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return schemas.Response{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	stripHopByHop(httpReq.Header)
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", o.cfg.UserAgent)
	}
	for k, v := range o.cfg.Headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}
	// Only advertise what we can decode.
	httpReq.Header.Set("Accept-Encoding", AcceptEncoding)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	// The body is swapped for a decoder below; close whatever it ends up being.
	defer func() { _ = resp.Body.Close() }()

	if err := DecompressResponse(resp); err != nil {
		return schemas.Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, o.cfg.MaxBodySize))
	if err != nil {
		return schemas.Response{}, fmt.Errorf("%s %s: reading body: %w", req.Method, req.URL.Redacted(), err)
	}

	// Headers are kept as sent; analyzers look at proxy headers too.
	out := schemas.Response{
		ID:         o.nextID.Add(1),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        req.URL,
	}

	o.logger.Debug("Upstream response",
		zap.Uint64("id", out.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", out.StatusCode),
		zap.Int("bytes", len(data)),
	)

	tx := schemas.NewTransaction(req, out)
	o.hooksMu.RLock()
	hooks := o.hooks
	o.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(tx)
	}
	return tx.Response, nil
}

func (o *Opener) cached(key string) (schemas.Response, bool) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	resp, ok := o.cache[key]
	return resp, ok
}

// store keeps resp, evicting the oldest entry once CacheSize is reached.
func (o *Opener) store(key string, resp schemas.Response) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	if _, ok := o.cache[key]; ok {
		return
	}
	if len(o.cacheOrder) >= o.cfg.CacheSize {
		oldest := o.cacheOrder[0]
		o.cacheOrder = o.cacheOrder[1:]
		delete(o.cache, oldest)
	}
	o.cache[key] = resp
	o.cacheOrder = append(o.cacheOrder, key)
}

func isCacheableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodTrace, MethodTrack:
		return true
	}
	return false
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes headers that only apply to a single connection.
func stripHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
