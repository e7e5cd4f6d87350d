// internal/network/opener_test.go
package network

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestOpener_Decompression(t *testing.T) {
	const page = "<html>compressed body</html>"
	payloads := map[string][]byte{
		"gzip":    gzipBytes(t, page),
		"br":      brotliBytes(t, page),
		"deflate": zlibBytes(t, page),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := strings.TrimPrefix(r.URL.Path, "/")
		assert.Equal(t, AcceptEncoding, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", enc)
		_, _ = w.Write(payloads[enc])
	}))
	defer server.Close()

	o := NewOpener(nil, DefaultOpenerConfig(), zaptest.NewLogger(t))
	for enc := range payloads {
		e := enc
		t.Run(e, func(t *testing.T) {
			resp, err := o.GET(context.Background(), server.URL+"/"+e, false)
			require.NoError(t, err)
			assert.Equal(t, page, string(resp.Body))
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}
}

func TestOpener_CacheAndHooks(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "scalpel-capture/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Scan"))
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	defer server.Close()

	cfg := DefaultOpenerConfig()
	cfg.Headers = map[string]string{"X-Scan": "yes"}
	o := NewOpener(nil, cfg, zaptest.NewLogger(t))

	var mu sync.Mutex
	var observed []schemas.Transaction
	o.OnResponse(func(tx schemas.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, tx)
	})

	ctx := context.Background()
	first, err := o.GET(ctx, server.URL+"/a", true)
	require.NoError(t, err)
	second, err := o.GET(ctx, server.URL+"/a#fragment", true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "cache hit returns the stored response")
	assert.Equal(t, int32(1), hits.Load())

	third, err := o.GET(ctx, server.URL+"/a", false)
	require.NoError(t, err)
	assert.Greater(t, third.ID, first.ID, "ids are assigned sequentially")
	assert.Equal(t, int32(2), hits.Load())

	post, err := o.POST(ctx, server.URL+"/a", "application/x-www-form-urlencoded", []byte("x=1"))
	require.NoError(t, err)
	assert.Equal(t, "POST /a", string(post.Body))

	trace, err := o.TRACE(ctx, server.URL+"/t", true)
	require.NoError(t, err)
	assert.Equal(t, "TRACE /t", string(trace.Body))
	_, err = o.TRACE(ctx, server.URL+"/t", true)
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 4, "cache hits do not reach hooks")
	assert.Equal(t, http.MethodPost, observed[2].Request.Method)
	assert.Equal(t, []byte("x=1"), observed[2].Request.Body)
}

func TestOpener_ConcurrentCacheableRequestsShareOneCall(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	o := NewOpener(nil, DefaultOpenerConfig(), zaptest.NewLogger(t))
	var wg sync.WaitGroup
	ids := make([]uint64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := o.GET(context.Background(), server.URL+"/shared", true)
			assert.NoError(t, err)
			ids[i] = resp.ID
		}(i)
	}
	// Let the in-flight call finish once every caller is waiting on it.
	for hits.Load() == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestOpener_SharedCallSurvivesFirstCallerCancel(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	o := NewOpener(nil, DefaultOpenerConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := o.GET(ctx, server.URL+"/shared", true)
		first <- err
	}()
	for hits.Load() == 0 {
		runtime.Gosched()
	}

	second := make(chan schemas.Response, 1)
	go func() {
		resp, err := o.GET(context.Background(), server.URL+"/shared", true)
		assert.NoError(t, err)
		second <- resp
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled, "the cancelled caller stops waiting")

	close(release)
	resp := <-second
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(1), hits.Load(), "the upstream call was not aborted and repeated")
}

func TestOpener_KeepsProxyHeadersAndCapsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Connection"), "hop-by-hop request headers are stripped")
		w.Header().Set("Via", "1.1 squid")
		fmt.Fprint(w, strings.Repeat("A", 100))
	}))
	defer server.Close()

	cfg := DefaultOpenerConfig()
	cfg.MaxBodySize = 10
	o := NewOpener(nil, cfg, zaptest.NewLogger(t))

	u, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	resp, err := o.Send(context.Background(), schemas.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Proxy-Connection": {"keep-alive"}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "1.1 squid", resp.Header.Get("Via"))
	assert.Len(t, resp.Body, 10)
}

func TestOpener_Errors(t *testing.T) {
	o := NewOpener(nil, DefaultOpenerConfig(), zaptest.NewLogger(t))

	_, err := o.Send(context.Background(), schemas.Request{}, false)
	assert.Error(t, err)

	_, err = o.GET(context.Background(), "http://[::1", false)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.GET(ctx, "http://127.0.0.1:1/", false)
	assert.Error(t, err)
}

func TestOpener_RateLimiterHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	cfg := DefaultOpenerConfig()
	cfg.RequestsPerSecond = 0.001
	o := NewOpener(nil, cfg, zaptest.NewLogger(t))

	_, err := o.GET(context.Background(), server.URL, false)
	require.NoError(t, err, "the first request uses the burst")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.GET(ctx, server.URL, false)
	assert.ErrorContains(t, err, "rate limiter")
}
