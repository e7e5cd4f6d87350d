// Package reverseproxy detects a reverse proxy in front of the target.
package reverseproxy

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/infrastructure/transparentproxy"
)

const (
	Name     = "detect_reverse_proxy"
	Category = "detect_reverse_proxy"
)

var proxyHeaders = []string{
	"Via",
	"Reverse-Via",
	"X-Forwarded-For",
	"Proxy-Connection",
	"Max-Forwards",
	"X-Forwarded-Host",
	"X-Forwarded-Server",
}

var whitespace = regexp.MustCompile(`\s+`)

// Analyzer is a run-once infrastructure plugin. It depends on the transparent
// proxy check: when one was found, the GET probe would only see the local proxy's
// headers and is skipped.
type Analyzer struct {
	core.BaseAnalyzer
	once core.RunOnce
}

// New creates the analyzer.
func New(logger *zap.Logger) *Analyzer {
	return &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Find out if the remote web server has a reverse proxy.", core.KindInfrastructure, logger),
	}
}

// Dependencies names the transparent proxy detector.
func (a *Analyzer) Dependencies() []string {
	return []string{transparentproxy.Name}
}

// Discover probes the target with GET, then TRACE, then TRACK, stopping at the
// first positive answer.
func (a *Analyzer) Discover(ctx context.Context, scan *core.ScanContext, req schemas.FuzzableRequest) error {
	if err := a.once.Begin(); err != nil {
		return err
	}
	if req.URL == nil {
		return nil
	}
	target := stripQuery(req.URL.String())

	if !scan.KB.Has(transparentproxy.Name, transparentproxy.Category) {
		resp, err := scan.Opener.GET(ctx, target, true)
		if err != nil {
			a.Logger.Debug("GET probe failed", zap.String("url", target), zap.Error(err))
		} else if hasProxyHeaders(resp.Header) {
			a.report(scan, resp)
		}
	}

	probes := []struct {
		method string
		send   func(context.Context, string, bool) (schemas.Response, error)
	}{
		{http.MethodTrace, scan.Opener.TRACE},
		{"TRACK", scan.Opener.TRACK},
	}
	for _, p := range probes {
		if scan.KB.Has(Name, Category) {
			break
		}
		resp, err := p.send(ctx, target, true)
		if err != nil {
			a.Logger.Debug("Probe failed", zap.String("method", p.method), zap.String("url", target), zap.Error(err))
			continue
		}
		if hasProxyContent(resp.Body) {
			a.report(scan, resp)
		}
	}

	if !scan.KB.Has(Name, Category) {
		a.Logger.Info("The remote web server doesn't seem to have a reverse proxy.")
	}
	return nil
}

func (a *Analyzer) report(scan *core.ScanContext, resp schemas.Response) {
	location := resp.URI()
	if location == "" {
		return
	}
	f := schemas.NewInfo(schemas.FindingInput{
		Plugin:        Name,
		Name:          "Found reverse proxy",
		Description:   "The remote web server seems to have a reverse proxy installed.",
		Location:      location,
		TransactionID: resp.ID,
	})
	scan.KB.Append(Name, Category, f)
	a.Logger.Info(f.Description, zap.String("url", f.URL))
}

func hasProxyHeaders(h http.Header) bool {
	for name := range h {
		for _, ph := range proxyHeaders {
			if strings.EqualFold(name, ph) {
				return true
			}
		}
	}
	return false
}

// hasProxyContent looks for proxy headers echoed back in a TRACE or TRACK body.
func hasProxyContent(body []byte) bool {
	normalized := whitespace.ReplaceAll(bytes.ToUpper(body), []byte(" "))
	for _, ph := range proxyHeaders {
		upper := strings.ToUpper(ph)
		if bytes.Contains(normalized, []byte(upper+":")) || bytes.Contains(normalized, []byte(upper+" :")) {
			return true
		}
	}
	return false
}

func stripQuery(u string) string {
	s, _, _ := strings.Cut(u, "?")
	return s
}
