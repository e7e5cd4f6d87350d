// Package robots reads robots.txt and the sitemaps it points to, once per site.
package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/discovery"
)

const (
	Name     = "robots_txt"
	Category = "robots.txt"

	// maxSitemapDepth bounds how far sitemap indexes are followed.
	maxSitemapDepth = 3
)

// Analyzer fetches /robots.txt for every site the scan reaches.
type Analyzer struct {
	core.BaseAnalyzer
	sites *dedup.ScalableBloomFilter
}

// New creates the plugin. filterCfg sizes the set of visited sites.
func New(logger *zap.Logger, filterCfg dedup.Config) (*Analyzer, error) {
	sites, err := dedup.New(filterCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Analyze the robots.txt file and its sitemaps to find new URLs.", core.KindCrawl, logger),
		sites:        sites,
	}, nil
}

// Crawl looks at the site of seed, unless it was already done.
func (a *Analyzer) Crawl(ctx context.Context, scan *core.ScanContext, seed schemas.FuzzableRequest) error {
	if scan.Opener == nil {
		return errors.New("robots_txt requires an opener")
	}
	if seed.URL == nil || seed.URL.Host == "" {
		return nil
	}
	base := &url.URL{Scheme: seed.URL.Scheme, Host: strings.ToLower(seed.URL.Host)}
	if a.sites.TestAndAdd(base.String()) {
		return nil
	}

	robotsURL := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}
	resp, err := scan.Opener.GET(ctx, robotsURL.String(), true)
	if err != nil {
		a.Logger.Debug("robots.txt fetch failed", zap.String("url", robotsURL.String()), zap.Error(err))
		return nil
	}
	if resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
		return nil
	}

	robots := discovery.ParseRobots(base, resp.Body)
	if len(robots.Paths) == 0 && len(robots.Sitemaps) == 0 {
		return nil
	}

	if scan.KB != nil {
		scan.KB.Append(Name, Category, schemas.NewInfo(schemas.FindingInput{
			Plugin:        Name,
			Name:          "robots.txt file",
			Description:   fmt.Sprintf("A robots.txt file was found at: %q, this file might expose private URLs and requires a manual review.", robotsURL.String()),
			Location:      robotsURL.String(),
			TransactionID: resp.ID,
		}))
	}

	for _, p := range robots.Paths {
		a.emit(scan, p)
	}
	visited := make(map[string]struct{})
	for _, sm := range robots.Sitemaps {
		a.sitemap(ctx, scan, sm, 0, visited)
	}
	return nil
}

func (a *Analyzer) sitemap(ctx context.Context, scan *core.ScanContext, raw string, depth int, visited map[string]struct{}) {
	if depth >= maxSitemapDepth || ctx.Err() != nil {
		return
	}
	if _, ok := visited[raw]; ok {
		return
	}
	visited[raw] = struct{}{}

	u, err := url.Parse(raw)
	if err != nil || !scan.InScope(u) {
		return
	}
	resp, err := scan.Opener.GET(ctx, raw, true)
	if err != nil || resp.StatusCode != http.StatusOK {
		return
	}
	sm, ok := discovery.ParseSitemap(resp.Body)
	if !ok {
		a.Logger.Debug("Not a sitemap", zap.String("url", raw))
		return
	}
	for _, loc := range sm.URLs {
		a.emit(scan, loc)
	}
	for _, nested := range sm.Nested {
		a.sitemap(ctx, scan, nested, depth+1, visited)
	}
}

func (a *Analyzer) emit(scan *core.ScanContext, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || !scan.InScope(u) {
		return
	}
	scan.Emit(schemas.NewFuzzableRequest(http.MethodGet, u))
}
