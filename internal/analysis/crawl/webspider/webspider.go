// Package webspider is the classic link-following crawl plugin: fetch a page,
// pull out every link and form, hand the in-scope ones back to the scan.
package webspider

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/discovery"
)

const Name = "web_spider"

// Analyzer crawls one fuzzable request at a time.
type Analyzer struct {
	core.BaseAnalyzer
	options core.OptionList
	follow  *regexp.Regexp
	ignore  *regexp.Regexp
}

// New creates the plugin with its default options.
func New(logger *zap.Logger) *Analyzer {
	a := &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Crawl the web application by following links and forms.", core.KindCrawl, logger),
	}
	// Defaults always compile.
	_ = a.SetOptions(nil)
	return a
}

func defaultOptions() core.OptionList {
	return core.OptionList{
		{Name: "only_forward", Value: "false", Description: "When true, only crawl links below the path of the seed URL", Type: core.OptionBoolean},
		{Name: "follow_regex", Value: ".*", Description: "Only crawl links whose URL matches this regular expression", Type: core.OptionString},
		{Name: "ignore_regex", Value: "", Description: "Never crawl links whose URL matches this regular expression", Type: core.OptionString},
	}
}

// Options returns the current values.
func (a *Analyzer) Options() core.OptionList { return a.options }

// SetOptions validates and applies values, compiling the URL filters.
func (a *Analyzer) SetOptions(values map[string]string) error {
	opts, err := core.ParseOptions(Name, defaultOptions(), values)
	if err != nil {
		return err
	}
	follow, err := regexp.Compile(opts.String("follow_regex"))
	if err != nil {
		return &core.ConfigError{Plugin: Name, Option: "follow_regex", Reason: err.Error()}
	}
	var ignore *regexp.Regexp
	if expr := opts.String("ignore_regex"); expr != "" {
		if ignore, err = regexp.Compile(expr); err != nil {
			return &core.ConfigError{Plugin: Name, Option: "ignore_regex", Reason: err.Error()}
		}
	}
	a.options, a.follow, a.ignore = opts, follow, ignore
	return nil
}

// Crawl fetches seed and emits every in-scope request found in the response.
// The fetch goes through the opener, so the grep plugins see the page too.
func (a *Analyzer) Crawl(ctx context.Context, scan *core.ScanContext, seed schemas.FuzzableRequest) error {
	if scan.Opener == nil {
		return errors.New("web_spider requires an opener")
	}
	if seed.URL == nil {
		return nil
	}

	resp, err := a.fetch(ctx, scan.Opener, seed)
	if err != nil {
		// One unreachable page must not end the crawl.
		a.Logger.Debug("Fetch failed", zap.String("url", seed.URL.String()), zap.Error(err))
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	var emitted int
	for _, fr := range discovery.Extract(resp) {
		if !a.shouldFollow(scan, seed, fr) {
			continue
		}
		scan.Emit(fr)
		emitted++
	}
	a.Logger.Debug("Page crawled", zap.String("url", resp.URI()), zap.Int("links", emitted))
	return nil
}

func (a *Analyzer) fetch(ctx context.Context, opener core.Opener, seed schemas.FuzzableRequest) (schemas.Response, error) {
	switch seed.Method {
	case http.MethodGet, "":
		return opener.GET(ctx, seed.URL.String(), true)
	case http.MethodPost:
		body := seed.Body
		if len(body) == 0 && len(seed.Form) > 0 {
			body = []byte(seed.Form.Encode())
		}
		ct := seed.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/x-www-form-urlencoded"
		}
		return opener.POST(ctx, seed.URL.String(), ct, body)
	default:
		return opener.Send(ctx, schemas.Request{
			Method: seed.Method,
			URL:    seed.URL,
			Header: seed.Header,
			Body:   seed.Body,
		}, false)
	}
}

func (a *Analyzer) shouldFollow(scan *core.ScanContext, seed, fr schemas.FuzzableRequest) bool {
	if !scan.InScope(fr.URL) {
		return false
	}
	target := fr.URL.String()
	if !a.follow.MatchString(target) {
		return false
	}
	if a.ignore != nil && a.ignore.MatchString(target) {
		return false
	}
	if a.options.Bool("only_forward") {
		return strings.HasPrefix(fr.URL.Path, directory(seed.URL.Path)) && fr.URL.Host == seed.URL.Host
	}
	return true
}

// directory returns the path up to and including the last slash.
func directory(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i+1]
	}
	return "/"
}
