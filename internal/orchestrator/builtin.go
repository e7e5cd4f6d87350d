package orchestrator

import (
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/robots"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/spiderman"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/webspider"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/grep/headers"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/grep/ssn"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/grep/wsdl"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/infrastructure/reverseproxy"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/infrastructure/transparentproxy"
)

// Builtin returns a registry holding every plugin shipped with the scanner.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(spiderman.Name, func(d Deps) (core.Plugin, error) {
		return spiderman.New(d.Logger, d.SpiderMan), nil
	})
	r.Register(webspider.Name, func(d Deps) (core.Plugin, error) {
		return webspider.New(d.Logger), nil
	})
	r.Register(robots.Name, func(d Deps) (core.Plugin, error) {
		return robots.New(d.Logger, d.Dedup)
	})
	r.Register(wsdl.Name, func(d Deps) (core.Plugin, error) {
		return wsdl.New(d.Logger, d.Dedup)
	})
	r.Register(ssn.Name, func(d Deps) (core.Plugin, error) {
		return ssn.New(d.Logger, d.Dedup)
	})
	r.Register(headers.Name, func(d Deps) (core.Plugin, error) {
		return headers.New(d.Logger, d.Dedup)
	})
	r.Register(transparentproxy.Name, func(d Deps) (core.Plugin, error) {
		return transparentproxy.New(d.Logger, d.Dial), nil
	})
	r.Register(reverseproxy.Name, func(d Deps) (core.Plugin, error) {
		return reverseproxy.New(d.Logger), nil
	})
	return r
}
