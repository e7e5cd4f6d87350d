// Package transparentproxy detects an interception device between the scanner
// and the internet.
package transparentproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
)

const (
	Name     = "detect_transparent_proxy"
	Category = "detect_transparent_proxy"
)

// Reserved documentation ranges (RFC 5737). Nothing legitimately listens on them,
// so if every connection succeeds something on the path is answering for them.
var defaultProbes = []string{"192.0.2.1", "198.51.100.1", "203.0.113.1"}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Analyzer is a run-once infrastructure plugin.
type Analyzer struct {
	core.BaseAnalyzer
	once    core.RunOnce
	dial    DialFunc
	options core.OptionList
}

// New creates the analyzer. A nil dial uses a plain net.Dialer.
func New(logger *zap.Logger, dial DialFunc) *Analyzer {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	a := &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Find out if your network has a transparent proxy.", core.KindInfrastructure, logger),
		dial:         dial,
	}
	a.options = a.defaultOptions()
	return a
}

func (a *Analyzer) defaultOptions() core.OptionList {
	return core.OptionList{
		{Name: "probes", Value: strings.Join(defaultProbes, ","), Description: "Comma separated addresses that should never answer on port 80", Type: core.OptionString},
		{Name: "timeout_ms", Value: "1500", Description: "Connect timeout per probe in milliseconds", Type: core.OptionInteger},
	}
}

// Options returns the current values.
func (a *Analyzer) Options() core.OptionList { return a.options }

// SetOptions validates and applies values.
func (a *Analyzer) SetOptions(values map[string]string) error {
	opts, err := core.ParseOptions(Name, a.defaultOptions(), values)
	if err != nil {
		return err
	}
	if len(probes(opts)) == 0 {
		return &core.ConfigError{Plugin: Name, Option: "probes", Reason: "at least one address is required"}
	}
	if opts.Int("timeout_ms") <= 0 {
		return &core.ConfigError{Plugin: Name, Option: "timeout_ms", Reason: "must be positive"}
	}
	a.options = opts
	return nil
}

// Discover runs the probes once per scan.
func (a *Analyzer) Discover(ctx context.Context, scan *core.ScanContext, req schemas.FuzzableRequest) error {
	if err := a.once.Begin(); err != nil {
		return err
	}

	timeout := time.Duration(a.options.Int("timeout_ms")) * time.Millisecond
	for _, ip := range probes(a.options) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := a.dial(dialCtx, "tcp", net.JoinHostPort(ip, "80"))
		cancel()
		if err != nil {
			a.Logger.Info("Your ISP has no transparent proxy.")
			return nil
		}
		_ = conn.Close()
	}

	location := "http://" + defaultProbes[0] + "/"
	if req.URL != nil {
		location = req.URL.String()
	}
	f := schemas.NewInfo(schemas.FindingInput{
		Plugin:      Name,
		Name:        "Transparent proxy detected",
		Description: fmt.Sprintf("Connections to reserved addresses (%s) on port 80 succeed. Your ISP seems to have a transparent proxy installed, this can influence scan results in unexpected ways.", a.options.String("probes")),
		Location:    location,
	})
	scan.KB.Append(Name, Category, f)
	a.Logger.Warn(f.Description)
	return nil
}

func probes(opts core.OptionList) []string {
	var out []string
	for _, p := range strings.Split(opts.String("probes"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
