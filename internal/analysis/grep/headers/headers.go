// internal/analysis/grep/headers/headers.go
package headers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

const (
	Name = "security_headers"

	CategoryMissing    = "missing"
	CategoryWeak       = "weak"
	CategoryDisclosure = "disclosure"

	// Six months, in seconds.
	DefaultMinHSTSMaxAge = 15552000
)

var regexMaxAge = regexp.MustCompile(`(?i)max-age=(\d+)`)

// Analyzer inspects response headers for missing protections, weak
// configurations and software disclosure. Each problem is reported once per
// origin.
type Analyzer struct {
	core.BaseAnalyzer
	options  core.OptionList
	gate     *core.InspectionGate
	reported *dedup.ScalableBloomFilter
}

// New builds the analyzer with its own URI and report filters.
func New(logger *zap.Logger, filterCfg dedup.Config) (*Analyzer, error) {
	gate, err := core.NewInspectionGate(filterCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	reported, err := dedup.New(filterCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	a := &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Checks HTTP response headers for missing or weak security controls.", core.KindGrep, logger),
		gate:         gate,
		reported:     reported,
	}
	_ = a.SetOptions(nil)
	return a, nil
}

func defaultOptions() core.OptionList {
	return core.OptionList{
		{Name: "min_hsts_max_age", Value: strconv.Itoa(DefaultMinHSTSMaxAge), Description: "Smallest acceptable Strict-Transport-Security max-age, in seconds", Type: core.OptionInteger},
		{Name: "report_disclosure", Value: "true", Description: "Report Server and X-Powered-By headers that reveal software versions", Type: core.OptionBoolean},
	}
}

// Options returns the current values.
func (a *Analyzer) Options() core.OptionList { return a.options }

// SetOptions validates and applies values.
func (a *Analyzer) SetOptions(values map[string]string) error {
	opts, err := core.ParseOptions(Name, defaultOptions(), values)
	if err != nil {
		return err
	}
	if opts.Int("min_hsts_max_age") < 0 {
		return &core.ConfigError{Plugin: Name, Option: "min_hsts_max_age", Reason: "must not be negative"}
	}
	a.options = opts
	return nil
}

// check is one observation about a response, before deduplication.
type check struct {
	header   string
	category string
	severity schemas.Severity
	desc     string
	value    string
}

// Grep inspects one transaction. Only HTML and API responses are checked.
func (a *Analyzer) Grep(_ context.Context, scan *core.ScanContext, tx schemas.Transaction) error {
	if !a.gate.Admit(tx) {
		return nil
	}
	resp := tx.Response
	ct := resp.ContentType()
	isHTML := resp.IsHTML()
	isAPI := ct == "application/json" || ct == "application/xml"
	if !isHTML && !isAPI {
		return nil
	}

	origin := resp.URL.Scheme + "://" + resp.URL.Host
	uri := resp.URI()
	for _, c := range a.inspect(resp.Header, strings.EqualFold(resp.URL.Scheme, "https"), isHTML) {
		if a.reported.TestAndAdd(origin + "|" + c.category + "|" + c.header) {
			continue
		}
		scan.KB.Append(Name, c.category, a.finding(c, uri, resp.ID))
		if c.severity == schemas.SeverityHigh || c.severity == schemas.SeverityMedium {
			a.Logger.Warn("Security header problem", zap.String("header", c.header), zap.String("origin", origin))
		}
	}
	return nil
}

// End prints the findings, one line per header and origin.
func (a *Analyzer) End(_ context.Context, scan *core.ScanContext) error {
	for _, category := range []string{CategoryMissing, CategoryWeak, CategoryDisclosure} {
		kb.PrintUnique(a.Logger, scan.KB.Get(Name, category), kb.ByName)
	}
	return nil
}

func (a *Analyzer) finding(c check, uri string, txID uint64) schemas.Finding {
	in := schemas.FindingInput{
		Plugin:        Name,
		Severity:      c.severity,
		Description:   fmt.Sprintf("The URL: %q %s", uri, c.desc),
		Location:      uri,
		TransactionID: txID,
	}
	switch c.category {
	case CategoryMissing:
		in.Name = "Missing security header: " + c.header
	case CategoryWeak:
		in.Name = "Weak security header: " + c.header
		in.Highlight = []string{c.value}
	default:
		in.Name = "Software disclosure in " + c.header + " header"
		in.Highlight = []string{c.value}
	}
	if c.severity == schemas.SeverityInfo {
		return schemas.NewInfo(in)
	}
	return schemas.NewVuln(in)
}

func (a *Analyzer) inspect(headers http.Header, https, isHTML bool) []check {
	var out []check
	missing := func(header string, severity schemas.Severity, desc string) {
		out = append(out, check{header: header, category: CategoryMissing, severity: severity, desc: desc})
	}
	csp := headers.Values("Content-Security-Policy")
	if isHTML {
		if len(csp) == 0 {
			missing("Content-Security-Policy", schemas.SeverityMedium, "does not set a Content-Security-Policy, which increases the impact of cross-site scripting.")
		} else {
			out = append(out, analyzeCSP(strings.Join(csp, ","))...)
		}
	}

	if https {
		if hsts := headers.Values("Strict-Transport-Security"); len(hsts) == 0 {
			missing("Strict-Transport-Security", schemas.SeverityMedium, "is served over HTTPS without Strict-Transport-Security, exposing users to SSL stripping.")
		} else if c, ok := analyzeHSTS(strings.Join(hsts, "; "), a.options.Int("min_hsts_max_age")); ok {
			out = append(out, c)
		}
	}

	if !strings.EqualFold(headers.Get("X-Content-Type-Options"), "nosniff") {
		missing("X-Content-Type-Options", schemas.SeverityLow, "does not set X-Content-Type-Options: nosniff, so browsers may MIME-sniff the response.")
	}

	if isHTML && len(headers.Values("X-Frame-Options")) == 0 &&
		!strings.Contains(strings.ToLower(strings.Join(csp, ",")), "frame-ancestors") {
		missing("X-Frame-Options", schemas.SeverityMedium, "sets neither X-Frame-Options nor CSP frame-ancestors and may be framed for clickjacking.")
	}

	if len(headers.Values("Referrer-Policy")) == 0 {
		missing("Referrer-Policy", schemas.SeverityLow, "does not set a Referrer-Policy.")
	}

	if isHTML && len(headers.Values("Permissions-Policy")) == 0 && len(headers.Values("Feature-Policy")) == 0 {
		missing("Permissions-Policy", schemas.SeverityInfo, "does not restrict browser features with a Permissions-Policy.")
	}

	if a.options.Bool("report_disclosure") {
		for _, name := range []string{"Server", "X-Powered-By"} {
			if c, ok := disclosure(headers, name); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// analyzeHSTS reports a missing, zero or short max-age.
func analyzeHSTS(value string, minMaxAge int) (check, bool) {
	c := check{header: "Strict-Transport-Security", category: CategoryWeak, value: value}
	m := regexMaxAge.FindStringSubmatch(value)
	if len(m) < 2 {
		c.severity, c.desc = schemas.SeverityLow, "sets Strict-Transport-Security without a max-age directive."
		return c, true
	}
	maxAge, err := strconv.ParseInt(m[1], 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return check{}, false
	}
	switch {
	case maxAge == 0:
		c.severity, c.desc = schemas.SeverityMedium, "sets a Strict-Transport-Security max-age of 0, disabling it."
	case maxAge < int64(minMaxAge):
		c.severity = schemas.SeverityLow
		c.desc = fmt.Sprintf("sets a Strict-Transport-Security max-age of %d seconds, below the minimum of %d.", maxAge, minMaxAge)
	default:
		return check{}, false
	}
	return c, true
}

// analyzeCSP flags the common ways a policy loses its XSS protection.
func analyzeCSP(policy string) []check {
	var out []check
	lower := strings.ToLower(policy)
	weak := func(severity schemas.Severity, desc string) {
		out = append(out, check{header: "Content-Security-Policy", category: CategoryWeak, severity: severity, desc: desc, value: policy})
	}

	if strings.Contains(lower, "'unsafe-inline'") {
		scripts := strings.Contains(lower, "script-src") || strings.Contains(lower, "default-src")
		mitigated := strings.Contains(lower, "nonce-") || strings.Contains(lower, "sha256-") || strings.Contains(lower, "'strict-dynamic'")
		if scripts && !mitigated {
			weak(schemas.SeverityHigh, "allows 'unsafe-inline' scripts without a nonce, hash or 'strict-dynamic'.")
		}
	}
	if strings.Contains(lower, "'unsafe-eval'") {
		weak(schemas.SeverityMedium, "allows 'unsafe-eval' in its Content-Security-Policy.")
	}
	if strings.Contains(policy, "*") || strings.Contains(lower, "data:") || strings.Contains(lower, "http:") {
		weak(schemas.SeverityMedium, "uses overly permissive Content-Security-Policy sources such as '*', 'data:' or 'http:'.")
	}
	return out
}

// disclosure reports header values that look like product/version strings.
func disclosure(headers http.Header, name string) (check, bool) {
	values := headers.Values(name)
	if len(values) == 0 || values[0] == "" {
		return check{}, false
	}
	value := strings.Join(values, ", ")
	if len(value) <= 5 || !strings.ContainsAny(value, "./") {
		return check{}, false
	}
	return check{
		header:   name,
		category: CategoryDisclosure,
		severity: schemas.SeverityInfo,
		desc:     fmt.Sprintf("discloses server software in the %s header: %q.", name, value),
		value:    value,
	}, true
}
