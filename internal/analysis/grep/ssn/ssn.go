// internal/analysis/grep/ssn/ssn.go
package ssn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

const (
	Name     = "ssn"
	Category = "ssn"
)

// Candidate numbers of the form nnn-nn-nnnn, dashes and single spaces optional,
// not embedded in a longer run of digits or dashes. Validation happens in code.
var candidateRegex = regexp.MustCompile(`(?:^|[^\d-])(\d{3}) ?-? ?(\d{2}) ?-? ?(\d{4})(?:$|[^\d-])`)

// Analyzer detects US Social Security numbers in textual responses.
type Analyzer struct {
	core.BaseAnalyzer
	gate *core.InspectionGate
}

// New builds the analyzer with its own URI filter.
func New(logger *zap.Logger, filterCfg dedup.Config) (*Analyzer, error) {
	gate, err := core.NewInspectionGate(filterCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Detects US Social Security numbers in web pages.", core.KindGrep, logger),
		gate:         gate,
	}, nil
}

// Grep inspects one transaction.
func (a *Analyzer) Grep(_ context.Context, scan *core.ScanContext, tx schemas.Transaction) error {
	if !a.gate.Admit(tx) {
		return nil
	}
	resp := tx.Response
	text := resp.Body
	if resp.IsHTML() {
		text = clearText(resp.Body)
	}

	found, normalized, ok := Find(text)
	if !ok {
		return nil
	}

	uri := resp.URI()
	v := schemas.NewVuln(schemas.FindingInput{
		Plugin:        Name,
		Name:          "US Social Security Number disclosure",
		Severity:      schemas.SeverityLow,
		Description:   fmt.Sprintf("The URL: %q possibly discloses a US Social Security Number: %q", uri, normalized),
		Location:      uri,
		TransactionID: resp.ID,
		Highlight:     []string{found},
	})
	scan.KB.Append(Name, Category, v)
	a.Logger.Warn("Possible SSN disclosure", zap.String("uri", uri))
	return nil
}

// End prints one line per distinct URL.
func (a *Analyzer) End(_ context.Context, scan *core.ScanContext) error {
	kb.PrintUnique(a.Logger, scan.KB.Get(Name, Category), kb.ByURL)
	return nil
}

// Find returns the first valid SSN in text as it appeared and in canonical
// nnn-nn-nnnn form.
func Find(text []byte) (found, normalized string, ok bool) {
	for _, m := range candidateRegex.FindAllSubmatchIndex(text, -1) {
		area, _ := strconv.Atoi(string(text[m[2]:m[3]]))
		group, _ := strconv.Atoi(string(text[m[4]:m[5]]))
		serial, _ := strconv.Atoi(string(text[m[6]:m[7]]))
		if !Valid(area, group, serial) {
			continue
		}
		return strings.TrimSpace(string(text[m[2]:m[7]])), fmt.Sprintf("%03d-%02d-%04d", area, group, serial), true
	}
	return "", "", false
}

// Valid applies the publicly documented SSN rules.
func Valid(area, group, serial int) bool {
	switch {
	case area == 0 || area == 666 || area > 772:
		return false
	case group == 0 || serial == 0:
		return false
	case area == 987 && group == 65 && serial >= 4320 && serial <= 4329:
		// Reserved for advertising.
		return false
	case area == 78 && group == 5 && serial == 1120:
		// The Woolworth wallet number.
		return false
	}
	return true
}

// clearText drops markup, scripts and styles, keeping the visible text.
func clearText(body []byte) []byte {
	var out bytes.Buffer
	z := html.NewTokenizer(bytes.NewReader(body))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return out.Bytes()
			}
			return body
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				out.Write(z.Text())
				out.WriteByte(' ')
			}
		}
	}
}

func isRawText(tag []byte) bool {
	return string(tag) == "script" || string(tag) == "style"
}
