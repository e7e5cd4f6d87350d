// internal/analysis/grep/wsdl/wsdl.go
package wsdl

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
	"github.com/xkilldash9x/scalpel-capture/internal/matcher"
)

const (
	Name = "wsdl_greper"

	CategoryWSDL  = "wsdl"
	CategoryDISCO = "disco"
)

// Markers of web service description documents. The last two identify UDDI
// registries and Axis endpoints, which are close enough to be worth reporting.
var wsdlStrings = []string{
	"xs:int",
	"targetNamespace",
	"soap:body",
	"/s:sequence",
	"wsdl:",
	"soapAction=",
	`xmlns="urn:uddi"`,
	"<p>Hi there, this is an AXIS service!</p>",
}

var discoStrings = []string{"disco:discovery "}

// Analyzer greps every page for WSDL and DISCO documents.
type Analyzer struct {
	core.BaseAnalyzer
	gate  *core.InspectionGate
	wsdl  *matcher.Matcher
	disco *matcher.Matcher
}

// New builds the analyzer with its own URI filter.
func New(logger *zap.Logger, filterCfg dedup.Config) (*Analyzer, error) {
	gate, err := core.NewInspectionGate(filterCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	return &Analyzer{
		BaseAnalyzer: *core.NewBaseAnalyzer(Name, "Grep every page for web service definition files.", core.KindGrep, logger),
		gate:         gate,
		wsdl:         matcher.New(wsdlStrings),
		disco:        matcher.New(discoStrings),
	}, nil
}

// Grep inspects one transaction.
func (a *Analyzer) Grep(_ context.Context, scan *core.ScanContext, tx schemas.Transaction) error {
	if !a.gate.Admit(tx) {
		return nil
	}
	resp := tx.Response
	uri := resp.URI()

	if matches := a.wsdl.Match(resp.Body); len(matches) > 0 {
		desc := fmt.Sprintf("The URL: %q is a Web Services Description Language page.", stripQuery(uri))
		if services := serviceNames(resp.Body); len(services) > 0 {
			desc += fmt.Sprintf(" Declared services: %s.", strings.Join(services, ", "))
		}
		f := schemas.NewInfo(schemas.FindingInput{
			Plugin:        Name,
			Name:          "WSDL file",
			Description:   desc,
			Location:      uri,
			TransactionID: resp.ID,
			Highlight:     matches,
		})
		scan.KB.Append(Name, CategoryWSDL, f)
	}

	if matches := a.disco.Match(resp.Body); len(matches) > 0 {
		f := schemas.NewInfo(schemas.FindingInput{
			Plugin:        Name,
			Name:          "DISCO file",
			Description:   fmt.Sprintf("The URL: %q is a DISCO file that contains references to WSDLs.", stripQuery(uri)),
			Location:      uri,
			TransactionID: resp.ID,
			Highlight:     matches,
		})
		scan.KB.Append(Name, CategoryDISCO, f)
	}
	return nil
}

// End prints one line per distinct URL for each category.
func (a *Analyzer) End(_ context.Context, scan *core.ScanContext) error {
	kb.PrintUnique(a.Logger, scan.KB.Get(Name, CategoryWSDL), kb.ByURL)
	kb.PrintUnique(a.Logger, scan.KB.Get(Name, CategoryDISCO), kb.ByURL)
	return nil
}

// serviceNames returns the sorted service names declared by a WSDL body, or nil
// when the body is not well-formed XML.
func serviceNames(body []byte) []string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmed); err != nil {
		return nil
	}
	root := doc.Root()
	if root == nil || root.Tag != "definitions" {
		return nil
	}

	seen := map[string]struct{}{}
	var names []string
	for _, svc := range root.FindElements("//service") {
		n := svc.SelectAttrValue("name", "")
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stripQuery(uri string) string {
	u, _, _ := strings.Cut(uri, "?")
	return u
}
