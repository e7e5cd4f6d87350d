package schemas

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// -- Finding Schemas --

// Severity represents the severity level of a security finding, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// FindingKind separates vulnerabilities from informational records.
type FindingKind string

const (
	KindVuln FindingKind = "vuln"
	KindInfo FindingKind = "info"
)

// Finding is a single record produced by an analyzer: either a vulnerability or an
// informational note. Findings are created once, appended once to the knowledge
// base, and never mutated afterwards.
type Finding struct {
	ID   string      `json:"id"`
	Kind FindingKind `json:"kind"`

	// Plugin is the name of the analyzer that produced the finding.
	Plugin      string   `json:"plugin"`
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`

	URL    string `json:"url"` // location without the query string
	URI    string `json:"uri"` // full canonical location
	Method string `json:"method,omitempty"`
	// Param is the vulnerable parameter, when the finding is tied to one.
	Param string `json:"param,omitempty"`

	TransactionID uint64    `json:"transaction_id,omitempty"`
	Highlight     []string  `json:"highlight,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// FindingInput carries the fields callers provide when building a finding.
type FindingInput struct {
	Plugin        string
	Name          string
	Severity      Severity // ignored for infos
	Description   string
	Location      string // absolute URL of the affected resource
	Method        string
	Param         string
	TransactionID uint64
	Highlight     []string
}

// NewVuln builds a vulnerability. A missing plugin, name, location or severity is a
// programming error and panics.
func NewVuln(in FindingInput) Finding {
	if in.Severity == "" || in.Severity == SeverityInfo {
		panic("schemas: vulnerability requires a severity above info")
	}
	return newFinding(KindVuln, in.Severity, in)
}

// NewInfo builds an informational finding. A missing plugin, name or location panics.
func NewInfo(in FindingInput) Finding {
	return newFinding(KindInfo, SeverityInfo, in)
}

func newFinding(kind FindingKind, sev Severity, in FindingInput) Finding {
	switch {
	case in.Plugin == "":
		panic("schemas: finding requires a plugin name")
	case in.Name == "":
		panic("schemas: finding requires a name")
	case in.Location == "":
		panic("schemas: finding requires a location")
	}

	uri := in.Location
	if n, err := ParseAndNormalize(in.Location); err == nil {
		uri = n
	}
	urlNoQuery, _, _ := strings.Cut(uri, "?")

	var highlight []string
	if len(in.Highlight) > 0 {
		highlight = append([]string(nil), in.Highlight...)
	}

	return Finding{
		ID:            uuid.NewString(),
		Kind:          kind,
		Plugin:        in.Plugin,
		Name:          in.Name,
		Severity:      sev,
		Description:   in.Description,
		URL:           urlNoQuery,
		URI:           uri,
		Method:        in.Method,
		Param:         in.Param,
		TransactionID: in.TransactionID,
		Highlight:     highlight,
		ObservedAt:    time.Now().UTC(),
	}
}

// IsVuln reports whether the finding is a vulnerability.
func (f Finding) IsVuln() bool { return f.Kind == KindVuln }
