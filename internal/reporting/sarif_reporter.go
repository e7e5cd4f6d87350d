// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "scalpel-capture"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-capture"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleIDSanitizer matches runs of characters not allowed in rule IDs.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint identifies a rule by the plugin and finding name behind it.
type RuleFingerprint string

func calculateFingerprint(f schemas.Finding) RuleFingerprint {
	h := sha1.New()
	_ = json.NewEncoder(h).Encode(struct {
		Plugin string
		Name   string
		Kind   schemas.FindingKind
	}{f.Plugin, f.Name, f.Kind})
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu                 sync.Mutex
	rulesByFingerprint map[RuleFingerprint]string
	ruleIDUsage        map[string]int
}

// NewSARIFReporter creates a reporter that writes SARIF output on Close.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             logger.Named("sarif_reporter"),
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// Write converts every finding of the report into a SARIF result.
func (r *SARIFReporter) Write(report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	if report.ScanID != "" {
		run.Properties = &sarif.PropertyBag{"scan_id": report.ScanID}
	}
	for _, group := range [][]schemas.Finding{report.Vulns, report.Infos} {
		for _, f := range group {
			messageText := f.Description
			if messageText == "" {
				messageText = f.Name
			}
			result := &sarif.Result{
				RuleID:    r.ensureRule(f),
				Message:   &sarif.Message{Text: pString(messageText)},
				Level:     mapSeverityToSARIFLevel(f.Severity),
				Locations: createLocations(f),
			}
			if f.TransactionID != 0 || len(f.Highlight) > 0 {
				props := sarif.PropertyBag{}
				if f.TransactionID != 0 {
					props["transaction_id"] = f.TransactionID
				}
				if len(f.Highlight) > 0 {
					props["highlight"] = f.Highlight
				}
				result.Properties = &props
			}
			run.Results = append(run.Results, result)
		}
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Info("Successfully wrote SARIF report", zap.Duration("duration", time.Since(startTime)))
	return nil
}

func sanitizeRuleName(name string) string {
	if name == "" {
		return "UNNAMED-FINDING"
	}
	sanitized := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if sanitized == "" {
		return "UNKNOWN-FINDING"
	}
	return sanitized
}

// ensureRule returns the rule ID for f, registering a new rule the first time
// a plugin and name pair shows up. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(f schemas.Finding) string {
	fingerprint := calculateFingerprint(f)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := "SCALPEL-" + sanitizeRuleName(f.Name)
	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	finalRuleID := baseRuleID
	if usageCount > 0 {
		finalRuleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", baseRuleID),
			zap.String("final_id", finalRuleID),
		)
	}

	markdownHelp := fmt.Sprintf("**Finding:** %s\n\n**Reported by:** `%s`", f.Name, f.Plugin)
	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               finalRuleID,
		Name:             pString(f.Name),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(f.Name)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(f.Name),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags":   []string{"security", "scalpel", string(f.Kind)},
			"plugin": f.Plugin,
		},
	})
	r.rulesByFingerprint[fingerprint] = finalRuleID
	return finalRuleID
}

func createLocations(f schemas.Finding) []*sarif.Location {
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(f.URI)},
		},
		Message: &sarif.Message{Text: pString(fmt.Sprintf("Observed at %s", f.URI))},
	}}
}

// mapSeverityToSARIFLevel converts a finding severity to the SARIF standard.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityCritical, schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to s.
func pString(s string) *string {
	return &s
}
