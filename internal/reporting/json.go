package reporting

import (
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonDocument struct {
	ScanID      string            `json:"scan_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Vulns       []schemas.Finding `json:"vulns"`
	Infos       []schemas.Finding `json:"infos"`
}

// JSONReporter collects findings and writes a single document on Close.
type JSONReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	logger *zap.Logger
	doc    jsonDocument
}

// NewJSONReporter takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	return &JSONReporter{
		writer: writer,
		logger: logger.Named("json_reporter"),
		doc: jsonDocument{
			Vulns: []schemas.Finding{},
			Infos: []schemas.Finding{},
		},
	}
}

// Write buffers the report.
func (r *JSONReporter) Write(report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if report.ScanID != "" {
		r.doc.ScanID = report.ScanID
	}
	r.doc.Vulns = append(r.doc.Vulns, report.Vulns...)
	r.doc.Infos = append(r.doc.Infos, report.Infos...)
	return nil
}

// Close encodes the document and closes the output.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.doc.GeneratedAt = time.Now().UTC()
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.doc)
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode JSON output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Info("Successfully wrote JSON report",
		zap.Int("vulns", len(r.doc.Vulns)),
		zap.Int("infos", len(r.doc.Infos)),
	)
	return nil
}
