package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// CSVPluginName is the name the CSV output answers to in option errors.
const CSVPluginName = "csv_file"

var csvHeader = []string{"name", "method", "uri", "var", "dc", "id", "description"}

// CSVReporter writes one row per finding, vulnerabilities first.
type CSVReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	csv    *csv.Writer
	logger *zap.Logger
	rows   int
	header bool
}

// NewCSVReporter takes ownership of writer.
func NewCSVReporter(writer io.WriteCloser, logger *zap.Logger) *CSVReporter {
	return &CSVReporter{
		writer: writer,
		csv:    csv.NewWriter(writer),
		logger: logger.Named("csv_reporter"),
	}
}

// Write appends the report's rows.
func (r *CSVReporter) Write(report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.header {
		if err := r.csv.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
		r.header = true
	}
	for _, group := range [][]schemas.Finding{report.Vulns, report.Infos} {
		for _, f := range group {
			if err := r.csv.Write(csvRow(f)); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
			r.rows++
		}
	}
	r.csv.Flush()
	return r.csv.Error()
}

// Close flushes and closes the output.
func (r *CSVReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.csv.Flush()
	flushErr := r.csv.Error()
	closeErr := r.writer.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush csv output: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Info("Successfully wrote CSV report", zap.Int("rows", r.rows))
	return nil
}

func csvRow(f schemas.Finding) []string {
	method := f.Method
	if method == "" {
		method = "GET"
	}
	// The data container is the query string the finding was observed with.
	var dc string
	if u, err := url.Parse(f.URI); err == nil {
		dc = u.RawQuery
	}
	id := "[]"
	if f.TransactionID != 0 {
		id = fmt.Sprintf("[%d]", f.TransactionID)
	}
	return []string{f.Name, method, f.URI, f.Param, dc, id, f.Description}
}
