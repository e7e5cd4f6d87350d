// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

// Report is the end-of-scan view of the knowledge base.
type Report struct {
	ScanID string
	Vulns  []schemas.Finding
	Infos  []schemas.Finding
}

// FromKB snapshots store into a Report.
func FromKB(scanID string, store *kb.KnowledgeBase) *Report {
	return &Report{
		ScanID: scanID,
		Vulns:  store.AllVulns(),
		Infos:  store.AllInfos(),
	}
}

// Reporter defines the interface for writing scan results to an output.
type Reporter interface {
	// Write adds the report's findings to the output.
	Write(report *Report) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

func isStdout(path string) bool {
	return path == "" || path == "stdout"
}

// New creates a reporter for format writing to outputPath. Empty or "stdout"
// means standard output, except for csv which needs a file.
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	format = strings.ToLower(format)

	switch format {
	case "csv", "json", "sarif":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	if format == "csv" && isStdout(outputPath) {
		return nil, &core.ConfigError{Plugin: CSVPluginName, Option: "output_file", Reason: "a value is required"}
	}

	var writer io.WriteCloser
	if isStdout(outputPath) {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "csv":
		return NewCSVReporter(writer, logger), nil
	case "json":
		return NewJSONReporter(writer, logger), nil
	default:
		return NewSARIFReporter(writer, toolVersion, logger), nil
	}
}
