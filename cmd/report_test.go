package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

func persistedFindings() []schemas.Finding {
	return []schemas.Finding{
		schemas.NewVuln(schemas.FindingInput{
			Plugin: "ssn", Name: "US Social Security Number disclosure", Severity: schemas.SeverityLow,
			Location: "http://target.example/profile", Method: "GET",
		}),
		schemas.NewInfo(schemas.FindingInput{
			Plugin: "wsdl_greper", Name: "WSDL file", Location: "http://target.example/svc?wsdl",
		}),
	}
}

func TestRunReport(t *testing.T) {
	resetForTest(t)
	ctx := t.Context()
	cfg := newTestConfig()

	t.Run("renders persisted findings", func(t *testing.T) {
		s := new(mockStore)
		provider := new(mockStoreProvider)
		cleaned := false
		provider.On("Create", mock.Anything, cfg).Return(s, func() { cleaned = true }, nil)
		s.On("GetFindingsByScanID", mock.Anything, "scan-7").Return(persistedFindings(), nil)

		output := filepath.Join(t.TempDir(), "report.csv")
		err := runReport(ctx, zaptest.NewLogger(t), cfg, "scan-7", output, "csv", provider)
		require.NoError(t, err)
		assert.True(t, cleaned)

		raw, err := os.ReadFile(output)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[1], "US Social Security Number disclosure,"), "vulns come first")
		assert.True(t, strings.HasPrefix(lines[2], "WSDL file,"))
	})

	t.Run("store unavailable", func(t *testing.T) {
		provider := new(mockStoreProvider)
		provider.On("Create", mock.Anything, cfg).Return(nil, nil, errors.New("database URL is not configured"))

		err := runReport(ctx, zaptest.NewLogger(t), cfg, "scan-7", "", "json", provider)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize store")
	})

	t.Run("query failure", func(t *testing.T) {
		s := new(mockStore)
		provider := new(mockStoreProvider)
		provider.On("Create", mock.Anything, cfg).Return(s, nil, nil)
		s.On("GetFindingsByScanID", mock.Anything, "scan-7").Return(nil, errors.New("relation does not exist"))

		err := runReport(ctx, zaptest.NewLogger(t), cfg, "scan-7", "", "json", provider)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relation does not exist")
	})

	t.Run("unsupported format", func(t *testing.T) {
		s := new(mockStore)
		provider := new(mockStoreProvider)
		provider.On("Create", mock.Anything, cfg).Return(s, nil, nil)
		s.On("GetFindingsByScanID", mock.Anything, "scan-7").Return(persistedFindings(), nil)

		err := runReport(ctx, zaptest.NewLogger(t), cfg, "scan-7", filepath.Join(t.TempDir(), "r.xml"), "xml", provider)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})
}

func TestReportCmd_RequiresScanID(t *testing.T) {
	resetForTest(t)
	t.Setenv("SCALPEL_LOGGER_LEVEL", "fatal")

	_, err := executeCommand(t, NewRootCommand(), "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan-id")
}

func TestDefaultStoreProvider_RequiresURL(t *testing.T) {
	cfg := newTestConfig()
	cfg.DatabaseCfg.URL = ""
	_, _, err := NewStoreProvider().Create(t.Context(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCALPEL_DATABASE_URL")
}
