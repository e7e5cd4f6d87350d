// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/observability"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	// Keep command tests from picking up a config.yaml in the working directory.
	t.Chdir(t.TempDir())
	t.Cleanup(observability.ResetForTest)
}

// executeCommand runs root with args and returns everything written to its output.
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// newTestConfig returns the defaults with a silent logger.
func newTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.Level = "fatal"
	return cfg
}

// mockStore implements findingStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) EnsureSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) PersistFindings(ctx context.Context, scanID string, findings []schemas.Finding) error {
	return m.Called(ctx, scanID, findings).Error(0)
}

func (m *mockStore) GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	args := m.Called(ctx, scanID)
	findings, _ := args.Get(0).([]schemas.Finding)
	return findings, args.Error(1)
}

// mockStoreProvider implements storeProvider.
type mockStoreProvider struct {
	mock.Mock
}

func (m *mockStoreProvider) Create(ctx context.Context, cfg config.Interface) (findingStore, func(), error) {
	args := m.Called(ctx, cfg)
	s, _ := args.Get(0).(findingStore)
	cleanup, _ := args.Get(1).(func())
	return s, cleanup, args.Error(2)
}
