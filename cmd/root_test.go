// File: cmd/root_test.go
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-capture/internal/config"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)

	out, err := executeCommand(t, NewRootCommand(), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "scalpel-capture version "+Version)
}

func TestVersionCmd(t *testing.T) {
	resetForTest(t)
	// The version command must not need a valid configuration.
	t.Setenv("SCALPEL_REPORT_FORMAT", "xml")

	out, err := executeCommand(t, NewRootCommand(), "version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-capture version "+Version+"\n", out)
}

func TestRootCmd_InvalidConfigFromEnv(t *testing.T) {
	resetForTest(t)
	t.Setenv("SCALPEL_LOGGER_LEVEL", "fatal")
	t.Setenv("SCALPEL_REPORT_FORMAT", "xml")

	_, err := executeCommand(t, NewRootCommand(), "plugins")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.format")
}

func TestRootCmd_ConfigFile(t *testing.T) {
	resetForTest(t)

	path := filepath.Join(t.TempDir(), "scalpel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: fatal
plugins:
  crawl: [robots_txt]
  grep: [ssn]
`), 0o600))

	out, err := executeCommand(t, NewRootCommand(), "--config", path, "plugins")
	require.NoError(t, err)
	assert.Contains(t, out, "* robots_txt")
	assert.Contains(t, out, "* ssn")
	assert.Contains(t, out, "  web_spider", "web_spider is not enabled by this file")
}

func TestRootCmd_MissingConfigFile(t *testing.T) {
	resetForTest(t)

	_, err := executeCommand(t, NewRootCommand(), "--config", filepath.Join(t.TempDir(), "nope.yaml"), "plugins")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestBindFlags(t *testing.T) {
	resetForTest(t)

	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "test"}
		var opts []string
		addScanFlags(c, &opts)
		return c
	}

	t.Run("explicit flags override defaults", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags([]string{"--format", "json", "-j", "3", "--grep", "ssn"}))

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, bindFlags(c, v))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "json", cfg.Report().Format)
		assert.Equal(t, 3, cfg.Engine().WorkerConcurrency)
		assert.Equal(t, []string{"ssn"}, cfg.Plugins().Grep)
	})

	t.Run("unset flags keep defaults", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags(nil))

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, bindFlags(c, v))
		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "csv", cfg.Report().Format)
		assert.Equal(t, 10, cfg.Engine().WorkerConcurrency)
		assert.Equal(t, []string{"wsdl_greper", "ssn"}, cfg.Plugins().Grep)
	})
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := newTestConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestPluginsCmd(t *testing.T) {
	resetForTest(t)
	t.Setenv("SCALPEL_LOGGER_LEVEL", "fatal")

	out, err := executeCommand(t, NewRootCommand(), "plugins")
	require.NoError(t, err)

	for _, name := range []string{"spider_man", "web_spider", "robots_txt", "wsdl_greper", "ssn", "security_headers", "detect_transparent_proxy", "detect_reverse_proxy"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "* web_spider")
	assert.Contains(t, out, "listenPort")
	assert.Contains(t, out, "depends on")
}
