// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var cfgFile string

// flagKeys maps command line flags onto their configuration keys. Flags only
// override the file and environment when they are set explicitly.
var flagKeys = map[string]string{
	"log-level":           "logger.level",
	"database-url":        "database.url",
	"format":              "report.format",
	"output":              "report.output_file",
	"concurrency":         "engine.worker_concurrency",
	"max-requests":        "discovery.max_requests",
	"include-subdomains":  "discovery.include_subdomains",
	"crawl":               "plugins.crawl",
	"grep":                "plugins.grep",
	"infrastructure":      "plugins.infrastructure",
	"requests-per-second": "network.requests_per_second",
	"ignore-tls-errors":   "network.ignore_tls_errors",
}

// NewRootCommand builds a fresh command tree. Every call returns independent
// flag state, which keeps tests from leaking into each other.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scalpel-capture",
		Short:         "Scalpel Capture records and analyzes web traffic.",
		Long:          "Scalpel Capture crawls a target or proxies a browser through spider_man, feeds every response to grep plugins and reports what the knowledge base collected.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-capture"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-capture"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting scalpel-capture", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error). Overrides config/env")
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL findings are persisted to. Overrides config/env")
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	provider := NewStoreProvider()
	cmd.AddCommand(newScanCmd(provider))
	cmd.AddCommand(newCaptureCmd(provider))
	cmd.AddCommand(newPluginsCmd())
	cmd.AddCommand(newReportCmd(provider))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree with a signal aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file, then the environment, then binds the
// flags of the executing command.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCALPEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	if ctx == nil {
		return nil, errors.New("no context available")
	}
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
