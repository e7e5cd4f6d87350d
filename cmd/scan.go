package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/spiderman"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
	"github.com/xkilldash9x/scalpel-capture/internal/network"
	"github.com/xkilldash9x/scalpel-capture/internal/observability"
	"github.com/xkilldash9x/scalpel-capture/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-capture/internal/reporting"
)

const persistTimeout = 30 * time.Second

// scanRun carries the per-invocation pieces that are not part of the config.
type scanRun struct {
	targets []string
	// onPlugins sees the built plugins before the scan starts.
	onPlugins func(ctx context.Context, plugins []core.Plugin)
	out       io.Writer
	provider  storeProvider
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd(provider storeProvider) *cobra.Command {
	var pluginOptions []string

	scanCmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Crawls the targets and analyzes every response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := applyPluginOptions(cfg, pluginOptions); err != nil {
				return err
			}
			_, err = runScan(cmd.Context(), cfg, observability.GetLogger(), scanRun{
				targets:  args,
				out:      cmd.OutOrStdout(),
				provider: provider,
			})
			return err
		},
	}

	addScanFlags(scanCmd, &pluginOptions)
	scanCmd.Flags().StringSlice("crawl", nil, "Crawl plugins to enable. (Overrides config/env)")
	scanCmd.Flags().StringSlice("infrastructure", nil, "Infrastructure plugins to enable. (Overrides config/env)")
	scanCmd.Flags().Int("max-requests", 0, "Stop discovering after this many distinct requests. (Overrides config/env)")
	scanCmd.Flags().Bool("include-subdomains", false, "Treat subdomains of the first target as in scope. (Overrides config/env)")
	return scanCmd
}

// addScanFlags registers the flags shared by scan and capture.
func addScanFlags(c *cobra.Command, pluginOptions *[]string) {
	c.Flags().StringP("output", "o", "", "Output file path for the report. (Overrides config/env)")
	c.Flags().StringP("format", "f", "", "Report format: csv, json, sarif or none. (Overrides config/env)")
	c.Flags().IntP("concurrency", "j", 0, "Number of concurrent grep workers. (Overrides config/env)")
	c.Flags().StringSlice("grep", nil, "Grep plugins to enable. (Overrides config/env)")
	c.Flags().Float64("requests-per-second", 0, "Throttle upstream requests; zero disables. (Overrides config/env)")
	c.Flags().Bool("ignore-tls-errors", false, "Skip upstream certificate verification. (Overrides config/env)")
	c.Flags().StringArrayVar(pluginOptions, "option", nil, "Plugin option as plugin.option=value, repeatable")
}

// applyPluginOptions folds plugin.option=value pairs into the plugin options.
func applyPluginOptions(cfg *config.Config, values []string) error {
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		plugin, option, dotted := strings.Cut(key, ".")
		if !ok || !dotted || plugin == "" || option == "" {
			return fmt.Errorf("invalid --option %q, expected plugin.option=value", raw)
		}
		if cfg.PluginsCfg.Options == nil {
			cfg.PluginsCfg.Options = make(map[string]map[string]string)
		}
		if cfg.PluginsCfg.Options[plugin] == nil {
			cfg.PluginsCfg.Options[plugin] = make(map[string]string)
		}
		cfg.PluginsCfg.Options[plugin][option] = value
	}
	return nil
}

// normalizeTargets gives scheme-less targets https.
func normalizeTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") {
			t = "https://" + t
		}
		out = append(out, t)
	}
	return out
}

// runScan wires the components of one scan, runs it and hands the knowledge
// base to the reporter and, when configured, the database.
func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, run scanRun) (orchestrator.Summary, error) {
	targets := normalizeTargets(run.targets)
	scanID := uuid.New().String()
	cfg.SetScanConfig(config.ScanConfig{Targets: targets, ScanID: scanID})

	logger.Info("Starting new scan",
		zap.String("scan_id", scanID),
		zap.Strings("targets", targets),
		zap.Strings("plugins", cfg.Plugins().Enabled()),
		zap.Int("engine_concurrency", cfg.Engine().WorkerConcurrency),
	)

	opener, err := newOpener(cfg, logger)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	spiderMan, err := spiderManConfig(cfg)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	plugins, err := orchestrator.Builtin().Build(cfg.Plugins().Enabled(), cfg.Plugins().Options, orchestrator.Deps{
		Logger:    logger,
		Dedup:     cfg.Dedup(),
		SpiderMan: spiderMan,
	})
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("failed to build plugins: %w", err)
	}
	plan, err := orchestrator.NewPlan(plugins)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("failed to plan plugins: %w", err)
	}

	// A misconfigured reporter fails the scan before any traffic is sent.
	reporter, err := newReporter(cfg.Report(), logger)
	if err != nil {
		return orchestrator.Summary{}, err
	}

	store := kb.New()
	store.Subscribe(observability.FindingLogger(logger))

	orch, err := orchestrator.New(cfg, logger, plan, opener, store)
	if err != nil {
		closeReporter(reporter, logger)
		return orchestrator.Summary{}, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if run.onPlugins != nil {
		run.onPlugins(ctx, plan.All)
	}

	summary, err := orch.Run(ctx, targets)
	if err != nil {
		closeReporter(reporter, logger)
		logger.Error("Scan failed during orchestration", zap.Error(err), zap.String("scan_id", scanID))
		return summary, err
	}

	if err := writeReport(reporter, reporting.FromKB(scanID, store)); err != nil {
		return summary, err
	}
	if cfg.Database().URL != "" && run.provider != nil {
		// An interrupted scan still persists what it found.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := persistFindings(persistCtx, cfg, run.provider, scanID, store.All(), logger); err != nil {
			return summary, err
		}
	}

	printSummary(run.out, summary, cfg.Report())
	return summary, nil
}

// newOpener builds the upstream opener every plugin shares.
func newOpener(cfg config.Interface, logger *zap.Logger) (*network.Opener, error) {
	n := cfg.Network()
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.IgnoreTLSErrors = n.IgnoreTLSErrors
	clientCfg.Logger = logger.Named("httpclient")
	if n.Timeout > 0 {
		clientCfg.RequestTimeout = n.Timeout
	}
	if n.Proxy.Enabled {
		proxyURL, err := url.Parse(n.Proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid network.proxy.address: %w", err)
		}
		clientCfg.ProxyURL = proxyURL
	}

	return network.NewOpener(network.NewClient(clientCfg), network.OpenerConfig{
		UserAgent:         n.UserAgent,
		MaxBodySize:       n.MaxBodySize,
		RequestsPerSecond: n.RequestsPerSecond,
		Burst:             n.Burst,
		CacheSize:         n.CacheSize,
		Headers:           n.Headers,
	}, logger), nil
}

// spiderManConfig loads the capture settings, reading the interception CA
// from disk when one is configured.
func spiderManConfig(cfg config.Interface) (spiderman.Config, error) {
	c := cfg.Capture()
	sc := spiderman.Config{
		Capture: network.CaptureConfig{
			TerminateURL:    c.TerminateURL,
			UpstreamTimeout: c.UpstreamTimeout,
			DrainTimeout:    c.DrainTimeout,
			MaxRequestBody:  cfg.Network().MaxBodySize,
		},
		CaptureTimeout: c.CaptureTimeout,
		QueueSize:      c.QueueSize,
	}
	if c.CACert == "" {
		return sc, nil
	}

	cert, err := os.ReadFile(c.CACert)
	if err != nil {
		return sc, fmt.Errorf("failed to read capture CA certificate: %w", err)
	}
	key, err := os.ReadFile(c.CAKey)
	if err != nil {
		return sc, fmt.Errorf("failed to read capture CA key: %w", err)
	}
	sc.Capture.CACert = cert
	sc.Capture.CAKey = key
	return sc, nil
}

// newReporter returns nil when reporting is switched off.
func newReporter(rc config.ReportConfig, logger *zap.Logger) (reporting.Reporter, error) {
	if rc.Format == "" || strings.EqualFold(rc.Format, "none") {
		return nil, nil
	}
	reporter, err := reporting.New(rc.Format, rc.OutputFile, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reporter: %w", err)
	}
	logger.Debug("Report configured", zap.String("format", rc.Format), zap.String("output_path", rc.OutputFile))
	return reporter, nil
}

// writeReport writes and finalizes the report.
func writeReport(reporter reporting.Reporter, report *reporting.Report) error {
	if reporter == nil {
		return nil
	}
	if err := reporter.Write(report); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	return nil
}

func closeReporter(reporter reporting.Reporter, logger *zap.Logger) {
	if reporter == nil {
		return
	}
	if err := reporter.Close(); err != nil {
		logger.Warn("Failed to close reporter cleanly", zap.Error(err))
	}
}

func printSummary(out io.Writer, s orchestrator.Summary, rc config.ReportConfig) {
	if out == nil {
		return
	}
	state := "complete"
	if s.Interrupted {
		state = "interrupted"
	}
	fmt.Fprintf(out, "\nScan %s. Scan ID: %s\n", state, s.ScanID)
	fmt.Fprintf(out, "  requests: %d  transactions: %d  vulnerabilities: %d  informational: %d  plugin errors: %d  duration: %s\n",
		s.Requests, s.Transactions, s.Vulns, s.Infos, s.PluginErrors, s.Duration.Round(time.Millisecond))
	if rc.OutputFile != "" && !strings.EqualFold(rc.Format, "none") {
		fmt.Fprintf(out, "  report: %s (%s)\n", rc.OutputFile, rc.Format)
	}
}
