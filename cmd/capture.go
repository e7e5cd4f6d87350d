package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/crawl/spiderman"
	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/network"
	"github.com/xkilldash9x/scalpel-capture/internal/observability"
)

// newCaptureCmd creates the `capture` command: a scan driven only by the
// spider_man proxy, with the configured grep plugins analyzing what the user
// browses.
func newCaptureCmd(provider storeProvider) *cobra.Command {
	var pluginOptions []string
	var listenAddress string
	var listenPort int

	captureCmd := &cobra.Command{
		Use:   "capture <target>",
		Short: "Proxies a browser through spider_man and analyzes the captured traffic",
		Long: `Starts the spider_man proxy. Point a browser at it and navigate the target;
every request is recorded and every response is analyzed. Browse to the terminate
URL (capture.terminate_url) to finish and write the report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			configureCapture(cfg, listenAddress, listenPort)
			if err := applyPluginOptions(cfg, pluginOptions); err != nil {
				return err
			}
			_, err = runScan(cmd.Context(), cfg, observability.GetLogger(), scanRun{
				targets:   args,
				out:       cmd.OutOrStdout(),
				provider:  provider,
				onPlugins: announceProxy(cmd.OutOrStdout(), cfg.Capture().TerminateURL),
			})
			return err
		},
	}

	addScanFlags(captureCmd, &pluginOptions)
	captureCmd.Flags().StringVar(&listenAddress, "listen-address", spiderman.DefaultListenAddress, "IP address the proxy listens on")
	captureCmd.Flags().IntVarP(&listenPort, "port", "p", spiderman.DefaultListenPort, "Port the proxy listens on; 0 picks a free port")
	return captureCmd
}

// configureCapture restricts the crawl to spider_man and applies the listen
// flags. Infrastructure plugins are dropped; grep plugins are kept.
func configureCapture(cfg *config.Config, listenAddress string, listenPort int) {
	cfg.PluginsCfg.Crawl = []string{spiderman.Name}
	cfg.PluginsCfg.Infrastructure = nil
	if cfg.PluginsCfg.Options == nil {
		cfg.PluginsCfg.Options = make(map[string]map[string]string)
	}
	opts := cfg.PluginsCfg.Options[spiderman.Name]
	if opts == nil {
		opts = make(map[string]string)
	}
	opts["listenAddress"] = listenAddress
	opts["listenPort"] = strconv.Itoa(listenPort)
	cfg.PluginsCfg.Options[spiderman.Name] = opts
}

// announceProxy prints the proxy address once spider_man accepts connections.
func announceProxy(out io.Writer, terminateURL string) func(context.Context, []core.Plugin) {
	if terminateURL == "" {
		terminateURL = network.DefaultTerminateURL
	}
	return func(ctx context.Context, plugins []core.Plugin) {
		for _, p := range plugins {
			sm, ok := p.(*spiderman.Analyzer)
			if !ok {
				continue
			}
			go func() {
				select {
				case addr := <-sm.Ready():
					fmt.Fprintf(out, "Proxy listening on %s. Browse to %s when done.\n", addr, terminateURL)
				case <-ctx.Done():
				}
			}()
			return
		}
	}
}
