package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/internal/config"
	"github.com/xkilldash9x/scalpel-capture/internal/orchestrator"
)

// newPluginsCmd creates the `plugins` command.
func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Lists the available plugins and their options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return listPlugins(cmd.OutOrStdout(), cfg)
		},
	}
}

func listPlugins(out io.Writer, cfg config.Interface) error {
	registry := orchestrator.Builtin()
	// Options from the config are not applied so the defaults are shown.
	plugins, err := registry.Build(registry.Names(), nil, orchestrator.Deps{
		Logger: zap.NewNop(),
		Dedup:  cfg.Dedup(),
	})
	if err != nil {
		return err
	}

	enabled := make(map[string]bool)
	for _, name := range cfg.Plugins().Enabled() {
		enabled[name] = true
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range plugins {
		mark := " "
		if enabled[p.Name()] {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\n", mark, p.Name(), p.Kind(), p.Description())
		if deps := p.Dependencies(); len(deps) > 0 {
			fmt.Fprintf(tw, "    depends on\t%s\t\n", strings.Join(deps, ", "))
		}
		for _, opt := range p.Options() {
			fmt.Fprintf(tw, "    %s\t%s = %q\t%s\n", opt.Name, opt.Type, opt.Value, opt.Description)
		}
	}
	return tw.Flush()
}
