package cmd

import (
	"log/slog"
	"os"

	"github.com/dimpart/tarsier/internal/mcpserver"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP (Model Context Protocol) server on stdio",
	Long: `Start an MCP server that exposes push registration, token reporting and
badge reconciliation as tools, and the push status as a resource.

The server communicates via JSON-RPC over stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		a := newApp(cfg, logger, appOptions{dryRun: dryRun, dryRunOut: os.Stderr})
		ctx := cmd.Context()
		if err := a.start(ctx); err != nil {
			return err
		}
		defer a.stop()

		s := mcpserver.New(a.center, rootCmd.Version, logger, mcpserver.WithDeliver(a.deliver))
		return s.Run(ctx)
	},
}

func init() {
	mcpCmd.Flags().Bool("dry-run", false, "Print token reports to stderr instead of sending them")
	rootCmd.AddCommand(mcpCmd)
}
