package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clear all notifications and the badge",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(cfg, slog.Default(), appOptions{})
		if err := a.center.Cleanup(); err != nil {
			return err
		}
		if useYAML {
			yamlOut(map[string]any{"cleared": true, "state_file": a.state.Path()})
		} else {
			fmt.Println("Cleared notifications and badge.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
