package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dimpart/tarsier/c2dm"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register for push and report the device token to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		a := newApp(cfg, slog.Default(), appOptions{dryRun: dryRun, dryRunOut: os.Stdout})

		ctx := cmd.Context()
		if err := a.start(ctx); err != nil {
			return err
		}
		defer a.stop()

		outcome := a.center.Register(ctx)
		status := a.center.Status()
		if useYAML {
			row := outcomeRow(outcome)
			row["last_reported_token"] = status.LastReportedToken
			yamlOut(row)
		} else {
			fmt.Printf("Registration: %s\n", outcome.Status)
			if status.LastReportedToken != "" {
				fmt.Printf("Reported token: %s...\n", truncate(status.LastReportedToken, 40))
			}
		}
		if outcome.Status == c2dm.StatusFailed {
			return outcome.Err
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().Bool("dry-run", false, "Print the token report instead of sending it")
	rootCmd.AddCommand(registerCmd)
}

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
