package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dimpart/tarsier/internal/sinks"
	"github.com/spf13/cobra"
)

var badgeCmd = &cobra.Command{
	Use:   "badge",
	Short: "Show the badge count and pending notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := sinks.NewStateFile(cfg.SessionDir, slog.Default()).Load()
		if err != nil {
			return err
		}
		if useYAML {
			yamlOut(st)
			return nil
		}
		printBadgeState(st)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(badgeCmd)
}

func printBadgeState(st sinks.State) {
	if st.Badge == nil {
		fmt.Println("Badge: none")
	} else {
		fmt.Printf("Badge: %d\n", *st.Badge)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Printf("Updated: %s\n", st.UpdatedAt.Local().Format(time.DateTime))
	}
	if len(st.Pending) == 0 {
		fmt.Println("No pending notifications.")
		return
	}
	fmt.Println()
	printTable("%-20s %-24s %s", 80, "RECEIVED", "TITLE", "BODY")
	for _, n := range st.Pending {
		fmt.Printf("%-20s %-24s %s\n", n.ReceivedAt.Local().Format(time.DateTime), truncate(n.Title, 24), n.Body)
	}
}
