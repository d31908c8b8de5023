package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dimpart/tarsier/c2dm"
	"github.com/spf13/cobra"
)

var fcmRegisterCmd = &cobra.Command{
	Use:   "fcm-register",
	Short: "Register for FCM push notifications (debug helper)",
	Long:  "Performs only the FCM registration step, useful for debugging push notification issues. Does not contact the messaging backend unless --report is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		report, _ := cmd.Flags().GetBool("report")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a := newApp(cfg, slog.Default(), appOptions{})
		if report {
			if err := a.start(ctx); err != nil {
				return err
			}
			defer a.stop()
		}

		fmt.Fprintln(os.Stderr, "Registering with FCM...")
		reg, err := registerPush(ctx, a, force, report)
		if err != nil {
			return err
		}

		if useYAML {
			row := map[string]any{"fcm_token": reg.token}
			if reg.report != nil {
				row["report"] = reg.report.Status.String()
				row["token_changed"] = reg.changed
			}
			yamlOut(row)
		} else {
			fmt.Printf("FCM token: %s\n", reg.token)
			if reg.report != nil {
				fmt.Fprintf(os.Stderr, "Token report %s.\n", reg.report.Status)
			}
		}
		if reg.report != nil && reg.report.Status == c2dm.ReportFailed {
			return reg.report.Err
		}
		return nil
	},
}

func init() {
	fcmRegisterCmd.Flags().Bool("force", false, "Discard saved credentials and request a new token")
	fcmRegisterCmd.Flags().Bool("report", false, "Also report the token to the backend (requires session.hub_url)")
	rootCmd.AddCommand(fcmRegisterCmd)
}

// pushRegistration is what registerPush did.
type pushRegistration struct {
	token string
	// report is set when reporting was requested.
	report *c2dm.ReportResult
	// changed is true when the report came from a token-change event.
	changed bool
}

// registerPush registers with FCM, first discarding the saved token when
// force is set. With report, a replaced token reaches the backend through
// the token-change event; a first registration is reported directly.
func registerPush(ctx context.Context, a *app, force, report bool) (pushRegistration, error) {
	var reg pushRegistration
	if report {
		a.reportTokenChanges(ctx, func(res c2dm.ReportResult) {
			reg.report = &res
			reg.changed = true
		})
	}
	if force {
		if err := a.push.Reset(); err != nil {
			return reg, err
		}
	}
	if err := a.push.Initialize(ctx); err != nil {
		return reg, err
	}
	token, err := a.push.Register(ctx)
	if err != nil {
		return reg, fmt.Errorf("FCM registration failed: %w", err)
	}
	reg.token = token

	if report && reg.report == nil {
		res := a.center.HandleNewToken(ctx, token)
		reg.report = &res
	}
	return reg, nil
}
