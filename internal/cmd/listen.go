package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/dimpart/tarsier/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Register, then receive push messages and keep the badge in sync (Ctrl+C to stop)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		metricsAddr := cfg.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		logger := slog.Default()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a := newApp(cfg, logger, appOptions{dryRun: dryRun, dryRunOut: os.Stderr, registry: reg})

		a.push.OnMessage(func(msg tarsier.PushMessage) {
			printIncoming(msg, a.deliver(msg))
		})
		a.reportTokenChanges(ctx, func(res c2dm.ReportResult) {
			fmt.Fprintf(os.Stderr, "Push token changed, report %s.\n", res.Status)
		})
		a.push.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "MCS connected.")
		})
		a.push.OnDisconnected(func() {
			fmt.Fprintln(os.Stderr, "MCS disconnected.")
		})

		if err := a.start(ctx); err != nil {
			return err
		}
		defer a.stop()

		outcome := a.center.Register(ctx)
		if outcome.Status == c2dm.StatusFailed {
			if a.push.CurrentToken() == "" {
				return outcome.Err
			}
			fmt.Fprintf(os.Stderr, "Token report failed, listening anyway: %v\n", outcome.Err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return listenLoop(gctx, a.push, cfg.Reconnect, logger)
		})
		if metricsAddr != "" {
			g.Go(func() error {
				return serveMetrics(gctx, metricsAddr, reg, logger)
			})
		}

		fmt.Fprintln(os.Stderr, "Listening for push messages (Ctrl+C to stop) ...")
		err := g.Wait()
		fmt.Fprintln(os.Stderr, "\nShutting down ...")
		return err
	},
}

func init() {
	listenCmd.Flags().Bool("dry-run", false, "Print token reports to stderr instead of sending them")
	listenCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	rootCmd.AddCommand(listenCmd)
}

// pushListener holds one MCS connection open until it drops or ctx ends.
type pushListener interface {
	Listen(ctx context.Context) error
}

// listenLoop keeps l connected until ctx is done, waiting between attempts
// with exponential backoff. A connection that stayed up for at least
// rc.MaxInterval resets the backoff.
func listenLoop(ctx context.Context, l pushListener, rc config.Reconnect, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := l.Listen(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		if time.Since(started) >= rc.MaxInterval {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("MCS connection lost, reconnecting", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveMetrics serves the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// printIncoming prints one received push message and the badge decision.
func printIncoming(msg tarsier.PushMessage, res c2dm.BadgeResult) {
	if useYAML {
		row := map[string]any{
			"event": "push",
			"badge": badgeRow(res),
		}
		if msg.MessageID != "" {
			row["message_id"] = msg.MessageID
		}
		if msg.From != "" {
			row["from"] = msg.From
		}
		if n := msg.Notification; n != nil {
			row["title"] = n.Title
			row["body"] = n.Body
		}
		if len(msg.Data) > 0 {
			row["data"] = msg.Data
		}
		fmt.Println("---")
		yamlOut(row)
		return
	}

	label := msg.MessageID
	if label == "" {
		label = "-"
	}
	if n := msg.Notification; n != nil && n.Title != "" {
		fmt.Printf(">> PUSH [%s] %s: %s  badge=%s\n", label, n.Title, n.Body, res)
	} else {
		fmt.Printf(">> PUSH [%s] data=%v  badge=%s\n", label, msg.Data, res)
	}
}
