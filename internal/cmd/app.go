package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dimpart/tarsier"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/dimpart/tarsier/fcm"
	"github.com/dimpart/tarsier/internal/config"
	"github.com/dimpart/tarsier/internal/sinks"
	"github.com/prometheus/client_golang/prometheus"
)

var errNoHub = errors.New("session.hub_url is not configured (set TARSIER_HUB_URL or use --dry-run)")

// app is the wired push center used by the commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	push    *fcm.Client
	state   *sinks.StateFile
	center  *c2dm.Center
	session *tarsier.SessionChannel
	sender  c2dm.CommandSender
}

type appOptions struct {
	// dryRun prints token reports to dryRunOut instead of sending them.
	dryRun    bool
	dryRunOut io.Writer
	registry  prometheus.Registerer
	fcmOpts   []fcm.Option
}

// newApp builds the push center from c. The session channel is created but
// not started; see start.
func newApp(c config.Config, logger *slog.Logger, o appOptions) *app {
	a := &app{cfg: c, logger: logger}

	fcmOpts := append([]fcm.Option{
		fcm.WithLogger(logger),
		fcm.WithApp(c.FCMApp()),
		fcm.WithDevice(c.AndroidDevice()),
	}, o.fcmOpts...)
	a.push = fcm.NewClient(c.SessionDir, fcmOpts...)
	a.state = sinks.NewStateFile(c.SessionDir, logger)

	switch {
	case o.dryRun:
		a.sender = &printSender{out: o.dryRunOut}
	case c.Session.HubURL != "":
		a.session = tarsier.NewSessionChannel(c.Session.HubURL,
			tarsier.WithSessionLogger(logger),
			tarsier.WithAccessToken(c.Session.AccessToken),
		)
		a.sender = a.session
	default:
		a.sender = unconfiguredSender{}
	}

	centerOpts := []c2dm.Option{
		c2dm.WithLogger(logger),
		c2dm.WithBadgeSink(a.state),
		c2dm.WithNotificationSink(a.state),
		c2dm.WithReceiver(c.Receiver),
		c2dm.WithTopic(c.ReportTopic()),
	}
	if o.registry != nil {
		centerOpts = append(centerOpts, c2dm.WithMetrics(c2dm.NewMetrics(o.registry)))
	}
	device := deviceProvider{device: c.AndroidDevice(), platform: c.Platform, channel: c.Channel}
	a.center = c2dm.NewCenter(a.push, a.sender, device, centerOpts...)
	return a
}

// start connects the session channel, if there is one.
func (a *app) start(ctx context.Context) error {
	if a.session == nil {
		return nil
	}
	if err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("connecting session: %w", err)
	}
	return nil
}

// stop disconnects the session channel.
func (a *app) stop() {
	if a.session != nil {
		a.session.Stop()
	}
}

// reportTokenChanges reports every token the push client issues in place of
// an earlier one. done, if set, sees each report result.
func (a *app) reportTokenChanges(ctx context.Context, done func(c2dm.ReportResult)) {
	a.push.OnNewToken(func(token string) {
		res := a.center.HandleNewToken(ctx, token)
		if done != nil {
			done(res)
		}
	})
}

// deliver reconciles one inbound push message with the badge and posts it
// to the tray only when it was accepted.
func (a *app) deliver(msg tarsier.PushMessage) c2dm.BadgeResult {
	res := a.center.HandleIncoming(msg)
	if !res.Applied {
		return res
	}
	if err := a.state.Post(msg); err != nil {
		a.logger.Error("Failed to post notification", "error", err)
	}
	return res
}

// deviceProvider reports the Android identity under the configured platform
// and channel names.
type deviceProvider struct {
	device   fcm.AndroidDeviceInfo
	platform string
	channel  string
}

func (p deviceProvider) DeviceInfo() tarsier.DeviceInfo {
	info := p.device.DeviceInfo()
	if p.platform != "" {
		info.Platform = p.platform
	}
	if p.channel != "" {
		info.Channel = p.channel
	}
	return info
}

// printSender writes commands as YAML documents instead of sending them.
type printSender struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *printSender) SendCommand(ctx context.Context, cmd tarsier.Command, receiver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, "---")
	yamlTo(s.out, map[string]any{"receiver": receiver, "command": map[string]any(cmd)})
	return nil
}

type unconfiguredSender struct{}

func (unconfiguredSender) SendCommand(context.Context, tarsier.Command, string) error {
	return errNoHub
}
