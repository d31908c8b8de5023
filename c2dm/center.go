package c2dm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dimpart/tarsier"
)

const (
	// DefaultReceiver is the logical address of the push registration bot.
	DefaultReceiver = "c2dm@anywhere"

	// OfflineChannelID is the notification channel for offline messages.
	OfflineChannelID          = "offline_messages"
	offlineChannelName        = "Offline Messages"
	offlineChannelDescription = "Offline messages"
)

// PushTransport is the cloud messaging connector.
type PushTransport interface {
	// Initialize prepares the connector; it must tolerate being already
	// initialised.
	Initialize(ctx context.Context) error
	// Token returns the current push token, fetching one if needed.
	Token(ctx context.Context) (string, error)
}

// BadgeSink controls the badge shown on the app icon.
type BadgeSink interface {
	ApplyCount(n int) error
	RemoveCount() error
}

// NotificationSink controls the notification tray.
type NotificationSink interface {
	ClearAll() error
}

// ChannelPreparer is implemented by notification sinks that need a channel
// created before notifications can be shown.
type ChannelPreparer interface {
	PrepareChannel(id, name, description string) error
}

// Option configures Center.
type Option func(*Center)

// WithLogger sets a custom logger for Center.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Center) {
		c.logger = logger
	}
}

// WithBadgeSink sets the badge display sink.
func WithBadgeSink(sink BadgeSink) Option {
	return func(c *Center) {
		c.badgeSink = sink
	}
}

// WithNotificationSink sets the notification tray sink.
func WithNotificationSink(sink NotificationSink) Option {
	return func(c *Center) {
		c.notificationSink = sink
	}
}

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Center) {
		c.metrics = m
	}
}

// WithReceiver overrides the receiver of token reports.
func WithReceiver(receiver string) Option {
	return func(c *Center) {
		c.receiver = receiver
	}
}

// WithTopic sets the topic carried by token reports.
func WithTopic(topic string) Option {
	return func(c *Center) {
		c.topic = topic
	}
}

// Status is a snapshot of the center's state.
type Status struct {
	Registered        bool       `json:"registered" yaml:"registered"`
	LastReportedToken string     `json:"last_reported_token,omitempty" yaml:"last_reported_token,omitempty"`
	Badge             BadgeState `json:"badge" yaml:"badge"`
}

// Center wires registration, token reporting and badge reconciliation to the
// platform collaborators.
type Center struct {
	transport        PushTransport
	badgeSink        BadgeSink
	notificationSink NotificationSink
	logger           *slog.Logger
	metrics          *Metrics
	receiver         string
	topic            string

	gate     RegistrationGate
	reporter *TokenReporter
	badge    BadgeReconciler
}

// NewCenter creates a Center. Missing sinks default to no-ops.
func NewCenter(transport PushTransport, sender CommandSender, device DeviceInfoProvider, opts ...Option) *Center {
	c := &Center{
		transport: transport,
		logger:    slog.Default(),
		receiver:  DefaultReceiver,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.badgeSink == nil {
		c.badgeSink = noopSink{}
	}
	if c.notificationSink == nil {
		c.notificationSink = noopSink{}
	}
	c.reporter = NewTokenReporter(sender, device, c.receiver, c.topic)
	return c
}

// Status returns a snapshot of the registration, token and badge state.
func (c *Center) Status() Status {
	return Status{
		Registered:        c.gate.Registered(),
		LastReportedToken: c.reporter.LastReported(),
		Badge:             c.badge.State(),
	}
}

// Register initialises the push transport and reports the device token, once
// per process. Failures are logged and returned in the outcome; they are not
// retried.
func (c *Center) Register(ctx context.Context) RegistrationOutcome {
	outcome := c.gate.Attempt(ctx, c.initialize, c.reportDeviceToken)
	switch outcome.Status {
	case StatusRegistered:
		c.logger.Info("Push registration complete")
	case StatusAlreadyDone:
		c.logger.Warn("No need to register again")
	case StatusFailed:
		c.logger.Error("Push registration failed", "error", outcome.Err)
	}
	c.metrics.observeRegistration(outcome.Status)
	return outcome
}

// RegisterAsync runs Register on a new goroutine. The channel yields the
// outcome once and is then closed; callers may ignore it.
func (c *Center) RegisterAsync(ctx context.Context) <-chan RegistrationOutcome {
	ch := make(chan RegistrationOutcome, 1)
	go func() {
		defer close(ch)
		ch <- c.Register(ctx)
	}()
	return ch
}

func (c *Center) initialize(ctx context.Context) error {
	c.logger.Info("Initializing push transport")
	if err := c.transport.Initialize(ctx); err != nil {
		return err
	}
	if p, ok := c.notificationSink.(ChannelPreparer); ok {
		if err := p.PrepareChannel(OfflineChannelID, offlineChannelName, offlineChannelDescription); err != nil {
			c.logger.Warn("Failed to prepare notification channel", "channel", OfflineChannelID, "error", err)
		}
	}
	return nil
}

func (c *Center) reportDeviceToken(ctx context.Context) error {
	c.logger.Info("Reporting device token")
	token, err := c.transport.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}
	res := c.reportToken(ctx, token)
	if res.Status == ReportFailed {
		return res.Err
	}
	return nil
}

// HandleNewToken reports a token delivered by a token-change event.
func (c *Center) HandleNewToken(ctx context.Context, token string) ReportResult {
	c.logger.Debug("New push token", "token_prefix", truncate(token, 20))
	return c.reportToken(ctx, token)
}

func (c *Center) reportToken(ctx context.Context, token string) ReportResult {
	res := c.reporter.ReportToken(ctx, token)
	switch res.Status {
	case ReportSent:
		c.logger.Info("Reported device token", "receiver", c.receiver, "sn", res.Command.SN(), "token_prefix", truncate(token, 20))
	case ReportSkipped:
		c.logger.Info("Token report skipped", "reason", res.Reason, "token_prefix", truncate(token, 20))
	case ReportFailed:
		c.logger.Error("Failed to report device token", "receiver", c.receiver, "error", res.Err)
	}
	c.metrics.observeReport(res.Status)
	return res
}

// HandleIncoming reconciles the badge with an inbound push message and
// updates the badge display when the message is accepted.
func (c *Center) HandleIncoming(msg tarsier.PushMessage) BadgeResult {
	ev, err := EventFromMessage(msg)
	if err != nil {
		res := BadgeResult{Reason: ReasonInvalidTime, Err: err}
		c.logger.Warn("Ignore message", "reason", res.Reason, "error", err, "message", msg.String())
		c.metrics.observeBadge(res)
		return res
	}

	res := c.badge.reconcile(ev, c.applyCount)
	switch {
	case res.Applied && ev.EventTime == nil:
		c.logger.Warn("Abnormal message without time", "count", res.Count, "message", msg.String())
	case res.Applied:
		c.logger.Info("Updated message time", "time", ev.EventTime.UTC(), "count", res.Count)
	case errors.Is(res.Err, ErrStaleEvent):
		c.logger.Warn("Ignore expired message", "error", res.Err, "message", msg.String())
	default:
		c.logger.Warn("Ignore message", "reason", res.Reason, "message", msg.String())
	}
	c.metrics.observeBadge(res)
	return res
}

func (c *Center) applyCount(n int) {
	c.logger.Info("Apply badge count", "count", n)
	if err := c.badgeSink.ApplyCount(n); err != nil {
		c.logger.Error("Failed to apply badge count", "count", n, "error", err)
	}
	c.metrics.setBadgeCount(n)
}

// Cleanup clears all notifications and the badge. It is safe to call any
// number of times; failures are logged and returned joined.
func (c *Center) Cleanup() error {
	c.logger.Info("Clearing all notifications")
	errTray := c.notificationSink.ClearAll()
	if errTray != nil {
		c.logger.Error("Failed to clear notifications", "error", errTray)
	}

	var errBadge error
	c.badge.clear(func() {
		c.logger.Info("Clearing badge count")
		errBadge = c.badgeSink.RemoveCount()
		c.metrics.setBadgeCount(0)
	})
	if errBadge != nil {
		c.logger.Error("Failed to clear badge count", "error", errBadge)
	}
	return errors.Join(errTray, errBadge)
}

type noopSink struct{}

func (noopSink) ApplyCount(int) error { return nil }
func (noopSink) RemoveCount() error   { return nil }
func (noopSink) ClearAll() error      { return nil }

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
