package c2dm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimpart/tarsier"
)

// CommandSender hands a command to the backend session for a logical receiver.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd tarsier.Command, receiver string) error
}

// DeviceInfoProvider supplies the device metadata sent with a token report.
type DeviceInfoProvider interface {
	DeviceInfo() tarsier.DeviceInfo
}

// ReportStatus is the outcome kind of a token report.
type ReportStatus int

const (
	ReportSent ReportStatus = iota + 1
	ReportSkipped
	ReportFailed
)

func (s ReportStatus) String() string {
	switch s {
	case ReportSent:
		return "sent"
	case ReportSkipped:
		return "skipped"
	case ReportFailed:
		return "failed"
	}
	return fmt.Sprintf("ReportStatus(%d)", int(s))
}

// ReportResult reports what ReportToken did.
type ReportResult struct {
	Status ReportStatus
	// Reason is ReasonNotFound or ReasonUnchanged for skipped reports.
	Reason string
	// Err wraps ErrTransportFailure for failed reports.
	Err error
	// Command is the command handed to the sender, if one was built.
	Command tarsier.Command
}

// TokenReporter reports the device push token to the backend, suppressing
// reports of a token that was already delivered.
type TokenReporter struct {
	sender   CommandSender
	device   DeviceInfoProvider
	receiver string
	topic    string
	title    string

	now func() time.Time
	sn  tarsier.SerialNumbers

	mu           sync.Mutex
	lastReported string
}

// NewTokenReporter creates a reporter that addresses receiver and tags
// reports with topic (usually the application package).
func NewTokenReporter(sender CommandSender, device DeviceInfoProvider, receiver, topic string) *TokenReporter {
	return &TokenReporter{
		sender:   sender,
		device:   device,
		receiver: receiver,
		topic:    topic,
		title:    tarsier.ReportC2DM,
		now:      time.Now,
	}
}

// LastReported returns the last successfully reported token ("" if none).
func (r *TokenReporter) LastReported() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReported
}

// ReportToken sends a report for token unless it is empty or equal to the
// last reported one. The compare, send and update run under one lock so two
// concurrent reports of the same token send once. A failed send leaves the
// last reported token untouched.
func (r *TokenReporter) ReportToken(ctx context.Context, token string) ReportResult {
	if token == "" {
		return ReportResult{Status: ReportSkipped, Reason: ReasonNotFound}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if token == r.lastReported {
		return ReportResult{Status: ReportSkipped, Reason: ReasonUnchanged}
	}

	cmd := r.buildCommand(token)
	if err := r.sender.SendCommand(ctx, cmd, r.receiver); err != nil {
		return ReportResult{
			Status:  ReportFailed,
			Reason:  err.Error(),
			Err:     fmt.Errorf("%w: send report: %w", ErrTransportFailure, err),
			Command: cmd,
		}
	}

	r.lastReported = token
	return ReportResult{Status: ReportSent, Command: cmd}
}

func (r *TokenReporter) buildCommand(token string) tarsier.Command {
	now := r.now()
	cmd := tarsier.NewReportCommand(r.title, r.sn.Next(now), now)
	if r.device != nil {
		cmd.SetDevice(r.device.DeviceInfo())
	}
	cmd["token"] = token
	cmd["topic"] = r.topic
	return cmd
}
