package tarsier

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Content types
// ---------------------------------------------------------------------------

// ContentType flags what kind of message content a message carries.
//
// Bits:
//
//	0000 0001 - contains plaintext you can read
//	0000 0010 - a message you can see
//	0000 0100 - a message you can hear
//	0000 1000 - a message for a bot, not for a human
//	0001 0000 - main part is somewhere else
//	0010 0000 - contains third-party content
//	0100 0000 - contains digital assets
//	1000 0000 - sent by the system, not a human
type ContentType uint8

const (
	ContentAny  ContentType = 0x00
	ContentText ContentType = 0x01

	ContentFile  ContentType = 0x10
	ContentImage ContentType = 0x12
	ContentAudio ContentType = 0x14
	ContentVideo ContentType = 0x16

	ContentPage     ContentType = 0x20
	ContentNameCard ContentType = 0x33
	ContentQuote    ContentType = 0x37

	ContentMoney        ContentType = 0x40
	ContentTransfer     ContentType = 0x41
	ContentLuckyMoney   ContentType = 0x42
	ContentClaimPayment ContentType = 0x48
	ContentSplitBill    ContentType = 0x49

	ContentCommand ContentType = 0x88
	ContentHistory ContentType = 0x89

	ContentApplication    ContentType = 0xA0
	ContentArray          ContentType = 0xCA
	ContentCustomized     ContentType = 0xCC
	ContentCombineForward ContentType = 0xCF

	ContentForward ContentType = 0xFF
)

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

const (
	// CommandReport is the command name of a report command.
	CommandReport = "report"

	// ReportC2DM is the title of a push token report.
	ReportC2DM = "c2dm"
)

// Command is a command message content. Field names are the wire contract
// with the backend, so it stays a plain map.
type Command map[string]any

// NewReportCommand creates a report command:
//
//	{
//	    type    : 0x88,
//	    sn      : 123,
//	    time    : 1234567890.123,
//	    command : "report",
//	    title   : "c2dm",    // or "online", "offline"
//	}
func NewReportCommand(title string, sn int64, now time.Time) Command {
	return Command{
		"type":    int(ContentCommand),
		"sn":      sn,
		"time":    float64(now.UnixMilli()) / 1000.0,
		"command": CommandReport,
		"title":   title,
	}
}

// Name returns the command name, or "" if absent.
func (c Command) Name() string {
	s, _ := c["command"].(string)
	return s
}

// Title returns the command title, or "" if absent.
func (c Command) Title() string {
	s, _ := c["title"].(string)
	return s
}

// SN returns the serial number of the command.
func (c Command) SN() int64 {
	switch v := c["sn"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// SetDevice copies device metadata into the command.
func (c Command) SetDevice(info DeviceInfo) {
	c["platform"] = info.Platform
	c["channel"] = info.Channel
	c["system_version"] = info.SystemVersion
	c["sdk_version"] = info.SDKVersion
	c["manufacturer"] = info.Manufacturer
	c["brand"] = info.Brand
	c["model"] = info.Model
	c["device"] = info.Device
	c["product"] = info.Product
	c["hardware"] = info.Hardware
}

// SerialNumbers hands out strictly increasing command serial numbers based on
// the millisecond wall clock.
type SerialNumbers struct {
	mu   sync.Mutex
	last int64
}

// Next returns a serial number greater than every one returned before.
func (s *SerialNumbers) Next(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := now.UnixMilli()
	if sn <= s.last {
		sn = s.last + 1
	}
	s.last = sn
	return sn
}

// ---------------------------------------------------------------------------
// Device metadata
// ---------------------------------------------------------------------------

// DeviceInfo is the device metadata reported alongside a push token.
type DeviceInfo struct {
	Platform      string `json:"platform" yaml:"platform"`
	Channel       string `json:"channel" yaml:"channel"`
	SystemVersion string `json:"system_version" yaml:"system_version"`
	SDKVersion    int    `json:"sdk_version" yaml:"sdk_version"`
	Manufacturer  string `json:"manufacturer" yaml:"manufacturer"`
	Brand         string `json:"brand" yaml:"brand"`
	Model         string `json:"model" yaml:"model"`
	Device        string `json:"device" yaml:"device"`
	Product       string `json:"product" yaml:"product"`
	Hardware      string `json:"hardware" yaml:"hardware"`
}

// ---------------------------------------------------------------------------
// Push messages
// ---------------------------------------------------------------------------

// Notification is the display part of a push message.
type Notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	// Count is the notification count requested by the sender, if any.
	Count *int `json:"count,omitempty"`
}

// PushMessage is an inbound push message as delivered by the push transport.
type PushMessage struct {
	MessageID    string            `json:"message_id,omitempty"`
	From         string            `json:"from,omitempty"`
	SentTime     time.Time         `json:"sent_time,omitzero"`
	Data         map[string]string `json:"data,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}

// String returns a compact description for logging.
func (m PushMessage) String() string {
	id := m.MessageID
	if id == "" {
		id = "-"
	}
	s := fmt.Sprintf("push{id=%s data=%v", id, m.Data)
	if m.Notification != nil {
		count := "nil"
		if m.Notification.Count != nil {
			count = strconv.Itoa(*m.Notification.Count)
		}
		s += fmt.Sprintf(" title=%q count=%s", m.Notification.Title, count)
	}
	return s + "}"
}
