package c2dm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dimpart/tarsier"
)

// Data keys read from push payloads.
const (
	DataKeyTime       = "time"
	DataKeyBadgeCount = "badge_count"
	DataKeyBadge      = "badge"
)

// EventFromMessage extracts the notification event from a push message.
//
// The count comes from the notification count when present and
// non-negative, then from the "badge_count" data field, then "badge"; an
// absent or non-numeric value resolves to -1. The event time comes from the
// "time" data field, in seconds since the epoch or RFC 3339. A time that is
// present but unparsable is an error wrapping ErrInvalidPayload.
func EventFromMessage(msg tarsier.PushMessage) (NotificationEvent, error) {
	ev := NotificationEvent{Count: countFromMessage(msg)}

	raw, ok := msg.Data[DataKeyTime]
	if !ok || strings.TrimSpace(raw) == "" {
		return ev, nil
	}
	t, err := ParseEventTime(raw)
	if err != nil {
		return ev, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	ev.EventTime = &t
	return ev, nil
}

func countFromMessage(msg tarsier.PushMessage) int {
	if n := msg.Notification; n != nil && n.Count != nil && *n.Count >= 0 {
		return *n.Count
	}
	value, ok := msg.Data[DataKeyBadgeCount]
	if !ok {
		value, ok = msg.Data[DataKeyBadge]
	}
	if !ok {
		return -1
	}
	return parseCount(value)
}

// parseCount converts a data value to a count, -1 if it is not a number.
func parseCount(value string) int {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return -1
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return -1
	}
	return int(f)
}

// ParseEventTime parses a payload time: fractional seconds since the epoch,
// or an RFC 3339 timestamp.
func ParseEventTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		// float64(math.MaxInt64) rounds up to 2^63, so >= excludes it.
		if math.IsNaN(secs) || secs >= math.MaxInt64 || secs < math.MinInt64 {
			return time.Time{}, fmt.Errorf("invalid time %q", value)
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e9))), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", value)
	}
	return t, nil
}
