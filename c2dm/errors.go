package c2dm

import "errors"

var (
	// ErrInvalidPayload marks a push message with missing or malformed fields.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrStaleEvent marks a notification not newer than the last applied one.
	ErrStaleEvent = errors.New("stale event")

	// ErrTransportFailure marks a failed token fetch, init or command send.
	ErrTransportFailure = errors.New("transport failure")

	// ErrAlreadyRegistered is informational: registration already ran in
	// this process.
	ErrAlreadyRegistered = errors.New("already registered")
)

// Reasons carried by skipped reports and rejected badge events.
const (
	ReasonNotFound     = "not found"
	ReasonUnchanged    = "unchanged"
	ReasonInvalidCount = "invalid count"
	ReasonInvalidTime  = "invalid time"
	ReasonExpired      = "expired"
)
