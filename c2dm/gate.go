package c2dm

import (
	"context"
	"fmt"
	"sync"
)

// RegistrationStatus is the outcome kind of a registration attempt.
type RegistrationStatus int

const (
	StatusRegistered RegistrationStatus = iota + 1
	StatusAlreadyDone
	StatusFailed
)

func (s RegistrationStatus) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusAlreadyDone:
		return "already_done"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("RegistrationStatus(%d)", int(s))
}

// RegistrationOutcome reports what a registration attempt did.
type RegistrationOutcome struct {
	Status RegistrationStatus
	// Err is set for StatusFailed (wrapping ErrTransportFailure) and for
	// StatusAlreadyDone (ErrAlreadyRegistered).
	Err error
}

// RegistrationGate runs the registration sequence at most once per process.
// The zero value is ready to use.
type RegistrationGate struct {
	mu         sync.Mutex
	registered bool
}

// Registered reports whether a registration attempt has started.
func (g *RegistrationGate) Registered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registered
}

// Attempt runs doInit then doReport if no attempt has been made before.
// Concurrent callers that lose the test-and-set get StatusAlreadyDone without
// running anything. A failed attempt still counts: the gate is never reset.
func (g *RegistrationGate) Attempt(ctx context.Context, doInit, doReport func(context.Context) error) RegistrationOutcome {
	g.mu.Lock()
	if g.registered {
		g.mu.Unlock()
		return RegistrationOutcome{Status: StatusAlreadyDone, Err: ErrAlreadyRegistered}
	}
	g.registered = true
	g.mu.Unlock()

	if err := doInit(ctx); err != nil {
		return RegistrationOutcome{Status: StatusFailed, Err: fmt.Errorf("%w: init: %w", ErrTransportFailure, err)}
	}
	if err := doReport(ctx); err != nil {
		return RegistrationOutcome{Status: StatusFailed, Err: fmt.Errorf("%w: report: %w", ErrTransportFailure, err)}
	}
	return RegistrationOutcome{Status: StatusRegistered}
}
