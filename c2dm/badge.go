package c2dm

import (
	"fmt"
	"sync"
	"time"
)

// NotificationEvent is the badge-relevant part of one inbound push message.
type NotificationEvent struct {
	// EventTime is when the sender generated the message; nil when the
	// payload carried no usable time.
	EventTime *time.Time
	// Count is the requested badge count; negative means unresolved.
	Count int
}

// BadgeState is the reconciled badge state.
type BadgeState struct {
	LastAppliedTime *time.Time `json:"last_applied_time,omitempty" yaml:"last_applied_time,omitempty"`
	CurrentCount    int        `json:"current_count" yaml:"current_count"`
}

// BadgeResult reports what Reconcile decided.
type BadgeResult struct {
	Applied bool
	// Count is the applied badge count.
	Count int
	// Reason is ReasonInvalidCount or ReasonExpired for rejected events.
	Reason string
	// Err wraps ErrInvalidPayload or ErrStaleEvent for rejected events.
	Err error
}

func (r BadgeResult) String() string {
	if r.Applied {
		return fmt.Sprintf("applied(%d)", r.Count)
	}
	return fmt.Sprintf("rejected(%s)", r.Reason)
}

// BadgeReconciler decides the badge count from notification events, keeping
// event times monotonic. The zero value is ready to use.
type BadgeReconciler struct {
	mu           sync.Mutex
	lastApplied  time.Time
	hasLast      bool
	currentCount int
}

// State returns a snapshot of the badge state.
func (r *BadgeReconciler) State() BadgeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := BadgeState{CurrentCount: r.currentCount}
	if r.hasLast {
		t := r.lastApplied
		st.LastAppliedTime = &t
	}
	return st
}

// Clear zeroes the current count after the badge was removed. The last
// applied time is kept so older events stay rejected.
func (r *BadgeReconciler) Clear() {
	r.clear(nil)
}

// clear is Clear with the badge removal run under the lock, so no reconcile
// can apply a count between the removal and the reset.
func (r *BadgeReconciler) clear(remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if remove != nil {
		remove()
	}
	r.currentCount = 0
}

// Reconcile applies ev to the badge state:
//   - a negative count is rejected;
//   - an event without time is always applied and leaves the last time alone;
//   - an event strictly newer than the last applied one is applied;
//   - anything else is rejected as expired.
func (r *BadgeReconciler) Reconcile(ev NotificationEvent) BadgeResult {
	return r.reconcile(ev, nil)
}

// reconcile is Reconcile with a side effect run under the lock on accept, so
// that side effects happen in acceptance order.
func (r *BadgeReconciler) reconcile(ev NotificationEvent, apply func(count int)) BadgeResult {
	if ev.Count < 0 {
		return BadgeResult{
			Reason: ReasonInvalidCount,
			Err:    fmt.Errorf("%w: %s %d", ErrInvalidPayload, ReasonInvalidCount, ev.Count),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.EventTime == nil:
		// Unordered events cannot be compared, so they are surfaced.
	case !r.hasLast || ev.EventTime.After(r.lastApplied):
		r.lastApplied = *ev.EventTime
		r.hasLast = true
	default:
		return BadgeResult{
			Reason: ReasonExpired,
			Err: fmt.Errorf("%w: event time %s not after %s", ErrStaleEvent,
				ev.EventTime.UTC().Format(time.RFC3339Nano), r.lastApplied.UTC().Format(time.RFC3339Nano)),
		}
	}

	r.currentCount = ev.Count
	if apply != nil {
		apply(ev.Count)
	}
	return BadgeResult{Applied: true, Count: ev.Count}
}
