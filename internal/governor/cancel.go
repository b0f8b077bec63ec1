package governor

import (
	"sync"
	"sync/atomic"
)

// CancelFlag is a shared, thread-safe cancellation signal. Setting it never
// interrupts work in flight; the governor observes it at the next Check.
type CancelFlag struct {
	parent    *CancelFlag
	cancelled atomic.Bool

	mu     sync.Mutex
	reason string
}

// NewCancelFlag creates an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

// Cancel sets the flag. The first reason wins.
func (f *CancelFlag) Cancel(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled.Load() {
		return
	}
	if reason == "" {
		reason = "cancelled by caller"
	}
	f.reason = reason
	f.cancelled.Store(true)
}

// Cancelled reports whether this flag or any ancestor is set.
func (f *CancelFlag) Cancelled() bool {
	for c := f; c != nil; c = c.parent {
		if c.cancelled.Load() {
			return true
		}
	}
	return false
}

// Reason returns the reason of the nearest set flag, walking up to ancestors.
func (f *CancelFlag) Reason() string {
	for c := f; c != nil; c = c.parent {
		if c.cancelled.Load() {
			c.mu.Lock()
			r := c.reason
			c.mu.Unlock()
			return r
		}
	}
	return ""
}

// Child returns a flag that observes f. Cancelling the child does not cancel f.
func (f *CancelFlag) Child() *CancelFlag {
	return &CancelFlag{parent: f}
}
