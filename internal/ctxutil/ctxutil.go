// Package ctxutil holds context helpers shared by the capture stages.
package ctxutil

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also canceled
// when secondary is done. Values come from primary only, which matters for
// chromedp: the tab context carries the CDP target, the other one the deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext keeps the parent's values but drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context that inherits values from ctx but is not canceled when ctx is.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// DefaultCleanupTimeout bounds restoration work that runs after the caller's context ended.
const DefaultCleanupTimeout = 5 * time.Second

// ForCleanup detaches ctx and bounds it with timeout. Restoration of page state
// (scroll position, hidden elements, overlays) must run even when the capture
// was canceled.
func ForCleanup(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return context.WithTimeout(Detach(ctx), timeout)
}
