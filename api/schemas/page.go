package schemas

import (
	"context"
)

// -- Page Interfaces --
//
// A Page is one browser tab. Reads are geometry, computed style and scroll
// position; writes are limited to scroll position, scroll-behavior, visibility
// of fixed/sticky elements and a diagnostic overlay.

// Scroller reads and moves the scroll position.
type Scroller interface {
	Viewport(ctx context.Context) (Viewport, error)
	ScrollPosition(ctx context.Context) (ScrollPosition, error)
	ScrollTo(ctx context.Context, x, y int) error
	// ScrollBehavior returns the inline scroll-behavior of the root element ("" if unset).
	ScrollBehavior(ctx context.Context) (string, error)
	SetScrollBehavior(ctx context.Context, value string) error
}

// GeometrySource exposes the DOM size readings.
type GeometrySource interface {
	SizeSignals(ctx context.Context) (SizeSignals, error)
	// ElementExtent scans all elements, skipping fixed and sticky ones, and reports
	// the lowest and right-most document edge of any element with non-zero area.
	ElementExtent(ctx context.Context) (Extent, error)
}

// Expander forces dynamic content to load.
type Expander interface {
	// ClickVisible clicks every visible element matched by any matcher, in order,
	// and returns how many were clicked.
	ClickVisible(ctx context.Context, matchers []Matcher) (int, error)
	// DispatchLayoutEvents fires synthetic scroll and resize events.
	DispatchLayoutEvents(ctx context.Context) error
	// WaitForImages resolves when every <img> has finished loading, or returns ctx.Err().
	WaitForImages(ctx context.Context) error
}

// StyleController owns the temporary visual mutations made during a capture.
type StyleController interface {
	// HideFixedElements hides fixed/sticky elements (plus any matched by extra selectors)
	// and returns how many were hidden. Prior inline visibility is remembered.
	HideFixedElements(ctx context.Context, extra []Matcher) (int, error)
	RestoreHiddenElements(ctx context.Context) error
	AddDiagnosticOverlay(ctx context.Context) error
	RemoveDiagnosticOverlay(ctx context.Context) error
	// ResetStyles clears every other leftover style mutation from a previous run.
	ResetStyles(ctx context.Context) error
}

// Inspector answers one-off queries.
type Inspector interface {
	ElementRect(ctx context.Context, selector string) (Rect, error)
	Links(ctx context.Context) ([]Link, error)
}

// Page is the full surface the capture pipeline needs from a tab.
type Page interface {
	Scroller
	GeometrySource
	Expander
	StyleController
	Inspector

	// ID identifies the page for capture serialization.
	ID() string
	// Ping is the reachability probe for the channel to the page.
	Ping(ctx context.Context) error
	// Primitive returns the capture primitive bound to this page.
	Primitive() CapturePrimitive
}

// Emulator is implemented by pages that support device emulation.
type Emulator interface {
	Emulate(ctx context.Context, device Device) error
	ClearEmulation(ctx context.Context) error
}

// -- Capture Primitive --

// CaptureOptions select the encoding of a single capture. A nil Clip captures the
// visible viewport; a non-nil Clip asks the host for a document region, which may
// extend beyond the viewport.
type CaptureOptions struct {
	Format  OutputFormat
	Quality int
	Clip    *Rect
}

// CapturePrimitive grabs on-screen pixels. It is rate limited by the host and is
// retried by its callers, never internally. Failures are *CaptureError values of
// kind KindPermission, KindTransient or KindChannelUnavailable.
type CapturePrimitive interface {
	Capture(ctx context.Context, opts CaptureOptions) ([]byte, error)
}
