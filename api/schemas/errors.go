package schemas

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies capture failures. It doubles as a sentinel error so that
// errors.Is(err, ErrCapturePermission) works on any wrapped CaptureError.
type ErrorKind string

const (
	KindPermission          ErrorKind = "capture_permission"
	KindTransient           ErrorKind = "capture_transient"
	KindChannelUnavailable  ErrorKind = "channel_unavailable"
	KindGeometryInstability ErrorKind = "geometry_instability"
	KindCoverageIncomplete  ErrorKind = "coverage_incomplete"
	KindStitchEncoding      ErrorKind = "stitch_encoding"
	KindInternalSafetyAbort ErrorKind = "internal_safety_abort"
	KindCaptureInProgress   ErrorKind = "capture_in_progress"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindUnknown             ErrorKind = "unknown"
)

func (k ErrorKind) Error() string { return string(k) }

// Sentinels for errors.Is.
var (
	ErrCapturePermission     error = KindPermission
	ErrCaptureTransient      error = KindTransient
	ErrChannelUnavailable    error = KindChannelUnavailable
	ErrGeometryInstability   error = KindGeometryInstability
	ErrCoverageIncomplete    error = KindCoverageIncomplete
	ErrStitchEncoding        error = KindStitchEncoding
	ErrInternalSafetyAbort   error = KindInternalSafetyAbort
	ErrCaptureInProgress     error = KindCaptureInProgress
	ErrInvalidCaptureRequest error = KindInvalidRequest
)

// CaptureError carries the kind of failure, the operation that produced it and
// an optional user-facing hint.
type CaptureError struct {
	Kind ErrorKind
	Op   string
	Err  error
	Hint string
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *CaptureError {
	return &CaptureError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a CaptureError from a format string.
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *CaptureError {
	return &CaptureError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *CaptureError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *CaptureError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf extracts the classification of err. Unclassified errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}

// Retryable reports whether a retry could plausibly succeed. Permission denials,
// channel failures, safety aborts and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindPermission, KindChannelUnavailable, KindInternalSafetyAbort,
		KindCaptureInProgress, KindInvalidRequest:
		return false
	}
	return true
}

// Fatal reports errors that must abort every fallback tier immediately.
func Fatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch KindOf(err) {
	case KindPermission, KindChannelUnavailable, KindCaptureInProgress, KindInvalidRequest:
		return true
	}
	return false
}

// HintFor returns an actionable suggestion for a failure kind.
func HintFor(kind ErrorKind) string {
	switch kind {
	case KindPermission:
		return "the browser denied screen capture; check that the target is a regular web page and not a restricted or internal URL"
	case KindChannelUnavailable:
		return "the browser connection is down; restart the browser and retry"
	case KindTransient:
		return "capture was rate limited or timed out; retry, or lower browser.captures_per_second"
	case KindStitchEncoding:
		return "encoding the stitched image failed; retry with --format png or without --retina"
	case KindInternalSafetyAbort:
		return "the page never finished scrolling; scroll the page manually to the bottom once, then retry"
	case KindCaptureInProgress:
		return "another capture is running on this page; wait for it to finish"
	case KindInvalidRequest:
		return "check the capture flags and selector"
	default:
		return "retry the capture, try reduced settings (no --retina, no --auto-expand), or scroll the page manually before capturing"
	}
}

// FailureResult converts an error into a terminal failed CaptureResult.
func FailureResult(err error) CaptureResult {
	kind := KindOf(err)
	hint := HintFor(kind)
	var ce *CaptureError
	if errors.As(err, &ce) && ce.Hint != "" {
		hint = ce.Hint
	}
	return CaptureResult{
		Success:   false,
		ErrorKind: kind,
		Message:   err.Error(),
		Hint:      hint,
	}
}
