// Package walker drives the scroll position across a page and captures one tile
// per viewport.
package walker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/retry"
)

// State is the walker's position in its state machine.
type State string

const (
	StateAtTop     State = "at_top"
	StateCapturing State = "capturing"
	StateAdvancing State = "advancing"
	StateDone      State = "done"
	StateRestoring State = "restoring"
)

var errNotConverged = errors.New("scroll position has not converged")

// Walker scrolls a page top to bottom, capturing a tile at each step. The next
// target is always measured from the achieved offset, never from the requested one.
type Walker struct {
	logger *zap.Logger
	cfg    config.WalkerConfig

	// onState observes transitions; tests hook it.
	onState func(State)
}

// New creates a Walker.
func New(logger *zap.Logger, cfg config.WalkerConfig) *Walker {
	return &Walker{logger: logger.Named("walker"), cfg: cfg}
}

func (w *Walker) enter(s State) {
	if w.onState != nil {
		w.onState(s)
	}
}

// Walk captures [0, totalHeight) of page with primitive. Scroll position and
// scroll-behavior are restored on every exit path. A capture that exhausts its
// retries aborts the walk; the iteration cap aborts with KindInternalSafetyAbort.
func (w *Walker) Walk(ctx context.Context, page schemas.Scroller, primitive schemas.CapturePrimitive, totalHeight int, opts schemas.CaptureOptions) (ledger *Ledger, err error) {
	vp, err := page.Viewport(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading viewport: %w", err)
	}
	if vp.Height <= 0 {
		return nil, schemas.Errorf(schemas.KindInvalidRequest, "walk", "viewport height %d", vp.Height)
	}

	restore, err := w.prepare(ctx, page)
	if err != nil {
		return nil, err
	}
	defer func() {
		w.enter(StateRestoring)
		if rerr := restore(); rerr != nil {
			w.logger.Warn("Failed to restore page state after walking.", zap.Error(rerr))
		}
	}()

	ledger = NewLedger(totalHeight, vp.Height)
	w.enter(StateAtTop)

	// Short pages take exactly one capture at the top.
	if totalHeight <= vp.Height+w.cfg.EndTolerance {
		pos, err := page.ScrollPosition(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading scroll position: %w", err)
		}
		w.enter(StateCapturing)
		data, err := w.capture(ctx, primitive, opts, 0)
		if err != nil {
			return nil, err
		}
		if _, err := ledger.Append(0, pos.Y, data); err != nil {
			return nil, err
		}
		ledger.markBottom()
		w.enter(StateDone)
		return ledger, nil
	}

	target := 0
	for iteration := 1; ; iteration++ {
		if iteration > w.cfg.MaxIterations {
			return nil, schemas.Errorf(schemas.KindInternalSafetyAbort, "walk",
				"exceeded %d iterations at offset %d of %d", w.cfg.MaxIterations, target, totalHeight)
		}

		w.enter(StateAdvancing)
		pos, err := w.scrollTo(ctx, page, target)
		if err != nil {
			return nil, err
		}
		atBottom := pos.Y >= pos.MaxY-w.cfg.ScrollTolerance

		if last, ok := ledger.Last(); ok && pos.Y > last.End() {
			// Landed past the previous tile; request lower by the overshoot.
			overshoot := pos.Y - last.End()
			lower := target - overshoot
			w.logger.Debug("Scroll overshot the previous tile.",
				zap.Int("target", target),
				zap.Int("achieved", pos.Y),
				zap.Int("previous_end", last.End()),
			)
			if lower <= last.AchievedOffset {
				return nil, schemas.Errorf(schemas.KindInternalSafetyAbort, "walk",
					"scroll to %d landed at %d, past the tile ending at %d", target, pos.Y, last.End())
			}
			target = lower
			continue
		}
		if last, ok := ledger.Last(); ok && pos.Y <= last.AchievedOffset && !atBottom {
			// The browser refused to move further; try again from the same target.
			w.logger.Debug("Scroll made no progress.", zap.Int("target", target), zap.Int("achieved", pos.Y))
			if pos.Y < last.AchievedOffset {
				return nil, schemas.Errorf(schemas.KindInternalSafetyAbort, "walk",
					"scroll position moved backwards from %d to %d", last.AchievedOffset, pos.Y)
			}
			continue
		}
		if last, ok := ledger.Last(); ok && pos.Y == last.AchievedOffset && atBottom {
			// Already captured the bottom; the page shrank under us.
			ledger.markBottom()
			break
		}

		w.enter(StateCapturing)
		data, err := w.capture(ctx, primitive, opts, ledger.Len())
		if err != nil {
			return nil, err
		}
		tile, err := ledger.Append(target, pos.Y, data)
		if err != nil {
			return nil, err
		}
		w.logger.Debug("Captured tile.",
			zap.Int("index", tile.SequenceIndex),
			zap.Int("requested", tile.RequestedOffset),
			zap.Int("achieved", tile.AchievedOffset),
			zap.Int("covered", tile.CoveredHeight),
		)

		if pos.Y+vp.Height >= totalHeight-w.cfg.EndTolerance {
			break
		}
		if atBottom {
			ledger.markBottom()
			w.logger.Info("Reached the end of the scrollable area before the measured height.",
				zap.Int("achieved", pos.Y),
				zap.Int("max_scroll_y", pos.MaxY),
				zap.Int("total_height", totalHeight),
			)
			break
		}
		target = pos.Y + vp.Height
	}

	w.enter(StateDone)
	return ledger, nil
}

// CaptureOnce takes a single tile from the top of the page with one primitive
// call and no retries, under the same scroll restoration as Walk. With a clip
// the tile spans the clip height; otherwise one viewport.
func (w *Walker) CaptureOnce(ctx context.Context, page schemas.Scroller, primitive schemas.CapturePrimitive, totalHeight int, opts schemas.CaptureOptions) (*Ledger, error) {
	vp, err := page.Viewport(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading viewport: %w", err)
	}
	restore, err := w.prepare(ctx, page)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := restore(); rerr != nil {
			w.logger.Warn("Failed to restore page state after capture.", zap.Error(rerr))
		}
	}()

	pos, err := page.ScrollPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading scroll position: %w", err)
	}
	data, err := primitive.Capture(ctx, opts)
	if err != nil {
		return nil, err
	}

	ledger := NewLedger(totalHeight, vp.Height)
	height := vp.Height
	if opts.Clip != nil {
		height = int(opts.Clip.Height)
	}
	if _, err := ledger.appendCovering(0, pos.Y, height, data); err != nil {
		return nil, err
	}
	ledger.markBottom()
	return ledger, nil
}

// prepare disables smooth scrolling, remembers the original position and
// scrolls to the top. The returned func restores both.
func (w *Walker) prepare(ctx context.Context, page schemas.Scroller) (func() error, error) {
	origin, err := page.ScrollPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading scroll position: %w", err)
	}
	behavior, err := page.ScrollBehavior(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading scroll-behavior: %w", err)
	}

	restore := func() error {
		cctx, cancel := ctxutil.ForCleanup(ctx, 0)
		defer cancel()
		return errors.Join(
			page.ScrollTo(cctx, origin.X, origin.Y),
			page.SetScrollBehavior(cctx, behavior),
		)
	}

	if err := page.SetScrollBehavior(ctx, "auto"); err != nil {
		return nil, errors.Join(fmt.Errorf("disabling smooth scroll: %w", err), restore())
	}
	if err := page.ScrollTo(ctx, 0, 0); err != nil {
		return nil, errors.Join(fmt.Errorf("scrolling to top: %w", err), restore())
	}
	if err := retry.Sleep(ctx, w.cfg.SettleDelay); err != nil {
		return nil, errors.Join(err, restore())
	}
	return restore, nil
}

// scrollTo requests target and re-reads the achieved position after settling,
// retrying until it lands within tolerance or hits the maximum scroll position.
// A position that never converges is accepted as-is; Walk rejects one that
// leaves a gap after the previous tile.
func (w *Walker) scrollTo(ctx context.Context, page schemas.Scroller, target int) (schemas.ScrollPosition, error) {
	var last schemas.ScrollPosition
	_, err := retry.DoValue(ctx, retry.Policy{
		MaxAttempts: w.cfg.ScrollAttempts,
		Retryable:   func(err error) bool { return errors.Is(err, errNotConverged) },
	}, func(ctx context.Context, attempt int) (schemas.ScrollPosition, error) {
		if err := page.ScrollTo(ctx, 0, target); err != nil {
			return last, fmt.Errorf("scrolling to %d: %w", target, err)
		}
		if err := retry.Sleep(ctx, w.cfg.SettleDelay); err != nil {
			return last, err
		}
		pos, err := page.ScrollPosition(ctx)
		if err != nil {
			return last, fmt.Errorf("reading scroll position: %w", err)
		}
		last = pos
		if abs(pos.Y-target) <= w.cfg.ScrollTolerance || pos.Y >= pos.MaxY-w.cfg.ScrollTolerance {
			return pos, nil
		}
		return pos, errNotConverged
	})
	if err != nil {
		if !errors.Is(err, errNotConverged) {
			return last, err
		}
		w.logger.Warn("Scroll did not converge; using the achieved position.",
			zap.Int("target", target),
			zap.Int("achieved", last.Y),
			zap.Int("attempts", w.cfg.ScrollAttempts),
		)
	}
	return last, nil
}

// capture invokes the primitive with increasing backoff. Permission and channel
// failures are not retried.
func (w *Walker) capture(ctx context.Context, primitive schemas.CapturePrimitive, opts schemas.CaptureOptions, index int) ([]byte, error) {
	data, err := retry.DoValue(ctx, retry.Policy{
		MaxAttempts: w.cfg.CaptureAttempts,
		Backoff:     retry.Linear(w.cfg.CaptureBackoff),
		Retryable:   schemas.Retryable,
		OnFailure: func(attempt int, err error, next time.Duration) {
			w.logger.Warn("Tile capture failed.",
				zap.Int("tile", index),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		},
	}, func(ctx context.Context, attempt int) ([]byte, error) {
		return primitive.Capture(ctx, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("capturing tile %d: %w", index, err)
	}
	return data, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
