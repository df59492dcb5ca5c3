// Package stabilizer forces collapsed and lazy content open and waits for the
// page height to stop changing.
package stabilizer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/geometry"
	"github.com/xkilldash9x/pagestitch/internal/retry"
)

// Page is the surface the stabilizer drives.
type Page interface {
	geometry.Page
	schemas.Expander
}

// Measurer re-measures a page after each expansion round.
type Measurer interface {
	Measure(ctx context.Context, page geometry.Page) (schemas.PageDimensions, error)
}

// Report summarizes one stabilization run. Errors are the heuristic failures
// that were swallowed along the way.
type Report struct {
	Attempts      int
	Clicked       int
	InitialHeight int
	FinalHeight   int
	Stable        bool
	Errors        []error
}

// Stabilizer runs the expand-and-remeasure loop.
type Stabilizer struct {
	logger *zap.Logger
	cfg    config.StabilizerConfig
	probe  Measurer
}

// New creates a Stabilizer.
func New(logger *zap.Logger, cfg config.StabilizerConfig, probe Measurer) *Stabilizer {
	return &Stabilizer{logger: logger.Named("stabilizer"), cfg: cfg, probe: probe}
}

// Run repeats scroll-to-bottom, click matched controls, wait for images and
// re-measure until the height holds across an attempt (including a round of
// synthetic scroll/resize events) or the attempts run out. The original scroll
// position is restored afterwards.
//
// Only context cancellation is returned as a bare error. A page that never
// stabilizes yields a KindGeometryInstability error alongside a usable report;
// callers proceed with the best-known dimensions.
func (s *Stabilizer) Run(ctx context.Context, page Page, matchers []schemas.Matcher) (Report, error) {
	var report Report

	origin, err := page.ScrollPosition(ctx)
	if err != nil {
		if ctxErr(err) {
			return report, err
		}
		return report, schemas.NewError(schemas.KindGeometryInstability, "stabilize", fmt.Errorf("reading scroll position: %w", err))
	}
	defer func() {
		cctx, cancel := ctxutil.ForCleanup(ctx, 0)
		defer cancel()
		if err := page.ScrollTo(cctx, origin.X, origin.Y); err != nil {
			s.logger.Warn("Failed to restore scroll position after stabilizing.", zap.Error(err))
		}
	}()

	dims, err := s.probe.Measure(ctx, page)
	if err != nil {
		if ctxErr(err) {
			return report, err
		}
		return report, schemas.NewError(schemas.KindGeometryInstability, "stabilize", err)
	}
	height := dims.ScrollHeight
	report.InitialHeight, report.FinalHeight = height, height

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		report.Attempts = attempt

		next, measured, err := s.expandOnce(ctx, page, matchers, height, &report)
		if err != nil {
			return report, err
		}
		if next == height {
			// Some lazy loaders only listen for scroll/resize events.
			if err := page.DispatchLayoutEvents(ctx); err != nil {
				if ctxErr(err) {
					return report, err
				}
				report.Errors = append(report.Errors, fmt.Errorf("dispatching layout events: %w", err))
			}
			if err := retry.Sleep(ctx, s.cfg.BottomDelay); err != nil {
				return report, err
			}
			next, measured, err = s.measure(ctx, page, height, &report)
			if err != nil {
				return report, err
			}
			// Stable needs an actual reading; a failed measurement only repeats the old height.
			if measured && next == height {
				report.Stable = true
				break
			}
		}

		if measured && next != height {
			s.logger.Debug("Page grew.", zap.Int("attempt", attempt), zap.Int("from", height), zap.Int("to", next))
		}
		height = next
		report.FinalHeight = height
	}

	for _, e := range report.Errors {
		s.logger.Debug("Swallowed stabilizer error.", zap.Error(e))
	}
	if !report.Stable {
		s.logger.Warn("Page height never stabilized; proceeding with best-known dimensions.",
			zap.Int("attempts", report.Attempts),
			zap.Int("height", report.FinalHeight),
		)
		return report, schemas.Errorf(schemas.KindGeometryInstability, "stabilize",
			"height still changing after %d attempts", report.Attempts)
	}
	s.logger.Info("Content stabilized.",
		zap.Int("attempts", report.Attempts),
		zap.Int("clicked", report.Clicked),
		zap.Int("initial_height", report.InitialHeight),
		zap.Int("final_height", report.FinalHeight),
	)
	return report, nil
}

// expandOnce runs one scroll, click and wait round and returns the new height
// and whether it was actually measured.
func (s *Stabilizer) expandOnce(ctx context.Context, page Page, matchers []schemas.Matcher, height int, report *Report) (int, bool, error) {
	if err := page.ScrollTo(ctx, 0, height); err != nil {
		if ctxErr(err) {
			return height, false, err
		}
		report.Errors = append(report.Errors, fmt.Errorf("scrolling to bottom: %w", err))
	}
	if err := retry.Sleep(ctx, s.cfg.BottomDelay); err != nil {
		return height, false, err
	}

	clicked, err := page.ClickVisible(ctx, matchers)
	if err != nil {
		if ctxErr(err) {
			return height, false, err
		}
		report.Errors = append(report.Errors, fmt.Errorf("clicking expanders: %w", err))
	}
	if clicked > 0 {
		report.Clicked += clicked
		s.logger.Debug("Clicked expanders.", zap.Int("count", clicked))
		if err := retry.Sleep(ctx, s.cfg.ContentDelay); err != nil {
			return height, false, err
		}
	}

	if err := s.waitForImages(ctx, page); err != nil {
		if ctxErr(err) && ctx.Err() != nil {
			return height, false, err
		}
		report.Errors = append(report.Errors, fmt.Errorf("waiting for images: %w", err))
	}

	return s.measure(ctx, page, height, report)
}

// measure re-reads the page height. A failed reading is recorded in report and
// returns fallback with measured false.
func (s *Stabilizer) measure(ctx context.Context, page Page, fallback int, report *Report) (height int, measured bool, err error) {
	dims, err := s.probe.Measure(ctx, page)
	if err != nil {
		if ctxErr(err) && ctx.Err() != nil {
			return fallback, false, err
		}
		report.Errors = append(report.Errors, fmt.Errorf("re-measuring: %w", err))
		return fallback, false, nil
	}
	return dims.ScrollHeight, true, nil
}

// waitForImages bounds the image wait by the configured timeout.
func (s *Stabilizer) waitForImages(ctx context.Context, page Page) error {
	if s.cfg.ImageTimeout <= 0 {
		return page.WaitForImages(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ImageTimeout)
	defer cancel()
	return page.WaitForImages(wctx)
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
