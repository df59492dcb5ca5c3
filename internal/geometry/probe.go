// Package geometry computes authoritative page dimensions from inconsistent DOM
// size signals.
package geometry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/retry"
)

// Page is what the probe reads and scrolls.
type Page interface {
	schemas.Scroller
	schemas.GeometrySource
}

// Probe measures pages. It is stateless and safe for concurrent use on distinct pages.
type Probe struct {
	logger *zap.Logger
	cfg    config.GeometryConfig
}

// NewProbe creates a probe.
func NewProbe(logger *zap.Logger, cfg config.GeometryConfig) *Probe {
	return &Probe{logger: logger.Named("geometry"), cfg: cfg}
}

// Measure reads the size signals, scrolls to the bottom once so late-positioned
// elements settle, scans element extents and restores the original scroll
// position before returning.
func (p *Probe) Measure(ctx context.Context, page Page) (dims schemas.PageDimensions, err error) {
	vp, err := page.Viewport(ctx)
	if err != nil {
		return dims, fmt.Errorf("reading viewport: %w", err)
	}
	origin, err := page.ScrollPosition(ctx)
	if err != nil {
		return dims, fmt.Errorf("reading scroll position: %w", err)
	}

	defer func() {
		cctx, cancel := ctxutil.ForCleanup(ctx, 0)
		defer cancel()
		if rerr := page.ScrollTo(cctx, origin.X, origin.Y); rerr != nil {
			p.logger.Warn("Failed to restore scroll position after measuring.", zap.Error(rerr))
			if err == nil {
				err = fmt.Errorf("restoring scroll position: %w", rerr)
			}
		}
	}()

	before, err := page.SizeSignals(ctx)
	if err != nil {
		return dims, fmt.Errorf("reading size signals: %w", err)
	}

	if err := page.ScrollTo(ctx, origin.X, MaxHeight(before)); err != nil {
		return dims, fmt.Errorf("scrolling to bottom: %w", err)
	}
	if err := retry.Sleep(ctx, p.cfg.SettleDelay); err != nil {
		return dims, err
	}

	after, err := page.SizeSignals(ctx)
	if err != nil {
		return dims, fmt.Errorf("reading size signals at bottom: %w", err)
	}
	extent, err := page.ElementExtent(ctx)
	if err != nil {
		return dims, fmt.Errorf("scanning element extents: %w", err)
	}
	bottom, err := page.ScrollPosition(ctx)
	if err != nil {
		return dims, fmt.Errorf("reading scroll position at bottom: %w", err)
	}

	dims = Reconcile(Merge(before, after), extent, vp, bottom.MaxY, p.cfg.SafetyPadding)
	p.logger.Debug("Measured page.",
		zap.Int("scroll_width", dims.ScrollWidth),
		zap.Int("scroll_height", dims.ScrollHeight),
		zap.Int("capture_height", dims.CaptureHeight),
		zap.Int("extent_bottom", extent.Bottom),
		zap.Int("max_scroll_y", bottom.MaxY),
	)
	return dims, nil
}

// MaxHeight is the largest height signal.
func MaxHeight(s schemas.SizeSignals) int {
	return maxOf(s.BodyScrollHeight, s.BodyOffsetHeight, s.BodyClientHeight,
		s.RootScrollHeight, s.RootOffsetHeight, s.RootClientHeight)
}

// MaxWidth is the largest width signal.
func MaxWidth(s schemas.SizeSignals) int {
	return maxOf(s.BodyScrollWidth, s.BodyOffsetWidth, s.BodyClientWidth,
		s.RootScrollWidth, s.RootOffsetWidth, s.RootClientWidth)
}

// contentHeight ignores client heights and the root scroll height, which layout
// engines inflate to the viewport on short documents.
func contentHeight(s schemas.SizeSignals) int {
	return maxOf(s.BodyScrollHeight, s.BodyOffsetHeight, s.RootOffsetHeight)
}

// Merge takes the field-wise maximum of two readings.
func Merge(a, b schemas.SizeSignals) schemas.SizeSignals {
	return schemas.SizeSignals{
		BodyScrollWidth:  maxOf(a.BodyScrollWidth, b.BodyScrollWidth),
		BodyOffsetWidth:  maxOf(a.BodyOffsetWidth, b.BodyOffsetWidth),
		BodyClientWidth:  maxOf(a.BodyClientWidth, b.BodyClientWidth),
		RootScrollWidth:  maxOf(a.RootScrollWidth, b.RootScrollWidth),
		RootOffsetWidth:  maxOf(a.RootOffsetWidth, b.RootOffsetWidth),
		RootClientWidth:  maxOf(a.RootClientWidth, b.RootClientWidth),
		BodyScrollHeight: maxOf(a.BodyScrollHeight, b.BodyScrollHeight),
		BodyOffsetHeight: maxOf(a.BodyOffsetHeight, b.BodyOffsetHeight),
		BodyClientHeight: maxOf(a.BodyClientHeight, b.BodyClientHeight),
		RootScrollHeight: maxOf(a.RootScrollHeight, b.RootScrollHeight),
		RootOffsetHeight: maxOf(a.RootOffsetHeight, b.RootOffsetHeight),
		RootClientHeight: maxOf(a.RootClientHeight, b.RootClientHeight),
	}
}

// Reconcile turns raw readings into PageDimensions.
//
// ScrollHeight is the maximum over every height signal and the element extent,
// plus padding, and never below the viewport. CaptureHeight is what viewport
// captures can reach: maxScrollY+viewport for scrolling documents, the unpadded
// content height otherwise. CaptureHeight never exceeds ScrollHeight.
func Reconcile(s schemas.SizeSignals, extent schemas.Extent, vp schemas.Viewport, maxScrollY, padding int) schemas.PageDimensions {
	height := maxOf(MaxHeight(s), extent.Bottom) + padding
	if height < vp.Height {
		height = vp.Height
	}
	width := maxOf(MaxWidth(s), extent.Right)
	if width < vp.Width {
		width = vp.Width
	}

	var capture int
	if maxScrollY > 0 {
		capture = maxScrollY + vp.Height
	} else {
		capture = maxOf(contentHeight(s), extent.Bottom)
	}
	if capture <= 0 {
		capture = vp.Height
	}
	if capture > height {
		capture = height
	}

	return schemas.PageDimensions{ScrollWidth: width, ScrollHeight: height, CaptureHeight: capture}
}

func maxOf(vals ...int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
