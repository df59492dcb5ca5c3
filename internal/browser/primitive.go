package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// Primitive is the host-side screenshot call of one tab. Calls are spaced by a
// token bucket; it never retries on its own.
type Primitive struct {
	session *Session
	limiter *rate.Limiter
	logger  *zap.Logger

	// screenshotFunc issues the CDP command. Tests replace it.
	screenshotFunc func(ctx context.Context, params *page.CaptureScreenshotParams) ([]byte, error)
}

var _ schemas.CapturePrimitive = (*Primitive)(nil)

func newPrimitive(s *Session, perSecond float64) *Primitive {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	p := &Primitive{
		session: s,
		limiter: rate.NewLimiter(limit, 1),
		logger:  s.logger.Named("primitive"),
	}
	p.screenshotFunc = p.screenshot
	return p
}

// Capture grabs the viewport, or opts.Clip when set. A clip may reach beyond the
// viewport.
func (p *Primitive) Capture(ctx context.Context, opts schemas.CaptureOptions) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The deadline would pass before a token frees up.
		return nil, schemas.NewError(schemas.KindTransient, "capture", err)
	}

	data, err := p.screenshotFunc(ctx, Params(opts))
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	if len(data) == 0 {
		return nil, schemas.Errorf(schemas.KindTransient, "capture", "empty screenshot")
	}
	return data, nil
}

// Params translates capture options into the CDP request.
func Params(opts schemas.CaptureOptions) *page.CaptureScreenshotParams {
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
	if opts.Format == schemas.FormatJPEG {
		quality := opts.Quality
		if quality < 1 || quality > 100 {
			quality = 90
		}
		params = params.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(quality))
	}
	if c := opts.Clip; c != nil {
		params = params.
			WithClip(&page.Viewport{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height, Scale: 1}).
			WithCaptureBeyondViewport(true)
	}
	return params
}

func (p *Primitive) screenshot(ctx context.Context, params *page.CaptureScreenshotParams) ([]byte, error) {
	var buf []byte
	err := p.session.RunActions(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	return buf, err
}

// classify maps a screenshot failure onto the capture taxonomy.
func (p *Primitive) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.session.ctx.Err() != nil ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrInvalidTarget) {
		return schemas.NewError(schemas.KindChannelUnavailable, "capture", err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"permission", "not allowed", "cannot access"} {
		if strings.Contains(msg, marker) {
			return schemas.NewError(schemas.KindPermission, "capture", err)
		}
	}
	p.logger.Debug("Screenshot failed.", zap.Error(err))
	return schemas.NewError(schemas.KindTransient, "capture", err)
}
