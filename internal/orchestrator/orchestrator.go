// Package orchestrator sequences stabilization, geometry, walking and stitching
// for one capture request, with a fast path and tiered fallbacks.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/geometry"
	"github.com/xkilldash9x/pagestitch/internal/observability"
	"github.com/xkilldash9x/pagestitch/internal/retry"
	"github.com/xkilldash9x/pagestitch/internal/stabilizer"
	"github.com/xkilldash9x/pagestitch/internal/stitcher"
	"github.com/xkilldash9x/pagestitch/internal/walker"
)

// Orchestrator runs capture requests. Requests against the same page are
// serialized by rejection: a second one fails with KindCaptureInProgress.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	probe      *geometry.Probe
	stabilizer *stabilizer.Stabilizer
	walker     *walker.Walker
	stitcher   *stitcher.Stitcher

	mu     sync.Mutex
	active map[string]*session
}

// New wires the pipeline stages from cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	probe := geometry.NewProbe(logger, cfg.Geometry)
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		probe:      probe,
		stabilizer: stabilizer.New(logger, cfg.Stabilizer, probe),
		walker:     walker.New(logger, cfg.Walker),
		stitcher: stitcher.New(logger, stitcher.Options{
			MaxOutputDimension: cfg.Capture.MaxOutputDimension,
			CoverageThreshold:  cfg.Capture.CoverageThreshold,
			PNGCompression:     cfg.Capture.PNGCompression,
		}),
		active: make(map[string]*session),
	}, nil
}

// Stitcher exposes the encoder used for results, so callers can derive
// thumbnails with identical settings.
func (o *Orchestrator) Stitcher() *stitcher.Stitcher { return o.stitcher }

// session is the state of one capture on one page. It is owned by the
// orchestrator and passed explicitly to every stage.
type session struct {
	id       string
	page     schemas.Page
	req      schemas.CaptureRequest
	settings schemas.CaptureConfiguration
	logger   *zap.Logger

	hid     bool
	overlay bool
}

// Capture runs req to completion and always returns a terminal result.
func (o *Orchestrator) Capture(ctx context.Context, req schemas.CaptureRequest) schemas.CaptureResult {
	return o.run(ctx, req, nil)
}

// run captures req, emulating device first when it is set.
func (o *Orchestrator) run(ctx context.Context, req schemas.CaptureRequest, device *schemas.Device) schemas.CaptureResult {
	start := time.Now()
	res, err := o.capture(ctx, req, device)
	if err != nil {
		res = schemas.FailureResult(err)
	}
	res.Duration = time.Since(start)

	fields := append([]zap.Field{zap.String("mode", string(modeOf(req)))}, observability.ResultFields(res)...)
	if device != nil {
		fields = append(fields, zap.String("device", device.Name))
	}
	if res.Success {
		o.logger.Info("Capture finished.", fields...)
	} else {
		o.logger.Error("Capture failed.", fields...)
	}
	return res
}

// CaptureVisible captures only what is currently on screen.
func (o *Orchestrator) CaptureVisible(ctx context.Context, req schemas.CaptureRequest) schemas.CaptureResult {
	req.Mode = schemas.ModeVisible
	return o.Capture(ctx, req)
}

// CaptureElement captures the full page and crops it to the element matched by selector.
func (o *Orchestrator) CaptureElement(ctx context.Context, req schemas.CaptureRequest, selector string) schemas.CaptureResult {
	req.Mode, req.Selector = schemas.ModeElement, selector
	return o.Capture(ctx, req)
}

func modeOf(req schemas.CaptureRequest) schemas.CaptureMode {
	if req.Mode == "" {
		return schemas.ModeFullPage
	}
	return req.Mode
}

func (o *Orchestrator) capture(ctx context.Context, req schemas.CaptureRequest, device *schemas.Device) (schemas.CaptureResult, error) {
	if req.Page == nil {
		return schemas.CaptureResult{}, schemas.Errorf(schemas.KindInvalidRequest, "capture", "no page")
	}
	mode := modeOf(req)
	switch mode {
	case schemas.ModeFullPage, schemas.ModeVisible, schemas.ModeConversation:
	case schemas.ModeElement:
		if req.Selector == "" {
			return schemas.CaptureResult{}, schemas.Errorf(schemas.KindInvalidRequest, "capture", "element capture needs a selector")
		}
	default:
		return schemas.CaptureResult{}, schemas.Errorf(schemas.KindInvalidRequest, "capture", "unknown capture mode %q", mode)
	}

	sess, release, err := o.acquire(req)
	if err != nil {
		return schemas.CaptureResult{}, err
	}
	defer release()

	if err := req.Page.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return schemas.CaptureResult{}, ctx.Err()
		}
		if schemas.KindOf(err) != schemas.KindChannelUnavailable {
			err = schemas.NewError(schemas.KindChannelUnavailable, "ping", err)
		}
		return schemas.CaptureResult{}, err
	}

	// Emulation changes the viewport, so it happens only once the page is ours.
	if device != nil {
		restore, err := o.emulate(ctx, sess, *device)
		if err != nil {
			return schemas.CaptureResult{}, err
		}
		defer restore()
	}

	o.clearLeftovers(ctx, sess)
	defer o.cleanup(ctx, sess)

	if sess.settings.DeveloperOverlay {
		sess.overlay = true
		if err := sess.page.AddDiagnosticOverlay(ctx); err != nil {
			sess.logger.Warn("Failed to add the diagnostic overlay.", zap.Error(err))
		}
	}

	var res schemas.CaptureResult
	switch mode {
	case schemas.ModeVisible:
		res, err = o.visible(ctx, sess)
	case schemas.ModeElement:
		res, err = o.element(ctx, sess)
	default:
		var out pipelineOutput
		out, err = o.fullPage(ctx, sess)
		res = out.result()
	}
	if err != nil {
		return schemas.CaptureResult{}, err
	}

	if req.CollectLinks {
		links, err := sess.page.Links(ctx)
		if err != nil {
			sess.logger.Warn("Failed to collect links.", zap.Error(err))
		}
		res.Links = links
	}
	return res, nil
}

// acquire registers a capture on the page, or fails if one is running.
func (o *Orchestrator) acquire(req schemas.CaptureRequest) (*session, func(), error) {
	key := req.Page.ID()

	o.mu.Lock()
	defer o.mu.Unlock()
	if running, busy := o.active[key]; busy {
		return nil, nil, schemas.Errorf(schemas.KindCaptureInProgress, "capture",
			"capture %s is still running on page %s", running.id, key)
	}

	id := uuid.New().String()
	sess := &session{
		id:       id,
		page:     req.Page,
		req:      req,
		settings: req.Settings.Normalized(),
		logger:   o.logger.With(zap.String("capture_id", id), zap.String("page", key)),
	}
	o.active[key] = sess
	return sess, func() {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
	}, nil
}

// clearLeftovers removes visual state a previous, interrupted run may have left.
func (o *Orchestrator) clearLeftovers(ctx context.Context, sess *session) {
	if err := errors.Join(sess.page.RemoveDiagnosticOverlay(ctx), sess.page.ResetStyles(ctx)); err != nil {
		sess.logger.Warn("Failed to clear leftover page state.", zap.Error(err))
	}
}

// cleanup restores hidden elements, removes the overlay and resets styles. It
// runs on a detached context so that cancellation still leaves the page clean.
func (o *Orchestrator) cleanup(ctx context.Context, sess *session) {
	cctx, cancel := ctxutil.ForCleanup(ctx, 0)
	defer cancel()

	var errs []error
	if sess.hid {
		errs = append(errs, sess.page.RestoreHiddenElements(cctx))
	}
	errs = append(errs, sess.page.RemoveDiagnosticOverlay(cctx), sess.page.ResetStyles(cctx))
	if err := errors.Join(errs...); err != nil {
		sess.logger.Warn("Cleanup after capture failed.", zap.Error(err))
	}
}

// -- full page --

// pipelineOutput is a stitched image plus how it was produced.
type pipelineOutput struct {
	stitcher.Output
	Tiles    int
	Degraded bool
}

func (p pipelineOutput) result() schemas.CaptureResult {
	return schemas.CaptureResult{
		Success:      true,
		EncodedImage: p.Bytes,
		Format:       p.Format,
		Width:        p.Width,
		Height:       p.Height,
		Coverage:     p.Coverage,
		Tiles:        p.Tiles,
		Degraded:     p.Degraded,
	}
}

// fullPage runs stabilization, measurement, sticky hiding and then the capture
// tiers: fast path, general walk plus stitch, and a last single viewport.
func (o *Orchestrator) fullPage(ctx context.Context, sess *session) (pipelineOutput, error) {
	page := sess.page
	o.stabilize(ctx, sess)
	if err := ctx.Err(); err != nil {
		return pipelineOutput{}, err
	}

	vp, err := page.Viewport(ctx)
	if err != nil {
		return pipelineOutput{}, fmt.Errorf("reading viewport: %w", err)
	}
	total, err := o.measure(ctx, sess, vp)
	if err != nil {
		return pipelineOutput{}, err
	}

	if !sess.settings.IncludeSticky {
		sess.hid = true
		n, err := page.HideFixedElements(ctx, o.cfg.Matchers.Sticky)
		if err != nil {
			sess.logger.Warn("Failed to hide fixed elements.", zap.Error(err))
		} else {
			sess.logger.Debug("Hid fixed and sticky elements.", zap.Int("count", n))
		}
	}

	primitive := page.Primitive()

	if o.fastPathApplies(total, vp) {
		out, err := o.fastPath(ctx, sess, primitive, vp, total)
		if err == nil {
			return out, nil
		}
		if schemas.Fatal(err) {
			return pipelineOutput{}, err
		}
		sess.logger.Warn("Fast path failed; falling back to the scrolling capture.", zap.Error(err))
	}

	out, tierErr := o.generalPath(ctx, sess, primitive, vp, total)
	if tierErr == nil {
		return out, nil
	}
	if schemas.Fatal(tierErr) {
		return pipelineOutput{}, tierErr
	}

	sess.logger.Warn("Scrolling capture failed; taking a single viewport as a last resort.", zap.Error(tierErr))
	out, err = o.lastResort(ctx, sess, primitive, vp, total)
	if err != nil {
		if ctx.Err() != nil {
			return pipelineOutput{}, ctx.Err()
		}
		return pipelineOutput{}, fmt.Errorf("%w; last-resort capture: %v", tierErr, err)
	}
	return out, nil
}

// stabilize expands dynamic content when requested. Conversation captures
// always expand, with the thread matchers appended. Failures are logged only.
func (o *Orchestrator) stabilize(ctx context.Context, sess *session) {
	conversation := modeOf(sess.req) == schemas.ModeConversation
	if !sess.settings.AutoExpand && !conversation {
		return
	}
	matchers := append([]schemas.Matcher{}, o.cfg.Matchers.Expand...)
	if conversation {
		matchers = append(matchers, o.cfg.Matchers.Threads...)
	}

	report, err := o.stabilizer.Run(ctx, sess.page, matchers)
	fields := []zap.Field{
		zap.Int("attempts", report.Attempts),
		zap.Int("clicked", report.Clicked),
		zap.Int("initial_height", report.InitialHeight),
		zap.Int("final_height", report.FinalHeight),
	}
	if err != nil {
		sess.logger.Warn("Content did not stabilize; continuing with the current layout.", append(fields, zap.Error(err))...)
		return
	}
	sess.logger.Debug("Content stabilized.", fields...)
}

// measure returns the height to capture. A failed probe falls back to one viewport.
func (o *Orchestrator) measure(ctx context.Context, sess *session, vp schemas.Viewport) (int, error) {
	dims, err := o.probe.Measure(ctx, sess.page)
	if err != nil {
		if schemas.Fatal(err) {
			return 0, err
		}
		sess.logger.Warn("Page geometry probe failed; using the viewport size.", zap.Error(err))
		return vp.Height, nil
	}

	total := dims.CaptureHeight
	if limit := o.cfg.Capture.MaxPageHeight; limit > 0 && total > limit {
		sess.logger.Warn("Page is taller than the capture limit; truncating.",
			zap.Int("height", total), zap.Int("limit", limit))
		total = limit
	}
	sess.logger.Debug("Measured page.",
		zap.Int("scroll_width", dims.ScrollWidth),
		zap.Int("scroll_height", dims.ScrollHeight),
		zap.Int("capture_height", total),
	)
	return total, nil
}

func (o *Orchestrator) fastPathApplies(total int, vp schemas.Viewport) bool {
	limit := o.cfg.Capture.FastPathMaxViewports
	if limit <= 0 {
		limit = 2
	}
	return float64(total) <= limit*float64(vp.Height)
}

// fastPath captures the page in one call: the viewport itself when the page is
// no taller, otherwise a clip that reaches beyond the viewport.
func (o *Orchestrator) fastPath(ctx context.Context, sess *session, primitive schemas.CapturePrimitive, vp schemas.Viewport, total int) (pipelineOutput, error) {
	opts := o.outputOptions(sess)
	if total > vp.Height+o.cfg.Walker.EndTolerance {
		opts.Clip = &schemas.Rect{Width: float64(vp.Width), Height: float64(total)}
	}

	return retry.DoValue(ctx, retry.Policy{
		MaxAttempts: o.cfg.Capture.FastPathAttempts,
		Backoff:     retry.Linear(o.cfg.Walker.CaptureBackoff),
		Retryable:   schemas.Retryable,
		OnFailure:   o.logFailure(sess, "fast_path"),
	}, func(ctx context.Context, attempt int) (pipelineOutput, error) {
		ledger, err := o.walker.CaptureOnce(ctx, sess.page, primitive, total, opts)
		if err != nil {
			return pipelineOutput{}, err
		}
		return o.stitch(ctx, sess, ledger, vp, total, false)
	})
}

// generalPath walks and stitches, retrying the whole pipeline with increasing
// delay. The page is re-measured before each retry.
func (o *Orchestrator) generalPath(ctx context.Context, sess *session, primitive schemas.CapturePrimitive, vp schemas.Viewport, total int) (pipelineOutput, error) {
	tileOpts := schemas.CaptureOptions{Format: schemas.FormatPNG}

	return retry.DoValue(ctx, retry.Policy{
		MaxAttempts: o.cfg.Capture.TierAttempts,
		Backoff:     retry.Linear(o.cfg.Capture.TierBackoff),
		Retryable:   schemas.Retryable,
		OnFailure:   o.logFailure(sess, "scrolling"),
	}, func(ctx context.Context, attempt int) (pipelineOutput, error) {
		if attempt > 1 {
			if h, err := o.measure(ctx, sess, vp); err == nil && h > 0 {
				total = h
			}
		}
		ledger, err := o.walker.Walk(ctx, sess.page, primitive, total, tileOpts)
		if err != nil {
			return pipelineOutput{}, err
		}
		return o.stitch(ctx, sess, ledger, vp, total, false)
	})
}

// lastResort captures the top viewport once and returns it as a degraded result.
func (o *Orchestrator) lastResort(ctx context.Context, sess *session, primitive schemas.CapturePrimitive, vp schemas.Viewport, total int) (pipelineOutput, error) {
	if total > vp.Height {
		total = vp.Height
	}
	ledger, err := o.walker.CaptureOnce(ctx, sess.page, primitive, total, o.outputOptions(sess))
	if err != nil {
		return pipelineOutput{}, err
	}
	return o.stitch(ctx, sess, ledger, vp, total, true)
}

func (o *Orchestrator) stitch(ctx context.Context, sess *session, ledger *walker.Ledger, vp schemas.Viewport, total int, degraded bool) (pipelineOutput, error) {
	out, err := o.stitcher.Stitch(ctx, stitcher.Input{
		Tiles:         ledger.Tiles(),
		TotalHeight:   total,
		ViewportWidth: vp.Width,
		Retina:        sess.settings.RetinaQuality,
		Format:        sess.settings.OutputFormat,
		Quality:       sess.settings.JPEGQuality,
	})
	if err != nil {
		return pipelineOutput{}, err
	}
	return pipelineOutput{Output: out, Tiles: ledger.Len(), Degraded: degraded}, nil
}

func (o *Orchestrator) outputOptions(sess *session) schemas.CaptureOptions {
	return schemas.CaptureOptions{Format: sess.settings.OutputFormat, Quality: sess.settings.JPEGQuality}
}

func (o *Orchestrator) logFailure(sess *session, tier string) func(int, error, time.Duration) {
	return func(attempt int, err error, next time.Duration) {
		sess.logger.Warn("Capture tier attempt failed.",
			zap.String("tier", tier),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.String("kind", string(schemas.KindOf(err))),
			zap.Error(err),
		)
	}
}

// -- visible and element --

// visible captures the current viewport without scrolling.
func (o *Orchestrator) visible(ctx context.Context, sess *session) (schemas.CaptureResult, error) {
	opts := o.outputOptions(sess)
	data, err := retry.DoValue(ctx, retry.Policy{
		MaxAttempts: o.cfg.Capture.FastPathAttempts,
		Backoff:     retry.Linear(o.cfg.Walker.CaptureBackoff),
		Retryable:   schemas.Retryable,
		OnFailure:   o.logFailure(sess, "visible"),
	}, func(ctx context.Context, _ int) ([]byte, error) {
		return sess.page.Primitive().Capture(ctx, opts)
	})
	if err != nil {
		return schemas.CaptureResult{}, err
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return schemas.CaptureResult{}, schemas.NewError(schemas.KindStitchEncoding, "visible",
			fmt.Errorf("decoding capture: %w", err))
	}
	return schemas.CaptureResult{
		Success:      true,
		EncodedImage: data,
		Format:       schemas.ParseOutputFormat(name),
		Width:        cfg.Width,
		Height:       cfg.Height,
		Coverage:     1,
		Tiles:        1,
	}, nil
}

// element runs the full-page pipeline and crops the result to the element.
func (o *Orchestrator) element(ctx context.Context, sess *session) (schemas.CaptureResult, error) {
	selector := sess.req.Selector
	if _, err := sess.page.ElementRect(ctx, selector); err != nil {
		return schemas.CaptureResult{}, invalidElement(selector, err)
	}

	out, err := o.fullPage(ctx, sess)
	if err != nil {
		return schemas.CaptureResult{}, err
	}

	// Expansion may have moved the element.
	rect, err := sess.page.ElementRect(ctx, selector)
	if err != nil {
		return schemas.CaptureResult{}, invalidElement(selector, err)
	}

	var img image.Image = out.Image
	if out.Image == nil {
		img, _, err = image.Decode(bytes.NewReader(out.Bytes))
		if err != nil {
			return schemas.CaptureResult{}, schemas.NewError(schemas.KindStitchEncoding, "element",
				fmt.Errorf("decoding page image: %w", err))
		}
	}
	cropped, err := stitcher.Crop(img, rect, out.Scale)
	if err != nil {
		return schemas.CaptureResult{}, err
	}

	data, format, err := o.stitcher.Encode(cropped, sess.settings.OutputFormat, sess.settings.JPEGQuality)
	if err != nil {
		return schemas.CaptureResult{}, err
	}
	res := out.result()
	res.EncodedImage, res.Format = data, format
	res.Width, res.Height = cropped.Bounds().Dx(), cropped.Bounds().Dy()
	return res, nil
}

func invalidElement(selector string, err error) error {
	if schemas.Fatal(err) && schemas.KindOf(err) != schemas.KindInvalidRequest {
		return err
	}
	ce := schemas.NewError(schemas.KindInvalidRequest, "element", fmt.Errorf("resolving %q: %w", selector, err))
	ce.Hint = "check that the selector matches a visible element on the page"
	return ce
}
