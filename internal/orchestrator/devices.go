package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/retry"
)

// PageOpener opens a fresh page with the target loaded. The returned func closes it.
type PageOpener func(ctx context.Context) (schemas.Page, func(), error)

// DeviceResult pairs a device preset with its capture.
type DeviceResult struct {
	Device schemas.Device        `json:"device"`
	Result schemas.CaptureResult `json:"result"`
}

// CaptureDevice runs a full-page capture of req.Page under device. The
// emulation is applied after the page is reserved for this capture and dropped
// before it is released.
func (o *Orchestrator) CaptureDevice(ctx context.Context, req schemas.CaptureRequest, device schemas.Device) schemas.CaptureResult {
	if req.Page == nil {
		return schemas.FailureResult(schemas.Errorf(schemas.KindInvalidRequest, "device", "no page"))
	}
	if _, ok := req.Page.(schemas.Emulator); !ok {
		return schemas.FailureResult(schemas.Errorf(schemas.KindInvalidRequest, "device",
			"page %s does not support device emulation", req.Page.ID()))
	}
	if req.Mode == "" || req.Mode == schemas.ModeVisible || req.Mode == schemas.ModeElement {
		req.Mode = schemas.ModeFullPage
	}
	return o.run(ctx, req, &device)
}

// emulate applies device to the session's page and waits for the layout to
// settle. The returned func clears the emulation on a detached context.
func (o *Orchestrator) emulate(ctx context.Context, sess *session, device schemas.Device) (func(), error) {
	em := sess.page.(schemas.Emulator)
	logger := sess.logger.With(zap.String("device", device.Name))

	if err := em.Emulate(ctx, device); err != nil {
		return nil, fmt.Errorf("emulating %s: %w", device.Name, err)
	}
	restore := func() {
		cctx, cancel := ctxutil.ForCleanup(ctx, 0)
		defer cancel()
		if err := em.ClearEmulation(cctx); err != nil {
			logger.Warn("Failed to clear device emulation.", zap.Error(err))
		}
	}
	if err := retry.Sleep(ctx, o.cfg.Capture.LayoutSettle); err != nil {
		restore()
		return nil, err
	}
	logger.Debug("Emulating device.", zap.Int("width", device.Width), zap.Int("height", device.Height))
	return restore, nil
}

// CaptureDevices captures every preset, each in its own page, at most
// browser.concurrency at a time. Failures of one device do not stop the others.
func (o *Orchestrator) CaptureDevices(ctx context.Context, open PageOpener, req schemas.CaptureRequest, devices []schemas.Device) ([]DeviceResult, error) {
	if open == nil {
		return nil, schemas.Errorf(schemas.KindInvalidRequest, "devices", "no page opener")
	}
	results := make([]DeviceResult, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	limit := o.cfg.Browser.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, device := range devices {
		i, device := i, device
		g.Go(func() error {
			results[i].Device = device

			page, closePage, err := open(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i].Result = schemas.FailureResult(fmt.Errorf("opening page for %s: %w", device.Name, err))
				return nil
			}
			defer closePage()

			r := req
			r.Page = page
			results[i].Result = o.CaptureDevice(gctx, r, device)
			return nil
		})
	}

	// Only cancellation reaches here as an error.
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}
