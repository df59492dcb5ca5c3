package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is one browser tab driven over CDP. All DOM access goes through the
// embedded page scripts; every message is retried a bounded number of times
// before the channel is reported unavailable.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	primitive *Primitive

	// runActionsFunc executes chromedp actions in the tab. Tests replace it.
	runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error
	// evalFunc evaluates an expression and returns its JSON value. Tests replace it.
	evalFunc func(ctx context.Context, expression string) ([]byte, error)

	mu         sync.Mutex
	priorUA    string
	overrodeUA bool

	onClose   func()
	closeOnce sync.Once
}

var (
	_ schemas.Page     = (*Session)(nil)
	_ schemas.Emulator = (*Session)(nil)
)

// newSession wraps a tab context. cancel closes the tab.
func newSession(tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger, cfg config.BrowserConfig) *Session {
	id := uuid.New().String()
	s := &Session{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", id)),
		cfg:    cfg,
	}
	s.runActionsFunc = s.runActions
	s.evalFunc = s.evaluate
	s.primitive = newPrimitive(s, cfg.CapturesPerSecond)
	return s
}

// ID returns the unique tab identifier.
func (s *Session) ID() string { return s.id }

// Primitive returns the rate-limited screenshot primitive of this tab.
func (s *Session) Primitive() schemas.CapturePrimitive { return s.primitive }

// RunActions executes actions in the tab. It is canceled when either ctx or the
// tab is done.
func (s *Session) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	return s.runActionsFunc(ctx, actions...)
}

func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := ctxutil.CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) evaluate(ctx context.Context, expression string) ([]byte, error) {
	var raw []byte
	err := s.RunActions(ctx, chromedp.Evaluate(expression, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true).WithSilent(true)
	}))
	return raw, err
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing tab.")
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Navigate loads url and waits for the configured post-load delay.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout)
		defer cancel()
	}

	s.logger.Info("Navigating.", zap.String("url", url))
	if err := s.RunActions(navCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ctx.Err() != nil {
			return schemas.NewError(schemas.KindChannelUnavailable, "navigate", err)
		}
		ce := schemas.NewError(schemas.KindInvalidRequest, "navigate", fmt.Errorf("loading %s: %w", url, err))
		ce.Hint = "check that the URL is reachable from this machine"
		return ce
	}
	return retry.Sleep(ctx, s.cfg.PostLoadWait)
}

// Ping checks that the tab still answers.
func (s *Session) Ping(ctx context.Context) error {
	var ok bool
	err := s.send(ctx, "ping", func(ctx context.Context) error {
		raw, err := s.evalFunc(ctx, "true")
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &ok)
	})
	if err == nil && !ok {
		err = errors.New("unexpected ping reply")
	}
	if err != nil && ctx.Err() == nil && schemas.KindOf(err) != schemas.KindChannelUnavailable {
		return schemas.NewError(schemas.KindChannelUnavailable, "ping", err)
	}
	return err
}

// -- Scroller --

func (s *Session) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var vp schemas.Viewport
	err := s.call(ctx, "viewport", nil, &vp)
	if err == nil && vp.DevicePixelRatio <= 0 {
		vp.DevicePixelRatio = 1
	}
	return vp, err
}

func (s *Session) ScrollPosition(ctx context.Context) (schemas.ScrollPosition, error) {
	var pos schemas.ScrollPosition
	err := s.call(ctx, "scroll_position", nil, &pos)
	return pos, err
}

func (s *Session) ScrollTo(ctx context.Context, x, y int) error {
	return s.call(ctx, "scroll_to", map[string]int{"x": x, "y": y}, nil)
}

func (s *Session) ScrollBehavior(ctx context.Context) (string, error) {
	var value string
	err := s.call(ctx, "scroll_behavior", nil, &value)
	return value, err
}

func (s *Session) SetScrollBehavior(ctx context.Context, value string) error {
	return s.call(ctx, "scroll_behavior", map[string]string{"value": value}, nil)
}

// -- GeometrySource --

func (s *Session) SizeSignals(ctx context.Context) (schemas.SizeSignals, error) {
	var sig schemas.SizeSignals
	err := s.call(ctx, "size_signals", nil, &sig)
	return sig, err
}

func (s *Session) ElementExtent(ctx context.Context) (schemas.Extent, error) {
	var ext schemas.Extent
	err := s.call(ctx, "element_extent", nil, &ext)
	return ext, err
}

// -- Expander --

func (s *Session) ClickVisible(ctx context.Context, matchers []schemas.Matcher) (int, error) {
	if len(matchers) == 0 {
		return 0, nil
	}
	var n int
	err := s.call(ctx, "click_visible", map[string]interface{}{"matchers": matchers}, &n)
	return n, err
}

func (s *Session) DispatchLayoutEvents(ctx context.Context) error {
	return s.call(ctx, "layout_events", nil, nil)
}

// WaitForImages resolves once every image has loaded or failed. The promise is
// awaited in the page, so ctx bounds the wait.
func (s *Session) WaitForImages(ctx context.Context) error {
	var pending int
	if err := s.call(ctx, "wait_for_images", nil, &pending); err != nil {
		return err
	}
	if pending > 0 {
		s.logger.Debug("Waited for images.", zap.Int("pending", pending))
	}
	return nil
}

// -- StyleController --

func (s *Session) HideFixedElements(ctx context.Context, extra []schemas.Matcher) (int, error) {
	var n int
	err := s.call(ctx, "hide_fixed", map[string]interface{}{"extra": extra}, &n)
	return n, err
}

func (s *Session) RestoreHiddenElements(ctx context.Context) error {
	return s.call(ctx, "restore_hidden", nil, nil)
}

func (s *Session) AddDiagnosticOverlay(ctx context.Context) error {
	return s.call(ctx, "overlay_add", nil, nil)
}

func (s *Session) RemoveDiagnosticOverlay(ctx context.Context) error {
	return s.call(ctx, "overlay_remove", nil, nil)
}

func (s *Session) ResetStyles(ctx context.Context) error {
	return s.call(ctx, "reset_styles", nil, nil)
}

// -- Inspector --

// ElementRect returns the document rect of the first element matching selector.
func (s *Session) ElementRect(ctx context.Context, selector string) (schemas.Rect, error) {
	var rect *schemas.Rect
	if err := s.call(ctx, "element_rect", map[string]string{"selector": selector}, &rect); err != nil {
		return schemas.Rect{}, err
	}
	if rect == nil || rect.Width <= 0 || rect.Height <= 0 {
		return schemas.Rect{}, schemas.Errorf(schemas.KindInvalidRequest, "element_rect",
			"no visible element matches %q", selector)
	}
	return *rect, nil
}

func (s *Session) Links(ctx context.Context) ([]schemas.Link, error) {
	var links []schemas.Link
	err := s.call(ctx, "links", nil, &links)
	return links, err
}

// -- Emulator --

// Emulate overrides the device metrics (and user agent, when the preset has one).
func (s *Session) Emulate(ctx context.Context, device schemas.Device) error {
	scale := device.Scale
	if scale <= 0 {
		scale = 1
	}

	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(device.Width), int64(device.Height), scale, device.Mobile),
	}
	if device.UserAgent != "" {
		s.mu.Lock()
		needPrior := !s.overrodeUA
		s.mu.Unlock()
		if needPrior {
			var prior string
			if err := s.send(ctx, "emulate", func(ctx context.Context) error {
				raw, err := s.evalFunc(ctx, "navigator.userAgent")
				if err != nil {
					return err
				}
				return json.Unmarshal(raw, &prior)
			}); err != nil {
				return err
			}
			s.mu.Lock()
			s.priorUA, s.overrodeUA = prior, true
			s.mu.Unlock()
		}
		actions = append(actions, emulation.SetUserAgentOverride(device.UserAgent))
	}

	s.logger.Debug("Emulating device.",
		zap.String("device", device.Name),
		zap.Int("width", device.Width),
		zap.Int("height", device.Height),
		zap.Float64("scale", scale),
	)
	return s.send(ctx, "emulate", func(ctx context.Context) error {
		return s.RunActions(ctx, actions...)
	})
}

// ClearEmulation drops the metrics override and restores the original user agent.
func (s *Session) ClearEmulation(ctx context.Context) error {
	actions := []chromedp.Action{emulation.ClearDeviceMetricsOverride()}

	s.mu.Lock()
	if s.overrodeUA {
		actions = append(actions, emulation.SetUserAgentOverride(s.priorUA))
		s.overrodeUA = false
	}
	s.mu.Unlock()

	return s.send(ctx, "clear_emulation", func(ctx context.Context) error {
		return s.RunActions(ctx, actions...)
	})
}

// -- messaging --

// call evaluates a page script and decodes its result into out (when non-nil).
func (s *Session) call(ctx context.Context, name string, args, out interface{}) error {
	expr, err := expression(name, args)
	if err != nil {
		return err
	}
	var raw []byte
	if err := s.send(ctx, name, func(ctx context.Context) error {
		var err error
		raw, err = s.evalFunc(ctx, expr)
		return err
	}); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", name, err)
	}
	return nil
}

// send runs one CDP exchange with bounded retries. Script exceptions and
// cancellation are returned as they are; transport failures that outlast the
// retries, or a closed tab, are KindChannelUnavailable.
func (s *Session) send(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := s.ctx.Err(); err != nil {
		return schemas.NewError(schemas.KindChannelUnavailable, op, fmt.Errorf("tab is closed: %w", err))
	}

	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: s.cfg.MessageRetries,
		Backoff:     retry.Constant(s.cfg.MessageBackoff),
		Retryable: func(err error) bool {
			return ctx.Err() == nil && s.ctx.Err() == nil && !isScriptError(err)
		},
		OnFailure: func(attempt int, err error, next time.Duration) {
			if next > 0 {
				s.logger.Debug("Page message failed; retrying.",
					zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			}
		},
	}, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case isScriptError(err):
		return fmt.Errorf("%s: page script failed: %w", op, err)
	default:
		return schemas.NewError(schemas.KindChannelUnavailable, op, err)
	}
}

func isScriptError(err error) bool {
	var exc *runtime.ExceptionDetails
	return errors.As(err, &exc)
}
