// Package fakepage provides a deterministic synthetic page for pipeline tests.
//
// The document is rendered as horizontal stripes: every CSS row y has a color
// that encodes y, so a stitched image can be checked row by row with RowAt. A
// fixed header, when present and not hidden, is painted pure red at the top of
// every capture, which is how duplicated sticky bars show up in tests.
package fakepage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// StickyColor is the fill of the fixed header.
var StickyColor = color.RGBA{R: 255, A: 255}

// rowColor encodes a document row. Blue is fixed at 128 so rows never collide
// with StickyColor or the white canvas.
func rowColor(y int) color.RGBA {
	return color.RGBA{R: uint8(y & 0xff), G: uint8((y >> 8) & 0xff), B: 128, A: 255}
}

// RowAt decodes the document row encoded in c. ok is false for pixels that are
// not document content (canvas background, sticky header).
func RowAt(c color.Color) (y int, ok bool) {
	r, g, b, _ := c.RGBA()
	if b>>8 != 128 {
		return 0, false
	}
	return int(r>>8) | int(g>>8)<<8, true
}

// Page is a synthetic tab. Exported fields configure behavior and must be set
// before use.
type Page struct {
	Name string

	ViewportWidth  int
	ViewportHeight int
	DPR            float64

	// Height is the document height; it grows through the lazy-load knobs below.
	Height int
	// OverflowBottom extends the element extent past Height, as absolutely
	// positioned content does.
	OverflowBottom int

	// StickyHeight is the height of a fixed header painted at the top of each capture.
	StickyHeight int

	// ScrollJitter perturbs the achieved offset of ScrollTo before clamping.
	ScrollJitter func(target int) int
	// IgnoredScrolls drops the first N ScrollTo calls.
	IgnoredScrolls int

	// BottomGrowth is appended to Height, one entry per scroll to the bottom.
	BottomGrowth []int
	// Expanders is the number of clickable "show more" controls; each adds ExpandGrowth.
	Expanders    int
	ExpandGrowth int
	// LayoutEventGrowth is added once on the first DispatchLayoutEvents.
	LayoutEventGrowth int

	PageLinks []schemas.Link
	Elements  map[string]schemas.Rect

	PingErr   error
	ImagesErr error

	// InitialScrollY and InitialBehavior are the pre-capture state.
	InitialScrollY  int
	InitialBehavior string

	mu            sync.Mutex
	initialized   bool
	scrollY       int
	behavior      string
	priorBehavior *string
	hidden        int
	overlay       bool
	styled        bool
	layoutFired   bool
	scrolls       int
	events        []string
	emulated      *schemas.Device
	savedViewport [3]float64

	primitive *Primitive
}

// New returns a page with the given viewport and document height at DPR 1.
func New(viewportWidth, viewportHeight, height int) *Page {
	return &Page{
		Name:           "fake",
		ViewportWidth:  viewportWidth,
		ViewportHeight: viewportHeight,
		DPR:            1,
		Height:         height,
	}
}

func (p *Page) lazyInit() {
	if p.initialized {
		return
	}
	p.initialized = true
	p.behavior = p.InitialBehavior
	p.scrollY = p.clamp(p.InitialScrollY)
	if p.DPR <= 0 {
		p.DPR = 1
	}
}

func (p *Page) record(format string, args ...interface{}) {
	p.events = append(p.events, fmt.Sprintf(format, args...))
}

func (p *Page) maxY() int {
	if m := p.Height - p.ViewportHeight; m > 0 {
		return m
	}
	return 0
}

func (p *Page) clamp(y int) int {
	if y < 0 {
		return 0
	}
	if m := p.maxY(); y > m {
		return m
	}
	return y
}

// -- Introspection --

// Events returns the ordered log of mutations.
func (p *Page) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// CountEvents counts events with the given prefix.
func (p *Page) CountEvents(prefix string) int {
	n := 0
	for _, e := range p.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// CurrentScrollY returns the live scroll offset.
func (p *Page) CurrentScrollY() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	return p.scrollY
}

// CurrentBehavior returns the live inline scroll-behavior.
func (p *Page) CurrentBehavior() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	return p.behavior
}

// HiddenCount returns how many fixed elements are currently hidden.
func (p *Page) HiddenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden
}

// OverlayVisible reports whether the diagnostic overlay is attached.
func (p *Page) OverlayVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overlay
}

// CurrentHeight returns the document height after any growth.
func (p *Page) CurrentHeight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Height
}

// -- schemas.Page --

func (p *Page) ID() string { return p.Name }

func (p *Page) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.PingErr
}

func (p *Page) Viewport(ctx context.Context) (schemas.Viewport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	return schemas.Viewport{Width: p.ViewportWidth, Height: p.ViewportHeight, DevicePixelRatio: p.DPR}, ctx.Err()
}

func (p *Page) ScrollPosition(ctx context.Context) (schemas.ScrollPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	return schemas.ScrollPosition{Y: p.scrollY, MaxY: p.maxY()}, ctx.Err()
}

func (p *Page) ScrollTo(ctx context.Context, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()

	p.scrolls++
	if p.scrolls <= p.IgnoredScrolls {
		p.record("scroll-ignored:%d", y)
		return nil
	}
	target := y
	if p.ScrollJitter != nil {
		target = p.ScrollJitter(y)
	}
	p.scrollY = p.clamp(target)
	p.record("scroll:%d->%d", y, p.scrollY)

	if p.scrollY >= p.maxY() && len(p.BottomGrowth) > 0 {
		p.Height += p.BottomGrowth[0]
		p.BottomGrowth = p.BottomGrowth[1:]
		p.record("grow:%d", p.Height)
	}
	return nil
}

func (p *Page) ScrollBehavior(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	return p.behavior, ctx.Err()
}

func (p *Page) SetScrollBehavior(ctx context.Context, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	// Remembers the page's own value until it is set back, like the browser script.
	if p.priorBehavior == nil {
		prior := p.behavior
		p.priorBehavior = &prior
	}
	p.behavior = value
	if *p.priorBehavior == value {
		p.priorBehavior = nil
	}
	p.record("behavior:%s", value)
	return ctx.Err()
}

func (p *Page) SizeSignals(ctx context.Context) (schemas.SizeSignals, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rootScroll := p.Height
	if rootScroll < p.ViewportHeight {
		rootScroll = p.ViewportHeight
	}
	return schemas.SizeSignals{
		BodyScrollWidth:  p.ViewportWidth,
		BodyOffsetWidth:  p.ViewportWidth,
		BodyClientWidth:  p.ViewportWidth,
		RootScrollWidth:  p.ViewportWidth,
		RootOffsetWidth:  p.ViewportWidth,
		RootClientWidth:  p.ViewportWidth,
		BodyScrollHeight: p.Height,
		BodyOffsetHeight: p.Height,
		BodyClientHeight: p.Height,
		RootScrollHeight: rootScroll,
		RootOffsetHeight: p.Height,
		RootClientHeight: p.ViewportHeight,
	}, ctx.Err()
}

func (p *Page) ElementExtent(ctx context.Context) (schemas.Extent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return schemas.Extent{Right: p.ViewportWidth, Bottom: p.Height + p.OverflowBottom}, ctx.Err()
}

func (p *Page) ClickVisible(ctx context.Context, matchers []schemas.Matcher) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(matchers) == 0 || p.Expanders == 0 {
		return 0, nil
	}
	clicked := p.Expanders
	p.Height += clicked * p.ExpandGrowth
	p.Expanders = 0
	p.record("click:%d", clicked)
	return clicked, nil
}

func (p *Page) DispatchLayoutEvents(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("layout-events")
	if !p.layoutFired {
		p.layoutFired = true
		p.Height += p.LayoutEventGrowth
	}
	return ctx.Err()
}

func (p *Page) WaitForImages(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.ImagesErr
}

func (p *Page) HideFixedElements(ctx context.Context, extra []schemas.Matcher) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StickyHeight > 0 {
		p.hidden = 1
	}
	p.record("hide:%d", p.hidden)
	return p.hidden, ctx.Err()
}

func (p *Page) RestoreHiddenElements(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden = 0
	p.record("restore-hidden")
	return nil
}

func (p *Page) AddDiagnosticOverlay(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overlay = true
	p.styled = true
	p.record("overlay:on")
	return ctx.Err()
}

func (p *Page) RemoveDiagnosticOverlay(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overlay = false
	p.record("overlay:off")
	return nil
}

func (p *Page) ResetStyles(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lazyInit()
	p.styled = false
	p.overlay = false
	if p.priorBehavior != nil {
		p.behavior = *p.priorBehavior
		p.priorBehavior = nil
	}
	p.record("reset-styles")
	return nil
}

func (p *Page) ElementRect(ctx context.Context, selector string) (schemas.Rect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.Elements[selector]
	if !ok {
		return schemas.Rect{}, fmt.Errorf("element %q not found", selector)
	}
	return r, nil
}

func (p *Page) Links(ctx context.Context) ([]schemas.Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.Link(nil), p.PageLinks...), ctx.Err()
}

// -- schemas.Emulator --

func (p *Page) Emulate(ctx context.Context, d schemas.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emulated == nil {
		p.savedViewport = [3]float64{float64(p.ViewportWidth), float64(p.ViewportHeight), p.DPR}
	}
	p.emulated = &d
	p.ViewportWidth, p.ViewportHeight = d.Width, d.Height
	if d.Scale > 0 {
		p.DPR = d.Scale
	}
	p.record("emulate:%s", d.Name)
	return ctx.Err()
}

func (p *Page) ClearEmulation(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emulated != nil {
		p.ViewportWidth = int(p.savedViewport[0])
		p.ViewportHeight = int(p.savedViewport[1])
		p.DPR = p.savedViewport[2]
		p.emulated = nil
	}
	p.record("clear-emulation")
	return nil
}

// Primitive returns the capture primitive bound to this page.
func (p *Page) Primitive() schemas.CapturePrimitive {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primitive == nil {
		p.primitive = &Primitive{page: p}
	}
	return p.primitive
}

// FakePrimitive returns the concrete primitive for configuring hooks.
func (p *Page) FakePrimitive() *Primitive {
	return p.Primitive().(*Primitive)
}

// -- Capture Primitive --

// Primitive renders the page's current viewport, or a clip of the document, as stripes.
type Primitive struct {
	page *Page

	// Hook runs before every capture with the 1-based call number. A non-nil
	// error fails that call. It may block.
	Hook func(ctx context.Context, call int) error
	// ShortRows truncates the image of the given call to that many CSS rows.
	ShortRows map[int]int

	mu    sync.Mutex
	calls int
	opts  []schemas.CaptureOptions
}

// Calls returns the number of Capture invocations so far.
func (f *Primitive) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Options returns the options of every call in order.
func (f *Primitive) Options() []schemas.CaptureOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.CaptureOptions(nil), f.opts...)
}

func (f *Primitive) Capture(ctx context.Context, opts schemas.CaptureOptions) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.opts = append(f.opts, opts)
	hook := f.Hook
	short, truncated := f.ShortRows[call]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return nil, err
		}
	}

	p := f.page
	p.mu.Lock()
	p.lazyInit()
	top, rows, width := p.scrollY, p.ViewportHeight, p.ViewportWidth
	if opts.Clip != nil {
		top, rows = int(opts.Clip.Y), int(opts.Clip.Height)
		if opts.Clip.Width > 0 {
			width = int(opts.Clip.Width)
		}
	}
	if truncated && short < rows {
		rows = short
	}
	dpr := p.DPR
	sticky := 0
	if p.hidden == 0 {
		sticky = p.StickyHeight
	}
	p.record("capture:%d@%d", call, top)
	p.mu.Unlock()

	img := Render(top, rows, width, dpr, sticky)
	return Encode(img, opts.Format, opts.Quality)
}

// Render paints document rows [top, top+rows) at the given pixel density, with a
// sticky header of stickyRows CSS rows at the top.
func Render(top, rows, width int, dpr float64, stickyRows int) *image.RGBA {
	pw, ph := int(float64(width)*dpr), int(float64(rows)*dpr)
	img := image.NewRGBA(image.Rect(0, 0, pw, ph))
	for py := 0; py < ph; py++ {
		cssRow := int(float64(py) / dpr)
		c := rowColor(top + cssRow)
		if cssRow < stickyRows {
			c = StickyColor
		}
		for px := 0; px < pw; px++ {
			img.SetRGBA(px, py, c)
		}
	}
	return img
}

// Encode serializes img in the requested format.
func Encode(img image.Image, format schemas.OutputFormat, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if format == schemas.FormatJPEG {
		if quality <= 0 {
			quality = 90
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	} else {
		err = png.Encode(&buf, img)
	}
	return buf.Bytes(), err
}

// Decode is a test convenience wrapper around image.Decode.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
