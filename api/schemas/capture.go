package schemas

import (
	"strings"
	"time"
)

// -- Capture Configuration Schemas --

// OutputFormat names the encoding of the final image.
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
)

// ParseOutputFormat normalizes user input ("PNG", "jpg", "jpeg") into an OutputFormat.
// Anything unrecognized falls back to PNG, which is always safe to encode.
func ParseOutputFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG
	default:
		return FormatPNG
	}
}

// Extension returns the file extension (without the dot) for the format.
func (f OutputFormat) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// CaptureConfiguration is immutable for the duration of one capture.
type CaptureConfiguration struct {
	IncludeSticky    bool         `json:"includeSticky" mapstructure:"include_sticky" yaml:"include_sticky"`
	AutoExpand       bool         `json:"autoExpand" mapstructure:"auto_expand" yaml:"auto_expand"`
	OutputFormat     OutputFormat `json:"outputFormat" mapstructure:"output_format" yaml:"output_format"`
	JPEGQuality      int          `json:"jpegQuality" mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	RetinaQuality    bool         `json:"retinaQuality" mapstructure:"retina_quality" yaml:"retina_quality"`
	DeveloperOverlay bool         `json:"developerOverlay" mapstructure:"developer_overlay" yaml:"developer_overlay"`
}

// Normalized returns a copy with the format canonicalized and the JPEG quality clamped to 1..100.
func (c CaptureConfiguration) Normalized() CaptureConfiguration {
	c.OutputFormat = ParseOutputFormat(string(c.OutputFormat))
	switch {
	case c.JPEGQuality <= 0:
		c.JPEGQuality = 90
	case c.JPEGQuality > 100:
		c.JPEGQuality = 100
	}
	return c
}

// CaptureMode selects which capture flow the orchestrator runs.
type CaptureMode string

const (
	ModeFullPage     CaptureMode = "full"
	ModeVisible      CaptureMode = "visible"
	ModeElement      CaptureMode = "element"
	ModeConversation CaptureMode = "conversation"
)

// CaptureRequest is what a caller hands to the orchestrator.
type CaptureRequest struct {
	Page     Page                 `json:"-"`
	Settings CaptureConfiguration `json:"settings"`
	Mode     CaptureMode          `json:"mode,omitempty"`

	// Selector is required for ModeElement.
	Selector string `json:"selector,omitempty"`

	// CollectLinks attaches all page links to the result.
	CollectLinks bool `json:"collectLinks,omitempty"`
}

// CaptureResult is terminal. Exactly one of EncodedImage or ErrorKind is set.
type CaptureResult struct {
	Success      bool         `json:"success"`
	EncodedImage []byte       `json:"data,omitempty"`
	Format       OutputFormat `json:"format,omitempty"`
	Width        int          `json:"width,omitempty"`
	Height       int          `json:"height,omitempty"`
	Coverage     float64      `json:"coverage,omitempty"`
	Tiles        int          `json:"tiles,omitempty"`

	// Degraded is set when only the last-resort single viewport capture succeeded.
	Degraded bool          `json:"degraded,omitempty"`
	Links    []Link        `json:"links,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"error,omitempty"`
	Hint      string    `json:"hint,omitempty"`
}

// -- Geometry Schemas --

// PageDimensions are the authoritative scroll dimensions of a page in CSS pixels.
// ScrollWidth and ScrollHeight are never smaller than the viewport.
type PageDimensions struct {
	ScrollWidth  int `json:"scrollWidth"`
	ScrollHeight int `json:"scrollHeight"`

	// CaptureHeight is the height that viewport captures can actually reach: the
	// scrollable extent for scrolling documents, the unpadded content height for
	// pages that do not scroll. It is below the viewport height for short pages.
	CaptureHeight int `json:"captureHeight"`
}

// Viewport describes the visible area of a page.
type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"dpr"`
}

// ScrollPosition is the achieved scroll offset plus the furthest the document allows.
type ScrollPosition struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	MaxY int `json:"maxY"`
}

// SizeSignals are the raw DOM size readings the geometry probe reconciles.
type SizeSignals struct {
	BodyScrollWidth  int `json:"bodyScrollWidth"`
	BodyOffsetWidth  int `json:"bodyOffsetWidth"`
	BodyClientWidth  int `json:"bodyClientWidth"`
	RootScrollWidth  int `json:"rootScrollWidth"`
	RootOffsetWidth  int `json:"rootOffsetWidth"`
	RootClientWidth  int `json:"rootClientWidth"`
	BodyScrollHeight int `json:"bodyScrollHeight"`
	BodyOffsetHeight int `json:"bodyOffsetHeight"`
	BodyClientHeight int `json:"bodyClientHeight"`
	RootScrollHeight int `json:"rootScrollHeight"`
	RootOffsetHeight int `json:"rootOffsetHeight"`
	RootClientHeight int `json:"rootClientHeight"`
}

// Extent is the furthest bottom/right edge reached by any in-flow element with area.
type Extent struct {
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Rect is a document-relative rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// -- Tile Schemas --

// Tile is one captured viewport plus where it landed on the page.
type Tile struct {
	ImageData       []byte `json:"-"`
	RequestedOffset int    `json:"requestedOffset"`
	AchievedOffset  int    `json:"achievedOffset"`
	CoveredHeight   int    `json:"coveredHeight"`
	SequenceIndex   int    `json:"sequenceIndex"`
}

// End is the exclusive bottom of the tile's nominal coverage.
func (t Tile) End() int { return t.AchievedOffset + t.CoveredHeight }

// -- Heuristic Data Schemas --

// Matcher identifies page controls heuristically. Selector is a CSS selector and Text,
// when set, must appear (case-insensitively) in the element's text or aria-label.
type Matcher struct {
	Selector string `json:"selector" mapstructure:"selector" yaml:"selector"`
	Text     string `json:"text,omitempty" mapstructure:"text" yaml:"text"`
}

// Link is an anchor harvested from the page.
type Link struct {
	URL   string `json:"url"`
	Text  string `json:"text"`
	Title string `json:"title"`
}

// Device is a viewport emulation preset.
type Device struct {
	Name      string  `json:"name" mapstructure:"name" yaml:"name"`
	Width     int     `json:"width" mapstructure:"width" yaml:"width"`
	Height    int     `json:"height" mapstructure:"height" yaml:"height"`
	Scale     float64 `json:"scale" mapstructure:"scale" yaml:"scale"`
	Mobile    bool    `json:"mobile" mapstructure:"mobile" yaml:"mobile"`
	UserAgent string  `json:"userAgent,omitempty" mapstructure:"user_agent" yaml:"user_agent"`
}
