// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Walker     WalkerConfig     `mapstructure:"walker" yaml:"walker"`
	Stabilizer StabilizerConfig `mapstructure:"stabilizer" yaml:"stabilizer"`
	Geometry   GeometryConfig   `mapstructure:"geometry" yaml:"geometry"`
	Matchers   MatchersConfig   `mapstructure:"matchers" yaml:"matchers"`
	Devices    []schemas.Device `mapstructure:"devices" yaml:"devices"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser and the channel to it.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	DeviceScaleFactor float64        `mapstructure:"device_scale_factor" yaml:"device_scale_factor"`
	// Concurrency bounds how many tabs capture at once (multi-device runs).
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	// CapturesPerSecond is the host-side limit on the capture primitive.
	CapturesPerSecond float64 `mapstructure:"captures_per_second" yaml:"captures_per_second"`
	// MessageRetries is how often a single CDP message is retried before the
	// channel is declared unavailable.
	MessageRetries int           `mapstructure:"message_retries" yaml:"message_retries"`
	MessageBackoff time.Duration `mapstructure:"message_backoff" yaml:"message_backoff"`
}

// ViewportSize returns the configured viewport, defaulting to 1920x1080.
func (b BrowserConfig) ViewportSize() (int, int) {
	w, h := b.Viewport["width"], b.Viewport["height"]
	if w <= 0 {
		w = 1920
	}
	if h <= 0 {
		h = 1080
	}
	return w, h
}

// CaptureConfig holds request defaults and the orchestrator's tunables.
type CaptureConfig struct {
	Defaults schemas.CaptureConfiguration `mapstructure:"defaults" yaml:"defaults"`

	FastPathMaxViewports float64       `mapstructure:"fast_path_max_viewports" yaml:"fast_path_max_viewports"`
	FastPathAttempts     int           `mapstructure:"fast_path_attempts" yaml:"fast_path_attempts"`
	TierAttempts         int           `mapstructure:"tier_attempts" yaml:"tier_attempts"`
	TierBackoff          time.Duration `mapstructure:"tier_backoff" yaml:"tier_backoff"`
	MaxOutputDimension   int           `mapstructure:"max_output_dimension" yaml:"max_output_dimension"`
	MaxPageHeight        int           `mapstructure:"max_page_height" yaml:"max_page_height"`
	CoverageThreshold    float64       `mapstructure:"coverage_threshold" yaml:"coverage_threshold"`
	PNGCompression       int           `mapstructure:"png_compression" yaml:"png_compression"`
	LayoutSettle         time.Duration `mapstructure:"layout_settle" yaml:"layout_settle"`

	OutputDir       string `mapstructure:"output_dir" yaml:"output_dir"`
	FilenamePattern string `mapstructure:"filename_pattern" yaml:"filename_pattern"`
	MaxFileSizeMB   int    `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	Thumbnail       bool   `mapstructure:"thumbnail" yaml:"thumbnail"`
	ThumbnailSize   int    `mapstructure:"thumbnail_size" yaml:"thumbnail_size"`
}

// WalkerConfig tunes the viewport walker.
type WalkerConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ScrollTolerance int           `mapstructure:"scroll_tolerance" yaml:"scroll_tolerance"`
	ScrollAttempts  int           `mapstructure:"scroll_attempts" yaml:"scroll_attempts"`
	CaptureAttempts int           `mapstructure:"capture_attempts" yaml:"capture_attempts"`
	CaptureBackoff  time.Duration `mapstructure:"capture_backoff" yaml:"capture_backoff"`
	MaxIterations   int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	EndTolerance    int           `mapstructure:"end_tolerance" yaml:"end_tolerance"`
}

// StabilizerConfig tunes the content stabilizer.
type StabilizerConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BottomDelay  time.Duration `mapstructure:"bottom_delay" yaml:"bottom_delay"`
	ContentDelay time.Duration `mapstructure:"content_delay" yaml:"content_delay"`
	ImageTimeout time.Duration `mapstructure:"image_timeout" yaml:"image_timeout"`
}

// GeometryConfig tunes the page geometry probe.
type GeometryConfig struct {
	SafetyPadding int           `mapstructure:"safety_padding" yaml:"safety_padding"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// MatchersConfig holds the ordered, page-specific heuristics. They are data, not
// code, so they can be versioned and overridden from config.yaml.
type MatchersConfig struct {
	Expand  []schemas.Matcher `mapstructure:"expand" yaml:"expand"`
	Threads []schemas.Matcher `mapstructure:"threads" yaml:"threads"`
	Sticky  []schemas.Matcher `mapstructure:"sticky" yaml:"sticky"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagestitch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.device_scale_factor", 1.0)
	v.SetDefault("browser.concurrency", 3)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "1s")
	// Chrome extensions are capped at two captureVisibleTab calls per second.
	v.SetDefault("browser.captures_per_second", 2.0)
	v.SetDefault("browser.message_retries", 3)
	v.SetDefault("browser.message_backoff", "100ms")

	// -- Capture --
	v.SetDefault("capture.defaults.include_sticky", true)
	v.SetDefault("capture.defaults.auto_expand", false)
	v.SetDefault("capture.defaults.output_format", "png")
	v.SetDefault("capture.defaults.jpeg_quality", 90)
	v.SetDefault("capture.defaults.retina_quality", true)
	v.SetDefault("capture.defaults.developer_overlay", false)
	v.SetDefault("capture.fast_path_max_viewports", 2.0)
	v.SetDefault("capture.fast_path_attempts", 3)
	v.SetDefault("capture.tier_attempts", 3)
	v.SetDefault("capture.tier_backoff", "500ms")
	v.SetDefault("capture.max_output_dimension", 32767)
	v.SetDefault("capture.max_page_height", 20000)
	v.SetDefault("capture.coverage_threshold", 0.99)
	v.SetDefault("capture.png_compression", 6)
	v.SetDefault("capture.layout_settle", "300ms")
	v.SetDefault("capture.output_dir", ".")
	v.SetDefault("capture.filename_pattern", "pagestitch-{mode}-{timestamp}")
	v.SetDefault("capture.max_file_size_mb", 50)
	v.SetDefault("capture.thumbnail", false)
	v.SetDefault("capture.thumbnail_size", 150)

	// -- Walker --
	v.SetDefault("walker.settle_delay", "100ms")
	v.SetDefault("walker.scroll_tolerance", 2)
	v.SetDefault("walker.scroll_attempts", 3)
	v.SetDefault("walker.capture_attempts", 3)
	v.SetDefault("walker.capture_backoff", "500ms")
	v.SetDefault("walker.max_iterations", 200)
	v.SetDefault("walker.end_tolerance", 2)

	// -- Stabilizer --
	v.SetDefault("stabilizer.max_attempts", 15)
	v.SetDefault("stabilizer.bottom_delay", "500ms")
	v.SetDefault("stabilizer.content_delay", "1s")
	v.SetDefault("stabilizer.image_timeout", "5s")

	// -- Geometry --
	v.SetDefault("geometry.safety_padding", 20)
	v.SetDefault("geometry.settle_delay", "300ms")

	// -- Matchers --
	v.SetDefault("matchers.expand", DefaultExpandMatchers())
	v.SetDefault("matchers.threads", DefaultThreadMatchers())
	v.SetDefault("matchers.sticky", DefaultStickyMatchers())

	// -- Devices --
	v.SetDefault("devices", DefaultDevices())
}

// DefaultExpandMatchers returns the built-in "show more / load more" heuristics.
func DefaultExpandMatchers() []schemas.Matcher {
	return []schemas.Matcher{
		{Selector: `[data-testid*="show-more"]`},
		{Selector: `[aria-label*="Show more"]`},
		{Selector: `button`, Text: "show more"},
		{Selector: `button`, Text: "load more"},
		{Selector: `button`, Text: "see more"},
		{Selector: `.show-more`},
		{Selector: `.load-more`},
		{Selector: `.expand-button`},
		{Selector: `[class*="expand"]`},
		{Selector: `[class*="show-more"]`},
	}
}

// DefaultThreadMatchers returns the heuristics for collapsed conversation threads.
// Text alternatives are separated by "|".
func DefaultThreadMatchers() []schemas.Matcher {
	containers := []string{
		`[data-testid*="thread"]`,
		`[class*="thread"]`,
		`[class*="reply"]`,
		`[class*="comment"]`,
		`.comment-thread`,
		`.reply-thread`,
		`[aria-label*="replies"]`,
		`[aria-label*="thread"]`,
	}
	matchers := make([]schemas.Matcher, 0, len(containers))
	for _, c := range containers {
		matchers = append(matchers, schemas.Matcher{
			Selector: c + ` button, ` + c + ` [role="button"]`,
			Text:     "show|more|replies",
		})
	}
	return matchers
}

// DefaultStickyMatchers returns extra selectors hidden alongside computed fixed/sticky elements.
func DefaultStickyMatchers() []schemas.Matcher {
	return []schemas.Matcher{
		{Selector: `.sticky-header`},
		{Selector: `.fixed-nav`},
		{Selector: `[style*="position: fixed"]`},
		{Selector: `[style*="position: sticky"]`},
	}
}

// DefaultDevices returns the desktop, tablet and mobile presets.
func DefaultDevices() []schemas.Device {
	return []schemas.Device{
		{Name: "desktop", Width: 1920, Height: 1080, Scale: 1},
		{Name: "tablet", Width: 768, Height: 1024, Scale: 2, Mobile: true},
		{Name: "mobile", Width: 375, Height: 667, Scale: 3, Mobile: true},
	}
}

// Device looks up a device preset by name.
func (c *Config) Device(name string) (schemas.Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return schemas.Device{}, false
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for per-host settings.
	v.BindEnv("capture.output_dir", "PAGESTITCH_OUTPUT_DIR")
	v.BindEnv("browser.headless", "PAGESTITCH_HEADLESS")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Capture.Defaults = cfg.Capture.Defaults.Normalized()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if c.Browser.CapturesPerSecond <= 0 {
		return fmt.Errorf("browser.captures_per_second must be positive")
	}
	if q := c.Capture.Defaults.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("capture.defaults.jpeg_quality must be between 1 and 100")
	}
	if c.Capture.TierAttempts <= 0 || c.Capture.FastPathAttempts <= 0 {
		return fmt.Errorf("capture.tier_attempts and capture.fast_path_attempts must be positive")
	}
	if c.Capture.CoverageThreshold <= 0 || c.Capture.CoverageThreshold > 1 {
		return fmt.Errorf("capture.coverage_threshold must be in (0, 1]")
	}
	if c.Capture.MaxOutputDimension <= 0 {
		return fmt.Errorf("capture.max_output_dimension must be positive")
	}
	if c.Capture.PNGCompression < 0 || c.Capture.PNGCompression > 9 {
		return fmt.Errorf("capture.png_compression must be between 0 and 9")
	}
	if err := c.Walker.Validate(); err != nil {
		return fmt.Errorf("walker configuration invalid: %w", err)
	}
	if c.Stabilizer.MaxAttempts <= 0 {
		return fmt.Errorf("stabilizer.max_attempts must be positive")
	}
	if c.Geometry.SafetyPadding < 0 {
		return fmt.Errorf("geometry.safety_padding must not be negative")
	}
	for _, m := range c.Matchers.Expand {
		if m.Selector == "" {
			return fmt.Errorf("matchers.expand contains an entry without a selector")
		}
	}
	for _, d := range c.Devices {
		if d.Name == "" || d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("device %q must have a name and positive dimensions", d.Name)
		}
	}
	return nil
}

// Validate checks the WalkerConfig settings.
func (w *WalkerConfig) Validate() error {
	if w.ScrollAttempts <= 0 || w.CaptureAttempts <= 0 {
		return fmt.Errorf("scroll_attempts and capture_attempts must be positive")
	}
	if w.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if w.ScrollTolerance < 0 || w.EndTolerance < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	return nil
}
