// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 3, cfg.Browser.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 2.0, cfg.Browser.CapturesPerSecond)

	assert.Equal(t, schemas.FormatPNG, cfg.Capture.Defaults.OutputFormat)
	assert.Equal(t, 90, cfg.Capture.Defaults.JPEGQuality)
	assert.True(t, cfg.Capture.Defaults.IncludeSticky)
	assert.Equal(t, 32767, cfg.Capture.MaxOutputDimension)
	assert.Equal(t, 0.99, cfg.Capture.CoverageThreshold)

	assert.Equal(t, 100*time.Millisecond, cfg.Walker.SettleDelay)
	assert.Equal(t, 200, cfg.Walker.MaxIterations)
	assert.Equal(t, 15, cfg.Stabilizer.MaxAttempts)
	assert.Equal(t, 20, cfg.Geometry.SafetyPadding)

	assert.NotEmpty(t, cfg.Matchers.Expand)
	assert.NotEmpty(t, cfg.Matchers.Threads)
	assert.Len(t, cfg.Matchers.Sticky, 4)

	require.Len(t, cfg.Devices, 3)
	mobile, ok := cfg.Device("mobile")
	require.True(t, ok)
	assert.Equal(t, 375, mobile.Width)
	assert.Equal(t, 3.0, mobile.Scale)
	assert.True(t, mobile.Mobile)

	_, ok = cfg.Device("watch")
	assert.False(t, ok)

	assert.NoError(t, cfg.Validate(), "defaults must always validate")
}

func TestViewportSize(t *testing.T) {
	w, h := BrowserConfig{}.ViewportSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = BrowserConfig{Viewport: map[string]int{"width": 1280, "height": 720}}.ViewportSize()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestDefaultThreadMatchers(t *testing.T) {
	for _, m := range DefaultThreadMatchers() {
		assert.Contains(t, m.Selector, " button")
		assert.Contains(t, m.Selector, `[role="button"]`)
		assert.Equal(t, "show|more|replies", m.Text)
	}
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		invalidBrowser := *cfg
		invalidBrowser.Browser.Concurrency = 0
		err := invalidBrowser.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "browser.concurrency must be a positive integer")

		invalidRate := *cfg
		invalidRate.Browser.CapturesPerSecond = 0
		assert.ErrorContains(t, invalidRate.Validate(), "captures_per_second")

		invalidCoverage := *cfg
		invalidCoverage.Capture.CoverageThreshold = 1.5
		assert.ErrorContains(t, invalidCoverage.Validate(), "coverage_threshold")

		invalidPNG := *cfg
		invalidPNG.Capture.PNGCompression = 12
		assert.ErrorContains(t, invalidPNG.Validate(), "png_compression")
	})

	t.Run("Walker Validation", func(t *testing.T) {
		valid := WalkerConfig{ScrollAttempts: 3, CaptureAttempts: 3, MaxIterations: 200, ScrollTolerance: 2}
		assert.NoError(t, valid.Validate())

		noIterations := valid
		noIterations.MaxIterations = 0
		assert.ErrorContains(t, noIterations.Validate(), "max_iterations must be positive")

		negativeTolerance := valid
		negativeTolerance.ScrollTolerance = -1
		assert.ErrorContains(t, negativeTolerance.Validate(), "tolerances must not be negative")
	})

	t.Run("Device Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Devices = append(cfg.Devices, schemas.Device{Name: "broken"})
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `device "broken"`)
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  concurrency: 2
capture:
  defaults:
    output_format: jpg
    jpeg_quality: 250
walker:
  settle_delay: 250ms
matchers:
  expand:
    - selector: ".more-button"
      text: "more"
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.Browser.Concurrency)
		assert.Equal(t, schemas.FormatJPEG, cfg.Capture.Defaults.OutputFormat, "format is canonicalized")
		assert.Equal(t, 100, cfg.Capture.Defaults.JPEGQuality, "quality is clamped")
		assert.Equal(t, 250*time.Millisecond, cfg.Walker.SettleDelay)
		assert.Equal(t, []schemas.Matcher{{Selector: ".more-button", Text: "more"}}, cfg.Matchers.Expand)
		// Defaults not overridden by the file survive.
		assert.Equal(t, "info", cfg.Logger.Level)
		assert.Len(t, cfg.Devices, 3)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("walker.max_iterations", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "max_iterations must be positive")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		t.Setenv("PAGESTITCH_OUTPUT_DIR", "/tmp/shots")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/shots", cfg.Capture.OutputDir)
	})
}
