package cmd

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/orchestrator"
	"github.com/xkilldash9x/pagestitch/internal/stitcher"
	"github.com/xkilldash9x/pagestitch/internal/testing/fakepage"
)

var fixedNow = time.UnixMilli(1700000000123)

func testWriter(t *testing.T, dir string) *resultWriter {
	t.Helper()
	cfg := config.NewDefaultConfig().Capture
	cfg.OutputDir = dir
	w := newResultWriter(cfg, zaptest.NewLogger(t), stitcher.New(zaptest.NewLogger(t), stitcher.Options{MaxOutputDimension: 32767}))
	w.now = func() time.Time { return fixedNow }
	return w
}

func pngResult(t *testing.T, width, height int) schemas.CaptureResult {
	t.Helper()
	data, err := fakepage.Encode(fakepage.Render(0, height, width, 1, 0), schemas.FormatPNG, 0)
	require.NoError(t, err)
	return schemas.CaptureResult{Success: true, EncodedImage: data, Format: schemas.FormatPNG, Width: width, Height: height, Tiles: 1, Coverage: 1}
}

func TestSettingsFlags(t *testing.T) {
	defaults := config.NewDefaultConfig().Capture.Defaults

	parse := func(t *testing.T, args ...string) (schemas.CaptureConfiguration, error) {
		t.Helper()
		var f settingsFlags
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		f.register(fs)
		require.NoError(t, fs.Parse(args))
		return f.apply(fs, defaults)
	}

	s, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, defaults.Normalized(), s, "unset flags keep the configured defaults")

	s, err = parse(t, "--format", "jpg", "--quality", "55", "--include-sticky=false", "--auto-expand", "--dev-overlay", "--retina=false")
	require.NoError(t, err)
	assert.Equal(t, schemas.FormatJPEG, s.OutputFormat)
	assert.Equal(t, 55, s.JPEGQuality)
	assert.False(t, s.IncludeSticky)
	assert.True(t, s.AutoExpand)
	assert.True(t, s.DeveloperOverlay)
	assert.False(t, s.RetinaQuality)

	_, err = parse(t, "--format", "webp")
	assert.Error(t, err)
	_, err = parse(t, "--quality", "101")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]schemas.CaptureMode{
		"":             schemas.ModeFullPage,
		"full":         schemas.ModeFullPage,
		"Visible":      schemas.ModeVisible,
		"element":      schemas.ModeElement,
		"conversation": schemas.ModeConversation,
	} {
		got, err := parseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseMode("everything")
	assert.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a", normalizeURL(" example.com/a "))
	assert.Equal(t, "http://localhost:8080", normalizeURL("http://localhost:8080"))
	assert.Equal(t, "about:blank", normalizeURL("about:blank"))
	assert.Equal(t, "file:///tmp/page.html", normalizeURL("file:///tmp/page.html"))
}

func TestResultWriterPath(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir)

	assert.Equal(t, "pagestitch-full-1700000000123.png", w.filename("full", schemas.FormatPNG))
	assert.Equal(t, "pagestitch-my-phone-1700000000123.jpg", w.filename("my phone", schemas.FormatJPEG))

	p, err := w.path("", "full", schemas.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pagestitch-full-1700000000123.png"), p)

	p, err = w.path(dir, "visible", schemas.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pagestitch-visible-1700000000123.png"), p)

	p, err = w.path(filepath.Join(dir, "shot"), "full", schemas.FormatJPEG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shot.jpg"), p)

	p, err = w.path(filepath.Join(dir, "shot.png"), "full", schemas.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shot.png"), p)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	p, err = w.path("~/captures/page.png", "full", schemas.FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "captures", "page.png"), p)

	w.cfg.FilenamePattern = "{timestamp}_{mode}"
	assert.Equal(t, "1700000000123_element.png", w.filename("element", schemas.FormatPNG))
}

func TestResultWriterWrite(t *testing.T) {
	t.Run("image, links and thumbnail", func(t *testing.T) {
		dir := t.TempDir()
		w := testWriter(t, dir)
		w.cfg.ThumbnailSize = 16
		res := pngResult(t, 40, 120)
		res.Links = []schemas.Link{{URL: "https://example.com/", Text: "Home"}}

		files, err := w.write(io.Discard, res, "full", filepath.Join(dir, "out", "page.png"), true)
		require.NoError(t, err)

		data, err := os.ReadFile(files.Image)
		require.NoError(t, err)
		assert.Equal(t, res.EncodedImage, data)

		assert.Equal(t, filepath.Join(dir, "out", "page.links.json"), files.Links)
		raw, err := os.ReadFile(files.Links)
		require.NoError(t, err)
		var links []schemas.Link
		require.NoError(t, json.Unmarshal(raw, &links))
		assert.Equal(t, res.Links, links)

		assert.Equal(t, filepath.Join(dir, "out", "page-thumb.png"), files.Thumbnail)
		thumb, err := os.ReadFile(files.Thumbnail)
		require.NoError(t, err)
		img, err := fakepage.Decode(thumb)
		require.NoError(t, err)
		assert.LessOrEqual(t, img.Bounds().Dx(), 16)
		assert.LessOrEqual(t, img.Bounds().Dy(), 16)
	})

	t.Run("stdout", func(t *testing.T) {
		dir := t.TempDir()
		w := testWriter(t, dir)
		res := pngResult(t, 10, 10)
		res.Links = []schemas.Link{{URL: "https://example.com/"}}

		var buf bytes.Buffer
		files, err := w.write(&buf, res, "full", "-", true)
		require.NoError(t, err)
		assert.Equal(t, artifacts{}, files)
		assert.Equal(t, res.EncodedImage, buf.Bytes())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("oversized file warns", func(t *testing.T) {
		dir := t.TempDir()
		w := testWriter(t, dir)
		core, logs := observer.New(zap.WarnLevel)
		w.logger = zap.New(core)
		w.cfg.MaxFileSizeMB = 1

		res := schemas.CaptureResult{Success: true, EncodedImage: make([]byte, 1<<20+1), Format: schemas.FormatPNG}
		_, err := w.write(io.Discard, res, "full", "", false)
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("Capture exceeds the configured file size limit.").Len())
	})
}

func TestWriteBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle", "devices.zip")
	ok := pngResult(t, 20, 30)
	results := []orchestrator.DeviceResult{
		{Device: schemas.Device{Name: "mobile", Width: 20, Height: 30, Scale: 1}, Result: ok},
		{Device: schemas.Device{Name: "tablet", Width: 40, Height: 30, Scale: 2}, Result: schemas.CaptureResult{
			ErrorKind: schemas.KindTransient, Message: "rate limited",
		}},
	}
	require.NoError(t, writeBundle(path, results))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	contents := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = data
	}
	require.Len(t, contents, 2)
	assert.Equal(t, ok.EncodedImage, contents["mobile.png"])

	var manifest []orchestrator.DeviceResult
	require.NoError(t, json.Unmarshal(contents["manifest.json"], &manifest))
	require.Len(t, manifest, 2)
	assert.Empty(t, manifest[0].Result.EncodedImage)
	assert.Equal(t, 20, manifest[0].Result.Width)
	assert.Equal(t, schemas.KindTransient, manifest[1].Result.ErrorKind)
}

func TestSelectDevices(t *testing.T) {
	cfg := config.NewDefaultConfig()

	all, err := selectDevices(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Devices, all)

	some, err := selectDevices(cfg, []string{"mobile", " desktop"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "mobile", some[0].Name)
	assert.Equal(t, "desktop", some[1].Name)

	_, err = selectDevices(cfg, []string{"fridge"})
	assert.ErrorContains(t, err, "desktop, mobile, tablet")

	_, err = selectDevices(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	res := pngResult(t, 10, 20)
	res.Duration = 1500 * time.Millisecond
	assert.Equal(t, "Saved a.png (10x20 png, 1 tiles, 100.0% coverage, 1.5s)", summarize("a.png", res))

	res.Degraded = true
	assert.Contains(t, summarize("a.png", res), "degraded")
}
