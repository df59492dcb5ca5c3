package stitcher

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/testing/fakepage"
)

const testWidth = 20

// tile renders document rows [offset, offset+rows) at dpr and records it with
// the given nominal coverage.
func tile(t *testing.T, index, offset, covered, rows int, dpr float64) schemas.Tile {
	t.Helper()
	data, err := fakepage.Encode(fakepage.Render(offset, rows, testWidth, dpr, 0), schemas.FormatPNG, 0)
	require.NoError(t, err)
	return schemas.Tile{ImageData: data, RequestedOffset: offset, AchievedOffset: offset, CoveredHeight: covered, SequenceIndex: index}
}

func threeTiles(t *testing.T, dpr float64) []schemas.Tile {
	return []schemas.Tile{
		tile(t, 0, 0, 1000, 1000, dpr),
		tile(t, 1, 1000, 1000, 1000, dpr),
		tile(t, 2, 2000, 1000, 1000, dpr),
	}
}

func newStitcher(t *testing.T, options ...Option) *Stitcher {
	return New(zaptest.NewLogger(t), Options{}, options...)
}

// assertRows checks that the canvas row at every CSS row y encodes y.
func assertRows(t *testing.T, img image.Image, scale float64, height int) {
	t.Helper()
	for y := 0; y < height; y += 37 {
		py := int(float64(y)*scale + scale/2)
		got, ok := fakepage.RowAt(img.At(testWidth/2, py))
		require.True(t, ok, "row %d is not document content", y)
		require.Equal(t, y, got, "row %d", y)
	}
}

func TestScaleFor(t *testing.T) {
	s := New(zap.NewNop(), Options{MaxOutputDimension: 4000})

	assert.Equal(t, 1.0, s.ScaleFor(1280, 3000, false))
	assert.Equal(t, 2.0, s.ScaleFor(1280, 1500, true))
	assert.InDelta(t, 4000.0/3000.0, s.ScaleFor(1280, 3000, true), 1e-9)
	assert.InDelta(t, 4000.0/10000.0, s.ScaleFor(1280, 10000, false), 1e-9)
	assert.InDelta(t, 4000.0/2500.0, s.ScaleFor(2500, 1000, true), 1e-9, "width is capped too")
}

func TestStitch(t *testing.T) {
	ctx := context.Background()

	t.Run("three tiles at scale 1", func(t *testing.T) {
		out, err := newStitcher(t).Stitch(ctx, Input{
			Tiles: threeTiles(t, 1), TotalHeight: 3000, ViewportWidth: testWidth, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)

		assert.Equal(t, testWidth, out.Width)
		assert.Equal(t, 3000, out.Height)
		assert.Equal(t, 1.0, out.Coverage)
		assert.Equal(t, schemas.FormatPNG, out.Format)
		assertRows(t, out.Image, 1, 3000)

		decoded, err := fakepage.Decode(out.Bytes)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, testWidth, 3000), decoded.Bounds())
	})

	t.Run("retina tiles are copied at scale 2", func(t *testing.T) {
		out, err := newStitcher(t).Stitch(ctx, Input{
			Tiles: threeTiles(t, 2), TotalHeight: 3000, ViewportWidth: testWidth, Retina: true, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)
		assert.Equal(t, 2*testWidth, out.Width)
		assert.Equal(t, 6000, out.Height)
		assertRows(t, out.Image, 2, 3000)
	})

	t.Run("high density tiles are downscaled without retina", func(t *testing.T) {
		out, err := newStitcher(t).Stitch(ctx, Input{
			Tiles: threeTiles(t, 2), TotalHeight: 3000, ViewportWidth: testWidth, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)
		assert.Equal(t, testWidth, out.Width)
		assert.Equal(t, 3000, out.Height)
		assert.Equal(t, 1.0, out.Coverage)
	})

	t.Run("later tiles overwrite overlap", func(t *testing.T) {
		tiles := []schemas.Tile{
			tile(t, 0, 0, 1000, 1000, 1),
			tile(t, 1, 900, 1000, 1000, 1),
			tile(t, 2, 1500, 1000, 1000, 1),
		}
		out, err := newStitcher(t).Stitch(ctx, Input{Tiles: tiles, TotalHeight: 2500, ViewportWidth: testWidth, Format: schemas.FormatPNG})
		require.NoError(t, err)
		assert.Equal(t, 1.0, out.Coverage)
		assertRows(t, out.Image, 1, 2500)
	})

	t.Run("short tile logs incomplete coverage but succeeds", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		tiles := threeTiles(t, 1)
		tiles[2] = tile(t, 2, 2000, 1000, 850, 1)

		out, err := New(zap.New(core), Options{}).Stitch(ctx, Input{
			Tiles: tiles, TotalHeight: 3000, ViewportWidth: testWidth, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.95, out.Coverage, 1e-9)
		assert.Equal(t, 3000, out.Height, "the canvas keeps its nominal size")

		entries := logs.FilterMessageSnippet("does not cover").All()
		require.Len(t, entries, 1)
		assert.Equal(t, string(schemas.KindCoverageIncomplete), entries[0].ContextMap()["kind"])

		// The uncovered strip stays white.
		r, g, b, _ := out.Image.At(testWidth/2, 2950).RGBA()
		assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
	})

	t.Run("last tile is clipped to the canvas", func(t *testing.T) {
		tiles := []schemas.Tile{tile(t, 0, 0, 1000, 1000, 1), tile(t, 1, 1000, 1000, 1000, 1)}
		out, err := newStitcher(t).Stitch(ctx, Input{Tiles: tiles, TotalHeight: 1600, ViewportWidth: testWidth, Format: schemas.FormatPNG})
		require.NoError(t, err)
		assert.Equal(t, 1600, out.Height)
		assertRows(t, out.Image, 1, 1600)
	})

	t.Run("single matching tile is passed through", func(t *testing.T) {
		only := tile(t, 0, 0, 1000, 1000, 1)
		out, err := newStitcher(t).Stitch(ctx, Input{
			Tiles: []schemas.Tile{only}, TotalHeight: 1000, ViewportWidth: testWidth, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)
		assert.True(t, bytes.Equal(only.ImageData, out.Bytes))
		assert.Nil(t, out.Image)
	})

	t.Run("short page is cropped from one viewport", func(t *testing.T) {
		only := tile(t, 0, 0, 800, 1000, 1)
		out, err := newStitcher(t).Stitch(ctx, Input{
			Tiles: []schemas.Tile{only}, TotalHeight: 800, ViewportWidth: testWidth, Format: schemas.FormatPNG,
		})
		require.NoError(t, err)
		assert.Equal(t, 800, out.Height)
		assert.Equal(t, 1.0, out.Coverage)
	})

	t.Run("identical input encodes identically", func(t *testing.T) {
		in := Input{Tiles: threeTiles(t, 1), TotalHeight: 3000, ViewportWidth: testWidth, Format: schemas.FormatJPEG, Quality: 80}
		a, err := newStitcher(t).Stitch(ctx, in)
		require.NoError(t, err)
		b, err := newStitcher(t).Stitch(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, schemas.FormatJPEG, a.Format)
		assert.True(t, bytes.Equal(a.Bytes, b.Bytes))
	})

	t.Run("undecodable tile", func(t *testing.T) {
		bad := schemas.Tile{ImageData: []byte("nope"), CoveredHeight: 1000}
		_, err := newStitcher(t).Stitch(ctx, Input{Tiles: []schemas.Tile{bad, bad}, TotalHeight: 2000, ViewportWidth: testWidth})
		assert.ErrorIs(t, err, schemas.ErrStitchEncoding)
	})

	t.Run("no tiles", func(t *testing.T) {
		_, err := newStitcher(t).Stitch(ctx, Input{TotalHeight: 1000, ViewportWidth: testWidth})
		assert.ErrorIs(t, err, schemas.ErrCoverageIncomplete)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newStitcher(t).Stitch(cctx, Input{Tiles: threeTiles(t, 1), TotalHeight: 3000, ViewportWidth: testWidth})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEncodeFallback(t *testing.T) {
	img := fakepage.Render(0, 10, testWidth, 1, 0)
	failing := func(io.Writer, image.Image, int) error { return errors.New("encoder exploded") }

	t.Run("jpeg failure falls back to png", func(t *testing.T) {
		s := newStitcher(t, WithEncoder(schemas.FormatJPEG, failing))
		data, format, err := s.Encode(img, schemas.FormatJPEG, 90)
		require.NoError(t, err)
		assert.Equal(t, schemas.FormatPNG, format)

		_, name, err := image.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "png", name)
	})

	t.Run("png fallback failure is fatal", func(t *testing.T) {
		s := newStitcher(t, WithEncoder(schemas.FormatJPEG, failing), WithEncoder(schemas.FormatPNG, failing))
		_, _, err := s.Encode(img, schemas.FormatJPEG, 90)
		assert.ErrorIs(t, err, schemas.ErrStitchEncoding)
		assert.ErrorContains(t, err, "encoder exploded")
	})
}

func TestPNGLevel(t *testing.T) {
	assert.Equal(t, pngLevel(0), pngLevel(-3))
	assert.Equal(t, pngLevel(6), pngLevel(5))
	assert.NotEqual(t, pngLevel(1), pngLevel(9))
}

func TestCrop(t *testing.T) {
	img := fakepage.Render(0, 500, testWidth, 2, 0)

	out, err := Crop(img, schemas.Rect{X: 5, Y: 100, Width: 10, Height: 50}, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 100), out.Bounds())
	got, ok := fakepage.RowAt(out.At(0, 0))
	require.True(t, ok)
	assert.Equal(t, 100, got)

	clipped, err := Crop(img, schemas.Rect{X: 0, Y: 450, Width: 100, Height: 200}, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 100), clipped.Bounds())

	_, err = Crop(img, schemas.Rect{X: 0, Y: 900, Width: 10, Height: 10}, 2)
	assert.ErrorIs(t, err, schemas.ErrInvalidCaptureRequest)
}

func TestThumbnail(t *testing.T) {
	data, err := fakepage.Encode(fakepage.Render(0, 3000, 600, 1, 0), schemas.FormatPNG, 0)
	require.NoError(t, err)

	thumb, err := newStitcher(t).Thumbnail(data, 150, schemas.FormatPNG, 0)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Width)
	assert.Equal(t, 150, cfg.Height)

	_, err = newStitcher(t).Thumbnail([]byte("junk"), 150, schemas.FormatPNG, 0)
	assert.Error(t, err)
}
