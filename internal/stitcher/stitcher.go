// Package stitcher composites captured tiles into one image and encodes it.
package stitcher

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	xdraw "golang.org/x/image/draw"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// EncodeFunc writes img to w. Quality only applies to lossy formats.
type EncodeFunc func(w io.Writer, img image.Image, quality int) error

// Options configures a Stitcher.
type Options struct {
	// MaxOutputDimension caps both sides of the output buffer, in device pixels.
	MaxOutputDimension int
	// CoverageThreshold is the fraction below which a CoverageIncomplete warning is logged.
	CoverageThreshold float64
	// PNGCompression is 0 (none) through 9 (best).
	PNGCompression int
}

// Input is one stitch job.
type Input struct {
	Tiles         []schemas.Tile
	TotalHeight   int
	ViewportWidth int
	Retina        bool
	Format        schemas.OutputFormat
	Quality       int
}

// Output is the stitched image.
type Output struct {
	Bytes    []byte
	Format   schemas.OutputFormat
	Width    int
	Height   int
	Scale    float64
	Coverage float64
	// Image is the decoded composite; nil when a single tile was passed through unchanged.
	Image *image.RGBA
}

// Stitcher composites tiles. It holds no per-job state.
type Stitcher struct {
	logger   *zap.Logger
	opts     Options
	encoders map[schemas.OutputFormat]EncodeFunc
}

// Option customizes a Stitcher.
type Option func(*Stitcher)

// WithEncoder replaces the encoder for a format.
func WithEncoder(format schemas.OutputFormat, fn EncodeFunc) Option {
	return func(s *Stitcher) { s.encoders[format] = fn }
}

// New creates a Stitcher.
func New(logger *zap.Logger, opts Options, options ...Option) *Stitcher {
	if opts.MaxOutputDimension <= 0 {
		opts.MaxOutputDimension = 32767
	}
	if opts.CoverageThreshold <= 0 {
		opts.CoverageThreshold = 0.99
	}
	s := &Stitcher{
		logger: logger.Named("stitcher"),
		opts:   opts,
		encoders: map[schemas.OutputFormat]EncodeFunc{
			schemas.FormatPNG:  pngEncoder(opts.PNGCompression),
			schemas.FormatJPEG: encodeJPEG,
		},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// ScaleFor returns 2 for retina and 1 otherwise, lowered so that neither side of
// a width x height page exceeds the maximum output dimension.
func (s *Stitcher) ScaleFor(width, height int, retina bool) float64 {
	scale := 1.0
	if retina {
		scale = 2.0
	}
	limit := float64(s.opts.MaxOutputDimension)
	if height > 0 && float64(height)*scale > limit {
		scale = limit / float64(height)
	}
	if width > 0 && float64(width)*scale > limit {
		scale = limit / float64(width)
	}
	return scale
}

// Stitch composites the tiles onto a white canvas of ViewportWidth x TotalHeight
// (times the scale) and encodes it. Later tiles overwrite earlier ones where they
// overlap. Coverage below the threshold is logged, never returned as an error.
func (s *Stitcher) Stitch(ctx context.Context, in Input) (Output, error) {
	if len(in.Tiles) == 0 {
		return Output{}, schemas.Errorf(schemas.KindCoverageIncomplete, "stitch", "no tiles")
	}
	if in.TotalHeight <= 0 || in.ViewportWidth <= 0 {
		return Output{}, schemas.Errorf(schemas.KindInvalidRequest, "stitch",
			"invalid page size %dx%d", in.ViewportWidth, in.TotalHeight)
	}
	scale := s.ScaleFor(in.ViewportWidth, in.TotalHeight, in.Retina)

	if out, ok := s.passthrough(in, scale); ok {
		return out, nil
	}

	canvas, coverage, err := s.Compose(ctx, in, scale)
	if err != nil {
		return Output{}, err
	}

	data, format, err := s.Encode(canvas, in.Format, in.Quality)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Bytes:    data,
		Format:   format,
		Width:    canvas.Bounds().Dx(),
		Height:   canvas.Bounds().Dy(),
		Scale:    scale,
		Coverage: coverage,
		Image:    canvas,
	}, nil
}

// passthrough returns a lone tile unchanged when it already is the requested
// output, which keeps fast-path captures byte-identical across runs.
func (s *Stitcher) passthrough(in Input, scale float64) (Output, bool) {
	if len(in.Tiles) != 1 {
		return Output{}, false
	}
	t := in.Tiles[0]
	if t.AchievedOffset != 0 || t.CoveredHeight != in.TotalHeight {
		return Output{}, false
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(t.ImageData))
	if err != nil || schemas.ParseOutputFormat(name) != in.Format || name == "" {
		return Output{}, false
	}
	w, h := scaled(in.ViewportWidth, scale), scaled(in.TotalHeight, scale)
	if cfg.Width != w || cfg.Height != h {
		return Output{}, false
	}
	return Output{
		Bytes:    t.ImageData,
		Format:   in.Format,
		Width:    w,
		Height:   h,
		Scale:    scale,
		Coverage: 1,
	}, true
}

// Compose draws the tiles and returns the canvas plus the achieved coverage.
func (s *Stitcher) Compose(ctx context.Context, in Input, scale float64) (*image.RGBA, float64, error) {
	width, height := scaled(in.ViewportWidth, scale), scaled(in.TotalHeight, scale)
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)

	// Tiles arrive in offset order, so drawn coverage merges in one sweep.
	covered, end := 0, 0
	for _, t := range in.Tiles {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		src, _, err := image.Decode(bytes.NewReader(t.ImageData))
		if err != nil {
			return nil, 0, schemas.NewError(schemas.KindStitchEncoding, "stitch",
				fmt.Errorf("decoding tile %d: %w", t.SequenceIndex, err))
		}

		drawn := s.drawTile(canvas, src, t, in, scale)
		start, stop := t.AchievedOffset, t.AchievedOffset+drawn
		if start < end {
			start = end
		}
		if stop > start {
			covered += stop - start
			end = stop
		}
	}

	coverage := math.Min(1, float64(covered)/float64(in.TotalHeight))
	if coverage < s.opts.CoverageThreshold {
		s.logger.Warn("Stitched image does not cover the whole page.",
			zap.String("kind", string(schemas.KindCoverageIncomplete)),
			zap.Float64("coverage", coverage),
			zap.Int("covered_px", covered),
			zap.Int("total_px", in.TotalHeight),
		)
	}
	return canvas, coverage, nil
}

// drawTile places one tile and returns how many CSS rows it actually covered.
// A tile whose image is shorter than its nominal height only covers its pixels.
func (s *Stitcher) drawTile(canvas *image.RGBA, src image.Image, t schemas.Tile, in Input, scale float64) int {
	b := src.Bounds()
	density := float64(b.Dx()) / float64(in.ViewportWidth)
	if density <= 0 {
		return 0
	}

	covered := t.CoveredHeight
	if rows := int(float64(b.Dy()) / density); rows < covered {
		s.logger.Debug("Tile image is shorter than its nominal height.",
			zap.Int("tile", t.SequenceIndex), zap.Int("rows", rows), zap.Int("covered", covered))
		covered = rows
	}
	if rest := in.TotalHeight - t.AchievedOffset; rest < covered {
		covered = rest
	}
	if covered <= 0 {
		return 0
	}

	srcRect := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+int(math.Round(float64(covered)*density)))
	dstRect := image.Rect(0, scaled(t.AchievedOffset, scale), canvas.Bounds().Dx(), scaled(t.AchievedOffset+covered, scale))
	dstRect = dstRect.Intersect(canvas.Bounds())

	if math.Abs(density-scale) < 1e-6 && srcRect.Dx() == dstRect.Dx() {
		xdraw.Draw(canvas, dstRect, src, srcRect.Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(canvas, dstRect, src, srcRect, xdraw.Src, nil)
	}
	return covered
}

// Encode serializes img. When the requested encoder fails the image is encoded
// once more as PNG; a second failure is KindStitchEncoding.
func (s *Stitcher) Encode(img image.Image, format schemas.OutputFormat, quality int) ([]byte, schemas.OutputFormat, error) {
	enc, ok := s.encoders[format]
	if !ok {
		format, enc = schemas.FormatPNG, s.encoders[schemas.FormatPNG]
	}

	var buf bytes.Buffer
	err := enc(&buf, img, quality)
	if err == nil {
		return buf.Bytes(), format, nil
	}
	s.logger.Warn("Encoding failed; retrying as PNG.", zap.String("format", string(format)), zap.Error(err))

	buf.Reset()
	if perr := s.encoders[schemas.FormatPNG](&buf, img, 0); perr != nil {
		return nil, "", schemas.NewError(schemas.KindStitchEncoding, "encode",
			fmt.Errorf("%s: %v; png fallback: %w", format, err, perr))
	}
	return buf.Bytes(), schemas.FormatPNG, nil
}

func scaled(v int, scale float64) int {
	return int(math.Round(float64(v) * scale))
}

func pngEncoder(level int) EncodeFunc {
	enc := &png.Encoder{CompressionLevel: pngLevel(level)}
	return func(w io.Writer, img image.Image, _ int) error {
		return enc.Encode(w, img)
	}
}

// pngLevel maps a 0-9 compression setting onto the levels image/png offers.
func pngLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
