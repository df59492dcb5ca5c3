package stitcher

import (
	"bytes"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// Crop copies the region r (document CSS pixels) out of a composite drawn at
// the given scale. The region is clipped to the image; an empty intersection is
// KindInvalidRequest.
func Crop(img image.Image, r schemas.Rect, scale float64) (*image.RGBA, error) {
	px := image.Rect(
		int(math.Floor(r.X*scale)),
		int(math.Floor(r.Y*scale)),
		int(math.Ceil((r.X+r.Width)*scale)),
		int(math.Ceil((r.Y+r.Height)*scale)),
	).Intersect(img.Bounds())
	if px.Empty() {
		return nil, schemas.Errorf(schemas.KindInvalidRequest, "crop",
			"region %+v lies outside the %v image", r, img.Bounds())
	}

	out := image.NewRGBA(image.Rect(0, 0, px.Dx(), px.Dy()))
	xdraw.Draw(out, out.Bounds(), img, px.Min, xdraw.Src)
	return out, nil
}

// Thumbnail decodes data and shrinks it to fit in a size x size box, keeping the
// aspect ratio. Images already inside the box are re-encoded as they are.
func (s *Stitcher) Thumbnail(data []byte, size int, format schemas.OutputFormat, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image for thumbnail: %w", err)
	}
	if size <= 0 {
		size = 150
	}
	b := src.Bounds()
	ratio := math.Min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	if ratio > 1 {
		ratio = 1
	}
	w := int(math.Max(1, math.Round(float64(b.Dx())*ratio)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*ratio)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)

	out, _, err := s.Encode(dst, format, quality)
	return out, err
}
