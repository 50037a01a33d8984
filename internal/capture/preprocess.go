// Package capture turns screen regions into images ready for OCR.
package capture

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/rendis/autocraft/pkg/schema"
)

// Pipeline derives the two OCR variants of a captured region:
//
//	A: greyscale, upscale, contrast +35%, normalize, brighten 5%
//	B: greyscale, upscale, contrast +55%, normalize, brighten 3%, invert,
//	   sharpen, threshold
//
// Item icons sit on the left edge of tooltips and confuse OCR, so a strip
// of LeftTrim of the width is cut first when enough width remains.
type Pipeline struct {
	Scale     int
	LeftTrim  float64
	Threshold uint8
}

// DefaultPipeline returns the pipeline used by the CLI.
func DefaultPipeline() Pipeline {
	return Pipeline{Scale: 2, LeftTrim: 0.12, Threshold: 200}
}

// minTrimmedWidth is the narrowest region the left trim may leave behind.
const minTrimmedWidth = 30

var sharpenKernel = [9]float64{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

// Variants implements the variant half of engine.Capture.
func (p Pipeline) Variants(img image.Image) ([]image.Image, error) {
	if img.Bounds().Empty() {
		return nil, schema.NewError(schema.ErrCodeCapability, "empty capture")
	}
	grey := imaging.Grayscale(p.trim(img))
	scale := max(p.Scale, 1)
	b := grey.Bounds()
	up := imaging.Resize(grey, b.Dx()*scale, b.Dy()*scale, imaging.CatmullRom)

	a := imaging.AdjustContrast(up, 35)
	a = imaging.AdjustBrightness(normalize(a), 5)

	v := imaging.AdjustContrast(up, 55)
	v = imaging.AdjustBrightness(normalize(v), 3)
	v = imaging.Convolve3x3(imaging.Invert(v), sharpenKernel, nil)
	v = threshold(v, p.Threshold)

	return []image.Image{toGray(a), toGray(v)}, nil
}

func (p Pipeline) trim(img image.Image) image.Image {
	b := img.Bounds()
	cut := int(float64(b.Dx()) * p.LeftTrim)
	if cut <= 0 || b.Dx()-cut <= minTrimmedWidth {
		return img
	}
	return imaging.Crop(img, image.Rect(b.Min.X+cut, b.Min.Y, b.Max.X, b.Max.Y))
}

// normalize stretches the grey histogram to the full 0..255 range.
// imaging has no auto-levels, so the bounds are found here.
func normalize(img *image.NRGBA) *image.NRGBA {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i+3 < len(img.Pix); i += 4 {
		lo = min(lo, img.Pix[i])
		hi = max(hi, img.Pix[i])
	}
	if hi <= lo {
		return img
	}
	span := float64(hi - lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		v := uint8(float64(c.R-lo)*255/span + 0.5)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

func threshold(img *image.NRGBA, level uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		var v uint8
		if c.R > level {
			v = 255
		}
		return color.NRGBA{R: v, G: v, B: v, A: 255}
	})
}

// toGray converts img to an origin-anchored greyscale copy, the form the
// OCR engines and debug dumps expect.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
