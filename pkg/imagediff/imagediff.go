// Package imagediff scores the perceptual difference between two
// screenshots.
//
// Two passes are computed over the YIQ color distance of every pixel: a
// tolerant one that ignores anti-aliasing noise and a color sensitive one
// that catches subtle palette changes. Each pass has a noise floor below
// which its score is discarded, and the larger remaining score wins.
package imagediff

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
)

const (
	// DefaultThreshold is the neutral threshold; higher values tolerate
	// larger color distances.
	DefaultThreshold = 0.5

	baseThreshold     = 0.15
	baseMaxScore      = 0.0002
	maxPixelsToIgnore = 20

	colorSensibleThreshold = 0.0225
	colorSensibleMaxScore  = 0.03

	// maxYIQDelta is the largest possible YIQ distance between two colors.
	maxYIQDelta = 35215.0
)

// Options tunes the comparison.
type Options struct {
	// Threshold scales both pass thresholds relative to DefaultThreshold.
	// Zero selects DefaultThreshold.
	Threshold float64
}

// Result is the outcome of a comparison. Diff is nil when Score is zero.
type Result struct {
	Score  float64
	Diff   *image.NRGBA
	Width  int
	Height int
}

var highlight = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// Compute compares base and compare. Images of different sizes are padded
// with transparent pixels, anchored top-left, to the largest width and
// height; padded pixels facing a real pixel always count as different.
func Compute(base, compare image.Image, opts Options) (Result, error) {
	if base == nil || compare == nil {
		return Result{}, errors.New("imagediff: nil image")
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	scale := threshold / DefaultThreshold

	b := toNRGBA(base)
	c := toNRGBA(compare)

	width := max(b.Rect.Dx(), c.Rect.Dx())
	height := max(b.Rect.Dy(), c.Rect.Dy())
	total := width * height

	if total == 0 {
		return Result{Width: width, Height: height}, nil
	}

	deltas := make([]float32, total)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			deltas[y*width+x] = float32(pixelDelta(b, c, x, y))
		}
	}

	baseMaxDelta := maxDelta(baseThreshold * scale)
	colorMaxDelta := maxDelta(colorSensibleThreshold * scale)

	var baseCount, colorCount int

	for _, d := range deltas {
		if float64(d) > baseMaxDelta {
			baseCount++
		}

		if float64(d) > colorMaxDelta {
			colorCount++
		}
	}

	baseScore := float64(baseCount) / float64(total)
	colorScore := float64(colorCount) / float64(total)

	floor := math.Min(baseMaxScore, maxPixelsToIgnore/float64(total))
	if baseScore < floor {
		baseScore = 0
	}

	if colorScore < colorSensibleMaxScore {
		colorScore = 0
	}

	res := Result{Width: width, Height: height}

	switch {
	case baseScore > 0 && baseScore >= colorScore:
		res.Score = baseScore
		res.Diff = mask(deltas, width, height, baseMaxDelta)
	case colorScore > 0:
		res.Score = colorScore
		res.Diff = mask(deltas, width, height, colorMaxDelta)
	}

	return res, nil
}

func maxDelta(t float64) float64 {
	return maxYIQDelta * t * t
}

// mask renders differing pixels in the highlight color over a transparent
// background.
func mask(deltas []float32, width, height int, limit float64) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))

	for i, d := range deltas {
		if float64(d) > limit {
			out.SetNRGBA(i%width, i/width, highlight)
		}
	}

	return out
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}

	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Rect, img, bounds.Min, draw.Src)

	return out
}

func pixelDelta(b, c *image.NRGBA, x, y int) float64 {
	inBase := x < b.Rect.Dx() && y < b.Rect.Dy()
	inCompare := x < c.Rect.Dx() && y < c.Rect.Dy()

	switch {
	case !inBase && !inCompare:
		return 0
	case inBase != inCompare:
		return maxYIQDelta
	}

	i := b.PixOffset(x, y)
	j := c.PixOffset(x, y)

	return colorDelta(b.Pix[i:i+4:i+4], c.Pix[j:j+4:j+4])
}

// colorDelta returns the squared YIQ distance between two NRGBA pixels,
// after blending semi-transparent pixels over white.
func colorDelta(p1, p2 []uint8) float64 {
	if p1[0] == p2[0] && p1[1] == p2[1] && p1[2] == p2[2] && p1[3] == p2[3] {
		return 0
	}

	r1, g1, b1 := blend(p1)
	r2, g2, b2 := blend(p2)

	y := rgbToY(r1, g1, b1) - rgbToY(r2, g2, b2)
	i := rgbToI(r1, g1, b1) - rgbToI(r2, g2, b2)
	q := rgbToQ(r1, g1, b1) - rgbToQ(r2, g2, b2)

	return 0.5053*y*y + 0.299*i*i + 0.1957*q*q
}

func blend(p []uint8) (float64, float64, float64) {
	r, g, b := float64(p[0]), float64(p[1]), float64(p[2])

	if p[3] == 255 {
		return r, g, b
	}

	a := float64(p[3]) / 255

	return 255 + (r-255)*a, 255 + (g-255)*a, 255 + (b-255)*a
}

func rgbToY(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgbToI(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgbToQ(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }
