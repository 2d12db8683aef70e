// Package geometry computes crop regions for fitting source images into a
// fixed-size output raster.
package geometry

import (
	"image"
	"math"
)

// Rect is a crop region in source-image pixel coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CoverFit returns the source rectangle to draw from so that the source
// fills a targetW x targetH output without distortion or letterboxing, the
// way CSS object-fit: cover behaves. The crop is centered on the cropped axis.
//
// All four dimensions must be positive; the result is undefined otherwise.
func CoverFit(sourceW, sourceH, targetW, targetH float64) Rect {
	sourceAspect := sourceW / sourceH
	targetAspect := targetW / targetH

	r := Rect{W: sourceW, H: sourceH}

	if sourceAspect > targetAspect {
		// Source is wider: keep full height, trim the sides.
		r.W = sourceH * targetAspect
		r.X = (sourceW - r.W) / 2
	} else {
		r.H = sourceW / targetAspect
		r.Y = (sourceH - r.H) / 2
	}

	return r
}

// AspectRatio returns W/H.
func (r Rect) AspectRatio() float64 {
	return r.W / r.H
}

// Pixels converts the rectangle to integer pixel bounds inside a source of
// the given size. Edges are rounded to the nearest pixel and clamped to the
// source; the result is never empty for a non-empty source.
func (r Rect) Pixels(sourceW, sourceH int) image.Rectangle {
	x0 := clampInt(int(math.Round(r.X)), 0, sourceW-1)
	y0 := clampInt(int(math.Round(r.Y)), 0, sourceH-1)
	x1 := clampInt(int(math.Round(r.X+r.W)), x0+1, sourceW)
	y1 := clampInt(int(math.Round(r.Y+r.H)), y0+1, sourceH)
	return image.Rect(x0, y0, x1, y1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
