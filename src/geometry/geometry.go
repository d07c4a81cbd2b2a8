// Package geometry converts pointer gestures in page CSS pixels into
// image-pixel regions of a visible-tab capture.
package geometry

import (
	"math"

	"codeocr/src/screenshot"
)

// MinSelectionSpan is the smallest clamped width or height, in CSS pixels,
// that counts as a selection. Anything smaller is treated as a cancel.
const MinSelectionSpan = 5

// Point is a position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport describes the visible area of a page at a moment in time.
type Viewport struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	ScrollX float64 `json:"scrollX"`
	ScrollY float64 `json:"scrollY"`
	DPR     float64 `json:"dpr"`
}

// Scale returns the device pixel ratio, falling back to 1 for unusable values.
func (v Viewport) Scale() float64 {
	if v.DPR <= 0 || math.IsNaN(v.DPR) || math.IsInf(v.DPR, 0) {
		return 1
	}
	return v.DPR
}

// Span returns the rectangle spanned by two corner points.
func Span(a, b Point) Rect {
	return Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
}

// ToViewport shifts a rectangle in page coordinates into viewport coordinates.
func ToViewport(r Rect, vp Viewport) Rect {
	r.X -= vp.ScrollX
	r.Y -= vp.ScrollY
	return r
}

// ClampToViewport trims a viewport rectangle to [0,Width]x[0,Height].
func ClampToViewport(r Rect, vp Viewport) Rect {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > vp.Width {
		r.Width = vp.Width - r.X
	}
	if r.Y+r.Height > vp.Height {
		r.Height = vp.Height - r.Y
	}
	return r
}

// TooSmall reports whether a clamped rectangle is below the selection threshold.
func TooSmall(r Rect) bool {
	return r.Width < MinSelectionSpan || r.Height < MinSelectionSpan
}

// ToImage scales a viewport rectangle by dpr and rounds to whole pixels.
func ToImage(r Rect, dpr float64) screenshot.Region {
	if dpr <= 0 || math.IsNaN(dpr) || math.IsInf(dpr, 0) {
		dpr = 1
	}
	return screenshot.Region{
		X:      int(math.Round(r.X * dpr)),
		Y:      int(math.Round(r.Y * dpr)),
		Width:  int(math.Round(r.Width * dpr)),
		Height: int(math.Round(r.Height * dpr)),
	}
}

// Finalize turns the page-coordinate endpoints of a drag into an image
// region using the viewport observed at release. ok is false when the
// clamped selection is too small.
func Finalize(startPage, endPage Point, vp Viewport) (region screenshot.Region, ok bool) {
	r := ClampToViewport(ToViewport(Span(startPage, endPage), vp), vp)
	if TooSmall(r) {
		return screenshot.Region{}, false
	}
	return ToImage(r, vp.Scale()), true
}
