package geometry

import (
	"math"
	"testing"

	"codeocr/src/screenshot"
)

func TestFinalizeScenario(t *testing.T) {
	vp := Viewport{Width: 1200, Height: 800, DPR: 2}
	got, ok := Finalize(Point{100, 100}, Point{300, 250}, vp)
	if !ok {
		t.Fatal("selection unexpectedly cancelled")
	}
	want := screenshot.Region{X: 200, Y: 200, Width: 400, Height: 300}
	if got != want {
		t.Errorf("Finalize = %+v, want %+v", got, want)
	}
}

func TestFinalizeReversedDrag(t *testing.T) {
	vp := Viewport{Width: 1200, Height: 800, DPR: 1}
	a, _ := Finalize(Point{300, 250}, Point{100, 100}, vp)
	b, _ := Finalize(Point{100, 100}, Point{300, 250}, vp)
	if a != b {
		t.Errorf("reversed drag %+v != forward drag %+v", a, b)
	}
}

func TestClampTopEdge(t *testing.T) {
	vp := Viewport{Width: 1200, Height: 800}
	got := ClampToViewport(Rect{X: 10, Y: -50, Width: 100, Height: 100}, vp)
	if got.Y != 0 || got.Height != 50 {
		t.Errorf("clamp = %+v, want y=0 height=50", got)
	}
}

func TestClampRightAndBottom(t *testing.T) {
	vp := Viewport{Width: 100, Height: 80}
	got := ClampToViewport(Rect{X: 90, Y: 70, Width: 30, Height: 30}, vp)
	if got.Width != 10 || got.Height != 10 {
		t.Errorf("clamp = %+v, want 10x10", got)
	}
}

func TestFinalizeUsesScroll(t *testing.T) {
	vp := Viewport{Width: 1000, Height: 700, ScrollX: 0, ScrollY: 2000, DPR: 1}
	got, ok := Finalize(Point{50, 2100}, Point{150, 2200}, vp)
	if !ok {
		t.Fatal("unexpected cancel")
	}
	if got.Y != 100 || got.Height != 100 {
		t.Errorf("Finalize = %+v, want y=100 height=100", got)
	}
}

func TestTooSmallSelections(t *testing.T) {
	vp := Viewport{Width: 800, Height: 600, DPR: 2}
	cases := []struct {
		name       string
		start, end Point
	}{
		{"click", Point{10, 10}, Point{10, 10}},
		{"narrow", Point{10, 10}, Point{14, 200}},
		{"short", Point{10, 10}, Point{200, 14.9}},
		{"mostly offscreen", Point{-100, 10}, Point{3, 200}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if r, ok := Finalize(tc.start, tc.end, vp); ok {
				t.Errorf("Finalize = %+v, want cancel", r)
			}
		})
	}
	if _, ok := Finalize(Point{10, 10}, Point{15, 15}, vp); !ok {
		t.Error("5x5 selection should be accepted")
	}
}

func TestDPRRounding(t *testing.T) {
	var scrolls []float64
	for scroll := 0.0; scroll <= 5000; scroll += 37 {
		scrolls = append(scrolls, scroll)
	}
	scrolls = append(scrolls, 0.5, 1.25, 99.75, 1234.5, 4999.9)
	for _, dpr := range []float64{1, 1.25, 1.5, 1.75, 2, 2.5, 3} {
		for _, scroll := range scrolls {
			vp := Viewport{Width: 1280, Height: 720, ScrollX: scroll / 3, ScrollY: scroll, DPR: dpr}
			start := Point{vp.ScrollX + 13.3, scroll + 21.7}
			end := Point{vp.ScrollX + 411.6, scroll + 333.2}
			got, ok := Finalize(start, end, vp)
			if !ok {
				t.Fatalf("dpr=%v scroll=%v: unexpected cancel", dpr, scroll)
			}
			r := ClampToViewport(ToViewport(Span(start, end), vp), vp)
			want := screenshot.Region{
				X:      int(math.Round(r.X * dpr)),
				Y:      int(math.Round(r.Y * dpr)),
				Width:  int(math.Round(r.Width * dpr)),
				Height: int(math.Round(r.Height * dpr)),
			}
			if got != want {
				t.Errorf("dpr=%v scroll=%v: Finalize = %+v, want %+v", dpr, scroll, got, want)
			}
			// The selection sits at a fixed offset from the scroll origin.
			if math.Abs(r.X-13.3) > 1e-6 || math.Abs(r.Y-21.7) > 1e-6 {
				t.Errorf("dpr=%v scroll=%v: viewport rect %+v drifted with scroll", dpr, scroll, r)
			}
		}
	}
}

func TestScaleFallback(t *testing.T) {
	for _, dpr := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if s := (Viewport{DPR: dpr}).Scale(); s != 1 {
			t.Errorf("Scale(%v) = %v, want 1", dpr, s)
		}
	}
}
