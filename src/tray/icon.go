package tray

import (
	"bytes"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
)

var (
	iconOnce sync.Once
	iconPNG  []byte
)

var (
	iconBlue = color.NRGBA{R: 0x00, G: 0x78, B: 0xd4, A: 0xff}
	iconDark = color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
)

// Icon returns a 32x32 PNG: a dashed selection rectangle around two lines
// of "code".
func Icon() []byte {
	iconOnce.Do(func() {
		img := imaging.New(32, 32, color.NRGBA{})
		for i := 3; i <= 28; i++ {
			if (i/3)%2 == 0 {
				img.SetNRGBA(i, 3, iconBlue)
				img.SetNRGBA(i, 28, iconBlue)
				img.SetNRGBA(3, i, iconBlue)
				img.SetNRGBA(28, i, iconBlue)
			}
		}
		fill(img, image.Rect(8, 11, 22, 13), iconDark)
		fill(img, image.Rect(11, 17, 24, 19), iconDark)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err == nil {
			iconPNG = buf.Bytes()
		}
	})
	return iconPNG
}

func fill(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}
