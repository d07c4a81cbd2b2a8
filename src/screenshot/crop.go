package screenshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var (
	// ErrDecode is returned when the input is not a decodable image.
	ErrDecode = errors.New("decoding error")
	// ErrEmptyRegion is returned when the region does not intersect the image.
	ErrEmptyRegion = errors.New("region does not intersect image")
)

// Crop decodes a captured image, extracts the region clamped to the image
// bounds and returns it PNG-encoded with the region's top-left at the origin.
func Crop(data []byte, region Region) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return CropImage(img, region)
}

// CropImage is Crop for an already decoded image.
func CropImage(img image.Image, region Region) ([]byte, error) {
	bounds := img.Bounds()
	want := region.Rect().Add(bounds.Min)
	rect := want.Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("%w: %s within %dx%d", ErrEmptyRegion, region, bounds.Dx(), bounds.Dy())
	}
	cropped := imaging.Crop(img, rect)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image as PNG: %w", err)
	}
	return buf.Bytes(), nil
}
