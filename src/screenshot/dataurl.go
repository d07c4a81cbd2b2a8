package screenshot

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const pngDataURLPrefix = "data:image/png;base64,"

// EncodeDataURL wraps PNG bytes as a base64 data URL.
func EncodeDataURL(png []byte) string {
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(png)
}

// DecodeDataURL accepts any base64 image data URL and returns the raw bytes.
func DecodeDataURL(url string) ([]byte, error) {
	if !strings.HasPrefix(url, "data:image/") {
		return nil, fmt.Errorf("not an image data URL")
	}
	comma := strings.Index(url, ",")
	if comma < 0 || !strings.HasSuffix(url[:comma], ";base64") {
		return nil, fmt.Errorf("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(url[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}
