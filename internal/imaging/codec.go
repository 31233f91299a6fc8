// Package imaging holds the image-facing collaborators of the render
// pipeline: encoding generated images for the wire and for disk, and turning
// partial latent samples into viewable previews.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// DefaultJPEGQuality is used when a caller passes a quality outside 1..100.
const DefaultJPEGQuality = 75

// Codec encodes images in the output formats a render can request.
type Codec struct{}

// Encode encodes img as format ("jpeg", "jpg" or "png"). quality applies to
// JPEG only.
func (Codec) Encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		if quality < 1 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	return buf.Bytes(), nil
}

// DataURL wraps encoded image bytes in a base64 data URL.
func DataURL(format string, data []byte) string {
	mime := strings.ToLower(format)
	if mime == "jpg" {
		mime = "jpeg"
	}
	return "data:image/" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EncodePNG losslessly encodes img. It is used for images moving between
// processes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes PNG bytes produced by EncodePNG.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return img, nil
}
