package render

import (
	"fmt"

	"github.com/seantiz/easel/internal/imaging"
)

// buildResponse encodes every image as a data URL paired with its seed.
func buildResponse(enc Encoder, images []ImageRecord, format string, quality int) ([]ResponseImage, error) {
	out := make([]ResponseImage, 0, len(images))
	for i, rec := range images {
		data, err := enc.Encode(rec.Image, format, quality)
		if err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		out = append(out, ResponseImage{
			Data: imaging.DataURL(format, data),
			Seed: rec.Seed,
		})
	}
	return out, nil
}
