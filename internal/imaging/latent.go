package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/seantiz/easel/internal/backend"
)

// latentRGB projects the four Stable Diffusion v1 latent channels onto RGB.
// It is a least-squares fit of the VAE decoder and is only good for previews.
var latentRGB = [4][3]float32{
	{0.298, 0.207, 0.208},
	{0.187, 0.286, 0.173},
	{-0.158, 0.189, 0.264},
	{-0.184, -0.271, -0.473},
}

// LatentPreviewer turns partial samples into approximate images without
// running the VAE, so it is cheap enough for the per-step hot path.
type LatentPreviewer struct {
	// Scale is the nearest-neighbour upscale applied to the latent grid.
	// The VAE upsamples by 8, so a scale of 8 yields a full-size preview.
	Scale int
}

// NewLatentPreviewer returns a previewer producing full-size images.
func NewLatentPreviewer() LatentPreviewer {
	return LatentPreviewer{Scale: 8}
}

// Decode converts one latent sample into an RGBA image.
func (p LatentPreviewer) Decode(l backend.Latents) (image.Image, error) {
	if l.Channels != len(latentRGB) {
		return nil, fmt.Errorf("latent preview needs %d channels, got %d", len(latentRGB), l.Channels)
	}
	if l.Width <= 0 || l.Height <= 0 || len(l.Data) != l.Channels*l.Width*l.Height {
		return nil, fmt.Errorf("latent shape %dx%dx%d does not match %d values", l.Channels, l.Height, l.Width, len(l.Data))
	}
	scale := p.Scale
	if scale < 1 {
		scale = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, l.Width*scale, l.Height*scale))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			var rgb [3]float32
			for c := range latentRGB {
				v := l.At(c, x, y)
				for k := range rgb {
					rgb[k] += v * latentRGB[c][k]
				}
			}
			px := color.RGBA{R: toByte(rgb[0]), G: toByte(rgb[1]), B: toByte(rgb[2]), A: 0xff}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetRGBA(x*scale+dx, y*scale+dy, px)
				}
			}
		}
	}
	return img, nil
}

// toByte maps [-1, 1] to [0, 255].
func toByte(v float32) uint8 {
	v = (v + 1) / 2 * 255
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
