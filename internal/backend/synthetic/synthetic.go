// Package synthetic provides a deterministic in-process generation engine.
// It produces latent noise that converges on a prompt-derived pattern, which
// is enough to exercise the render pipeline without a GPU.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/draw"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/imaging"
)

// Name is the registry name of the synthetic engine.
const Name = "synthetic"

// latentScale is the ratio between image and latent resolution.
const latentScale = 8

const (
	latentChannels   = 4
	defaultUpscale   = 2
	defaultMaxOutput = 8
)

// Samplers lists the sampler names the engine accepts.
var Samplers = []string{"ddim", "plms", "heun", "euler", "euler_a", "dpm2", "dpm2_a", "lms"}

// ErrUnsupportedFilter is returned by ApplyFilter for unknown filter kinds.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// Config controls the synthetic engine.
type Config struct {
	// StepDelay is slept after every step to mimic real inference time.
	StepDelay time.Duration

	// UpscaleFactor is the integer scale applied by the upscale filter.
	UpscaleFactor int

	// MaxOutputs caps NumOutputs per generation.
	MaxOutputs int

	Device string
}

// Engine is a deterministic backend.Backend.
type Engine struct {
	cfg      Config
	previews imaging.LatentPreviewer
	releases atomic.Int64
}

// New creates a synthetic engine.
func New(cfg Config) *Engine {
	if cfg.UpscaleFactor < 1 {
		cfg.UpscaleFactor = defaultUpscale
	}
	if cfg.MaxOutputs < 1 {
		cfg.MaxOutputs = defaultMaxOutput
	}
	return &Engine{cfg: cfg, previews: imaging.LatentPreviewer{Scale: latentScale}}
}

// Generate produces spec.NumOutputs images. Output i is fully determined by
// the prompt and spec.Seed+i.
func (e *Engine) Generate(ctx context.Context, spec backend.GenerateSpec) (backend.Outcome, error) {
	if err := e.validate(spec); err != nil {
		return backend.Outcome{}, err
	}

	steps := spec.NumInferenceSteps
	if spec.InitImage != "" {
		steps = int(float64(steps) * spec.PromptStrength)
	}
	w, h := spec.Width/latentScale, spec.Height/latentScale

	noise := make([]backend.Latents, spec.NumOutputs)
	targets := make([]backend.Latents, spec.NumOutputs)
	for i := range spec.NumOutputs {
		noise[i] = randomLatents(spec.Seed+int64(i), w, h)
		targets[i] = promptLatents(spec.Prompt, spec.Seed+int64(i), w, h)
	}

	current := make([]backend.Latents, spec.NumOutputs)
	for step := range steps {
		if err := ctx.Err(); err != nil {
			return backend.Outcome{}, err
		}

		t := float32(step+1) / float32(steps)
		for i := range current {
			current[i] = blend(noise[i], targets[i], t)
		}

		if spec.Observer != nil && spec.Observer.OnStep(current, step) == backend.Stop {
			return backend.Outcome{Stopped: true}, nil
		}

		if e.cfg.StepDelay > 0 {
			select {
			case <-time.After(e.cfg.StepDelay):
			case <-ctx.Done():
				return backend.Outcome{}, ctx.Err()
			}
		}
	}

	images := make([]image.Image, spec.NumOutputs)
	for i, target := range targets {
		img, err := e.previews.Decode(target)
		if err != nil {
			return backend.Outcome{}, fmt.Errorf("decode output %d: %w", i, err)
		}
		images[i] = img
	}
	return backend.Outcome{Images: images}, nil
}

func (e *Engine) validate(spec backend.GenerateSpec) error {
	switch {
	case spec.Width < latentScale || spec.Width%latentScale != 0:
		return fmt.Errorf("width %d is not a positive multiple of %d", spec.Width, latentScale)
	case spec.Height < latentScale || spec.Height%latentScale != 0:
		return fmt.Errorf("height %d is not a positive multiple of %d", spec.Height, latentScale)
	case spec.NumOutputs < 1 || spec.NumOutputs > e.cfg.MaxOutputs:
		return fmt.Errorf("num_outputs %d out of range 1..%d", spec.NumOutputs, e.cfg.MaxOutputs)
	case spec.NumInferenceSteps < 1:
		return fmt.Errorf("num_inference_steps must be positive, got %d", spec.NumInferenceSteps)
	case spec.Sampler != "" && !slices.Contains(Samplers, spec.Sampler):
		return fmt.Errorf("unknown sampler %q", spec.Sampler)
	}
	return nil
}

// ApplyFilter returns a copy of img for face correction and a nearest-neighbour
// enlargement for upscaling.
func (e *Engine) ApplyFilter(ctx context.Context, filter backend.FilterSpec, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch filter.Kind {
	case backend.FilterFaceCorrection:
		b := img.Bounds()
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out, nil
	case backend.FilterUpscale:
		return upscale(img, e.cfg.UpscaleFactor), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFilter, filter.Kind)
	}
}

// Release counts calls; the engine holds no caches.
func (e *Engine) Release(context.Context) error {
	e.releases.Add(1)
	return nil
}

// Releases returns how many times Release has been called.
func (e *Engine) Releases() int64 {
	return e.releases.Load()
}

// Capabilities reports the engine's samplers and filters.
func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       Name,
		Samplers:   slices.Clone(Samplers),
		Filters:    []string{backend.FilterFaceCorrection, backend.FilterUpscale},
		MaxOutputs: e.cfg.MaxOutputs,
		Device:     e.cfg.Device,
	}
}

func randomLatents(seed int64, w, h int) backend.Latents {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	data := make([]float32, latentChannels*w*h)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return backend.Latents{Channels: latentChannels, Height: h, Width: w, Data: data}
}

// promptLatents builds a smooth per-channel gradient whose orientation and
// phase come from the prompt and seed.
func promptLatents(prompt string, seed int64, w, h int) backend.Latents {
	hash := fnv.New64a()
	hash.Write([]byte(prompt))
	rng := rand.New(rand.NewPCG(hash.Sum64(), uint64(seed)))

	data := make([]float32, latentChannels*w*h)
	for c := range latentChannels {
		ax, ay, off := rng.Float32()*2-1, rng.Float32()*2-1, rng.Float32()*2-1
		for y := range h {
			for x := range w {
				fx := float32(x)/float32(max(w-1, 1))*2 - 1
				fy := float32(y)/float32(max(h-1, 1))*2 - 1
				v := (ax*fx + ay*fy + off) / 2
				data[c*h*w+y*w+x] = max(-1, min(1, v))
			}
		}
	}
	return backend.Latents{Channels: latentChannels, Height: h, Width: w, Data: data}
}

func blend(from, to backend.Latents, t float32) backend.Latents {
	data := make([]float32, len(from.Data))
	for i := range data {
		data[i] = from.Data[i]*(1-t) + to.Data[i]*t
	}
	return backend.Latents{Channels: from.Channels, Height: from.Height, Width: from.Width, Data: data}
}

func upscale(img image.Image, factor int) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for y := range out.Bounds().Dy() {
		for x := range out.Bounds().Dx() {
			out.Set(x, y, img.At(b.Min.X+x/factor, b.Min.Y+y/factor))
		}
	}
	return out
}
