package backend

import (
	"context"
	"image"
)

// Backend is the interface that all generation engines must implement. An
// engine may run in-process or behind a connection to a separate process.
type Backend interface {
	// Generate runs one generation for spec and returns the produced images.
	// The engine calls spec.Observer once per inference step on its own call
	// stack; when the observer returns Stop the engine abandons the remaining
	// steps and returns an Outcome with Stopped set.
	Generate(ctx context.Context, spec GenerateSpec) (Outcome, error)

	// ApplyFilter runs a post-processing model (face correction, upscaling)
	// over a single image.
	ApplyFilter(ctx context.Context, filter FilterSpec, img image.Image) (image.Image, error)

	// Release reclaims memory the engine holds between generations
	// (model caches, intermediate tensors).
	Release(ctx context.Context) error

	// Capabilities reports what the engine supports.
	Capabilities() Capabilities
}

// Latents is one partially denoised sample in the engine's latent space,
// laid out channel-major: Data[c*Height*Width + y*Width + x].
type Latents struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Data     []float32 `json:"data"`
}

// At returns the value of channel c at (x, y).
func (l Latents) At(c, x, y int) float32 {
	return l.Data[c*l.Height*l.Width+y*l.Width+x]
}

// Directive tells the engine whether to keep sampling after a step.
type Directive int

const (
	Continue Directive = iota
	Stop
)

// StepObserver receives the batch of partial samples after every inference step.
type StepObserver interface {
	OnStep(samples []Latents, step int) Directive
}

// StepFunc adapts a function to the StepObserver interface.
type StepFunc func(samples []Latents, step int) Directive

// OnStep calls f(samples, step).
func (f StepFunc) OnStep(samples []Latents, step int) Directive {
	return f(samples, step)
}

// GenerateSpec describes one generation to be executed by an engine.
type GenerateSpec struct {
	TaskID            string  `json:"task_id"`
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Seed              int64   `json:"seed"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	NumOutputs        int     `json:"num_outputs"`
	GuidanceScale     float64 `json:"guidance_scale"`
	PromptStrength    float64 `json:"prompt_strength"`
	Sampler           string  `json:"sampler"`
	Device            string  `json:"device,omitempty"`

	// InitImage is a data URL for image-to-image renders. Decoding it is
	// left to the engine.
	InitImage string `json:"init_image,omitempty"`

	// Observer is invoked once per step. It may be nil.
	Observer StepObserver `json:"-"`
}

// Outcome is the result of a generation. When Stopped is set the generation
// was abandoned at the observer's request and Images is empty.
type Outcome struct {
	Images  []image.Image
	Stopped bool
}

// Filter kinds.
const (
	FilterFaceCorrection = "gfpgan"
	FilterUpscale        = "realesrgan"
)

// FilterSpec selects a post-processing model. Kind is one of the Filter*
// constants; Model is the configured model name (e.g. "GFPGANv1.3").
type FilterSpec struct {
	Kind  string `json:"kind"`
	Model string `json:"model"`
}

// Capabilities describes what an engine supports.
type Capabilities struct {
	Name       string   `json:"name"`
	Samplers   []string `json:"samplers"`
	Filters    []string `json:"filters"`
	MaxOutputs int      `json:"max_outputs"`
	Device     string   `json:"device,omitempty"`
}
