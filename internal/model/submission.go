package model

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Submission defaults.
const (
	DefaultSteps         = 50
	DefaultGuidanceScale = 7.5
	DefaultSize          = 512
	DefaultNumOutputs    = 1
	DefaultStrength      = 0.8
	DefaultSampler       = "plms"
	DefaultQuality       = 75

	// maxSeed keeps random seeds inside the range every engine accepts.
	maxSeed = 1 << 32
)

const submissionSchemaJSON = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "negative_prompt": {"type": "string"},
    "seed": {"type": "integer", "minimum": 0},
    "num_inference_steps": {"type": "integer", "minimum": 1, "maximum": 500},
    "guidance_scale": {"type": "number", "minimum": 0, "maximum": 50},
    "width": {"type": "integer", "minimum": 64, "maximum": 2048, "multipleOf": 8},
    "height": {"type": "integer", "minimum": 64, "maximum": 2048, "multipleOf": 8},
    "num_outputs": {"type": "integer", "minimum": 1, "maximum": 16},
    "prompt_strength": {"type": "number", "minimum": 0, "maximum": 1},
    "init_image": {"type": "string"},
    "sampler": {"type": "string"},
    "output_format": {"enum": ["jpeg", "png"]},
    "output_quality": {"type": "integer", "minimum": 1, "maximum": 100},
    "session_id": {"type": "string"},
    "engine": {"type": "string"},
    "stream_progress_updates": {"type": "boolean"},
    "stream_image_progress": {"type": "boolean"},
    "save_to_disk_path": {"type": "string"},
    "use_face_correction": {"type": "string"},
    "use_upscale": {"type": "string"},
    "show_only_filtered_image": {"type": "boolean"},
    "timeout_s": {"type": "integer", "minimum": 1}
  }
}`

var submissionSchema = jsonschema.MustCompileString("submission.json", submissionSchemaJSON)

// ValidateSubmission checks a raw JSON submission against the submission schema.
func ValidateSubmission(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if err := submissionSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	return nil
}

// Submission is the wire form of a render submission, shared by the HTTP
// API and the queue consumer.
type Submission struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt"`
	Seed              *int64   `json:"seed"`
	NumInferenceSteps int      `json:"num_inference_steps"`
	GuidanceScale     float64  `json:"guidance_scale"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	NumOutputs        int      `json:"num_outputs"`
	PromptStrength    *float64 `json:"prompt_strength"`
	InitImage         string   `json:"init_image"`
	Sampler           string   `json:"sampler"`
	OutputFormat      string   `json:"output_format"`
	OutputQuality     int      `json:"output_quality"`

	SessionID             string `json:"session_id"`
	Engine                string `json:"engine"`
	StreamProgressUpdates *bool  `json:"stream_progress_updates"`
	StreamImageProgress   bool   `json:"stream_image_progress"`
	SaveToDiskPath        string `json:"save_to_disk_path"`
	UseFaceCorrection     string `json:"use_face_correction"`
	UseUpscale            string `json:"use_upscale"`
	ShowOnlyFilteredImage bool   `json:"show_only_filtered_image"`
	TimeoutS              *int   `json:"timeout_s"`
}

// ParseSubmission validates raw against the submission schema and decodes it.
func ParseSubmission(raw []byte) (Submission, error) {
	if err := ValidateSubmission(raw); err != nil {
		return Submission{}, err
	}
	var s Submission
	if err := json.Unmarshal(raw, &s); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	// Saved images must stay under the configured save root.
	if s.SaveToDiskPath != "" && !filepath.IsLocal(s.SaveToDiskPath) {
		return Submission{}, fmt.Errorf("invalid submission: save_to_disk_path %q must be a relative path without '..'", s.SaveToDiskPath)
	}
	return s, nil
}

// Task builds a pending task from the submission, filling defaults for every
// omitted parameter.
func (s Submission) Task() *Task {
	req := RenderRequest{
		Prompt:            s.Prompt,
		NegativePrompt:    s.NegativePrompt,
		NumInferenceSteps: orInt(s.NumInferenceSteps, DefaultSteps),
		GuidanceScale:     orFloat(s.GuidanceScale, DefaultGuidanceScale),
		Width:             orInt(s.Width, DefaultSize),
		Height:            orInt(s.Height, DefaultSize),
		NumOutputs:        orInt(s.NumOutputs, DefaultNumOutputs),
		PromptStrength:    DefaultStrength,
		InitImage:         s.InitImage,
		Sampler:           s.Sampler,
		OutputFormat:      s.OutputFormat,
		OutputQuality:     orInt(s.OutputQuality, DefaultQuality),
	}
	if s.PromptStrength != nil {
		req.PromptStrength = *s.PromptStrength
	}
	if s.Seed != nil {
		req.Seed = *s.Seed
	} else {
		req.Seed = rand.Int64N(maxSeed)
	}
	if req.Sampler == "" {
		req.Sampler = DefaultSampler
	}
	if req.OutputFormat == "" {
		req.OutputFormat = FormatJPEG
	}

	id := NewID()
	opts := TaskData{
		RequestID:             id,
		SessionID:             s.SessionID,
		Engine:                s.Engine,
		StreamProgressUpdates: true,
		StreamImageProgress:   s.StreamImageProgress,
		SaveToDiskPath:        s.SaveToDiskPath,
		UseFaceCorrection:     s.UseFaceCorrection,
		UseUpscale:            s.UseUpscale,
		ShowOnlyFilteredImage: s.ShowOnlyFilteredImage,
		TimeoutS:              s.TimeoutS,
	}
	if s.StreamProgressUpdates != nil {
		opts.StreamProgressUpdates = *s.StreamProgressUpdates
	}
	if opts.SessionID == "" {
		opts.SessionID = id
	}
	if opts.Engine == "" {
		opts.Engine = EngineAuto
	}

	return &Task{
		ID:        id,
		Status:    StatusPending,
		Request:   req,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
