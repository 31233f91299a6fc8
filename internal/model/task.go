package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Output format constants.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// EngineAuto selects the registry's default backend.
const EngineAuto = "auto"

// Message kinds recorded for each line emitted on a task's output channel.
const (
	MessageProgress = "progress"
	MessageResult   = "result"
	MessageFailed   = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusStopped: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusStopped
}

// RenderRequest holds the generation parameters of a render. It is not
// modified once the task has been submitted.
type RenderRequest struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Seed              int64   `json:"seed"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumOutputs        int     `json:"num_outputs"`
	PromptStrength    float64 `json:"prompt_strength"`
	InitImage         string  `json:"init_image,omitempty"`
	Sampler           string  `json:"sampler"`
	OutputFormat      string  `json:"output_format"`
	OutputQuality     int     `json:"output_quality"`
}

// TotalSteps returns the number of denoising steps the engine will report.
// Image-to-image renders only run the strength-scaled tail of the schedule.
func (r RenderRequest) TotalSteps() int {
	if r.InitImage == "" {
		return r.NumInferenceSteps
	}
	return int(float64(r.NumInferenceSteps) * r.PromptStrength)
}

// TaskData carries the identifiers and routing flags of a render.
type TaskData struct {
	RequestID             string `json:"request_id"`
	SessionID             string `json:"session_id"`
	Engine                string `json:"engine"`
	StreamProgressUpdates bool   `json:"stream_progress_updates"`
	StreamImageProgress   bool   `json:"stream_image_progress"`
	SaveToDiskPath        string `json:"save_to_disk_path,omitempty"`
	UseFaceCorrection     string `json:"use_face_correction,omitempty"`
	UseUpscale            string `json:"use_upscale,omitempty"`
	ShowOnlyFilteredImage bool   `json:"show_only_filtered_image"`
	TimeoutS              *int   `json:"timeout_s,omitempty"`
}

// ImageMetadata is written next to every saved image.
type ImageMetadata struct {
	Prompt            string  `yaml:"prompt"`
	NegativePrompt    string  `yaml:"negative_prompt,omitempty"`
	Seed              int64   `yaml:"seed"`
	NumInferenceSteps int     `yaml:"num_inference_steps"`
	GuidanceScale     float64 `yaml:"guidance_scale"`
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	Sampler           string  `yaml:"sampler"`
	PromptStrength    float64 `yaml:"prompt_strength,omitempty"`
	UseFaceCorrection string  `yaml:"use_face_correction,omitempty"`
	UseUpscale        string  `yaml:"use_upscale,omitempty"`
	OutputFormat      string  `yaml:"output_format"`
	OutputQuality     int     `yaml:"output_quality"`
}

// Metadata returns the per-render metadata recorded alongside saved images.
func Metadata(req RenderRequest, task TaskData) ImageMetadata {
	m := ImageMetadata{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Seed:              req.Seed,
		NumInferenceSteps: req.NumInferenceSteps,
		GuidanceScale:     req.GuidanceScale,
		Width:             req.Width,
		Height:            req.Height,
		Sampler:           req.Sampler,
		UseFaceCorrection: task.UseFaceCorrection,
		UseUpscale:        task.UseUpscale,
		OutputFormat:      req.OutputFormat,
		OutputQuality:     req.OutputQuality,
	}
	if req.InitImage != "" {
		m.PromptStrength = req.PromptStrength
	}
	return m
}

// Task is the persisted record of one render submission.
type Task struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Request    RenderRequest   `json:"request"`
	Options    TaskData        `json:"options"`
	Stopped    bool            `json:"stopped"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// TaskMessage is one JSON line emitted on a task's output channel.
type TaskMessage struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
