package model

import (
	"strings"
	"testing"
)

func TestParseSubmissionDefaults(t *testing.T) {
	s, err := ParseSubmission([]byte(`{"prompt": "a cat"}`))
	if err != nil {
		t.Fatalf("ParseSubmission: %v", err)
	}

	task := s.Task()
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.Options.RequestID != task.ID {
		t.Errorf("RequestID = %q, want task ID %q", task.Options.RequestID, task.ID)
	}
	if task.Options.SessionID != task.ID {
		t.Errorf("SessionID = %q, want task ID when omitted", task.Options.SessionID)
	}
	if task.Options.Engine != EngineAuto {
		t.Errorf("Engine = %q, want %q", task.Options.Engine, EngineAuto)
	}
	if !task.Options.StreamProgressUpdates {
		t.Error("StreamProgressUpdates should default to true")
	}

	req := task.Request
	if req.NumInferenceSteps != DefaultSteps {
		t.Errorf("NumInferenceSteps = %d, want %d", req.NumInferenceSteps, DefaultSteps)
	}
	if req.Width != DefaultSize || req.Height != DefaultSize {
		t.Errorf("size = %dx%d, want %dx%d", req.Width, req.Height, DefaultSize, DefaultSize)
	}
	if req.NumOutputs != 1 {
		t.Errorf("NumOutputs = %d, want 1", req.NumOutputs)
	}
	if req.OutputFormat != FormatJPEG {
		t.Errorf("OutputFormat = %q, want jpeg", req.OutputFormat)
	}
	if req.OutputQuality != DefaultQuality {
		t.Errorf("OutputQuality = %d, want %d", req.OutputQuality, DefaultQuality)
	}
	if req.Seed < 0 || req.Seed >= maxSeed {
		t.Errorf("random seed %d out of range", req.Seed)
	}
}

func TestParseSubmissionExplicitValues(t *testing.T) {
	raw := `{
		"prompt": "a cat",
		"seed": 0,
		"num_outputs": 3,
		"output_format": "png",
		"session_id": "s1",
		"stream_progress_updates": false,
		"stream_image_progress": true,
		"use_face_correction": "GFPGANv1.3",
		"show_only_filtered_image": true
	}`
	s, err := ParseSubmission([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSubmission: %v", err)
	}
	task := s.Task()
	if task.Request.Seed != 0 {
		t.Errorf("Seed = %d, want explicit 0", task.Request.Seed)
	}
	if task.Request.NumOutputs != 3 {
		t.Errorf("NumOutputs = %d, want 3", task.Request.NumOutputs)
	}
	if task.Options.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", task.Options.SessionID)
	}
	if task.Options.StreamProgressUpdates {
		t.Error("StreamProgressUpdates = true, want false")
	}
	if !task.Options.StreamImageProgress || !task.Options.ShowOnlyFilteredImage {
		t.Error("streaming/filter flags not carried over")
	}
}

func TestValidateSubmissionRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing prompt", `{}`},
		{"empty prompt", `{"prompt": ""}`},
		{"bad format", `{"prompt": "x", "output_format": "gif"}`},
		{"too many outputs", `{"prompt": "x", "num_outputs": 100}`},
		{"odd width", `{"prompt": "x", "width": 513}`},
		{"strength above one", `{"prompt": "x", "prompt_strength": 1.5}`},
		{"quality zero", `{"prompt": "x", "output_quality": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSubmission([]byte(tt.raw)); err == nil {
				t.Errorf("ValidateSubmission(%s) = nil, want error", tt.raw)
			}
		})
	}
}

func TestValidateSubmissionErrorMentionsField(t *testing.T) {
	err := ValidateSubmission([]byte(`{"prompt": "x", "num_outputs": 100}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "num_outputs") {
		t.Errorf("error %q does not mention num_outputs", err)
	}
}

func TestParseSubmissionPromptStrength(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"omitted", `{"prompt": "x"}`, DefaultStrength},
		{"explicit zero", `{"prompt": "x", "prompt_strength": 0}`, 0},
		{"explicit value", `{"prompt": "x", "prompt_strength": 0.35}`, 0.35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSubmission([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseSubmission: %v", err)
			}
			if got := s.Task().Request.PromptStrength; got != tt.want {
				t.Errorf("PromptStrength = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSubmissionSavePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"renders", true},
		{"renders/portraits", true},
		{"/tmp/renders", false},
		{"../outside", false},
		{"renders/../../outside", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			raw := `{"prompt": "x", "save_to_disk_path": "` + tt.path + `"}`
			_, err := ParseSubmission([]byte(raw))
			if tt.ok && err != nil {
				t.Errorf("ParseSubmission(%q) = %v, want nil", tt.path, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("ParseSubmission(%q) = nil, want error", tt.path)
			}
		})
	}
}
