package render

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/model"
)

// Encoder encodes an image in an output format.
type Encoder interface {
	Encode(img image.Image, format string, quality int) ([]byte, error)
}

// LatentDecoder approximates a viewable image from a partial sample.
type LatentDecoder interface {
	Decode(l backend.Latents) (image.Image, error)
}

// Job is one render request together with its output wiring.
type Job struct {
	Request model.RenderRequest
	Task    model.TaskData

	// Out receives progress events and the terminal message.
	Out Sink

	// SaveDir is the directory images are saved under, one subdirectory per
	// session. Images are not saved when it is empty.
	SaveDir string

	// Slots, when non-nil, receives the latest encoded preview of each output.
	Slots *Slots

	// OnStep is called after every step's progress event has been emitted.
	OnStep func()
}

// Renderer runs render jobs against one generation engine.
type Renderer struct {
	backend backend.Backend
	encoder Encoder
	decoder LatentDecoder
	logger  *slog.Logger
	now     func() time.Time

	releaseTimeout time.Duration
}

// NewRenderer creates a renderer for the given engine and codecs.
func NewRenderer(b backend.Backend, enc Encoder, dec LatentDecoder, logger *slog.Logger) *Renderer {
	return &Renderer{
		backend: b,
		encoder: enc,
		decoder: dec,
		logger:  logger,
		now:     time.Now,

		releaseTimeout: releaseTimeout,
	}
}

// Render runs job to completion on rc. It emits exactly one terminal message
// on job.Out: the serialized Response on success, or a failure message when
// any stage returns an error or panics, in which case the error is returned.
// A stop request is not an error; the response then carries whatever could
// be recovered from the last partial samples.
func (r *Renderer) Render(ctx context.Context, rc *Context, job Job) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panic: %v", p)
			r.logger.Error("render panic",
				"request_id", job.Task.RequestID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
		if err != nil {
			resp = nil
			r.logger.Error("render failed", "request_id", job.Task.RequestID, "error", err)
			job.Out.Put(FailureMessage(err))
		}
	}()

	return r.render(ctx, rc, job)
}

func (r *Renderer) render(ctx context.Context, rc *Context, job Job) (*Response, error) {
	images, stopped, err := r.generate(ctx, rc, job)
	if err != nil {
		return nil, err
	}

	images, err = applyFilters(ctx, rc, r.filtersFor(job.Task), images, stopped, job.Task.ShowOnlyFilteredImage)
	if err != nil {
		return nil, fmt.Errorf("apply filters: %w", err)
	}

	if job.SaveDir != "" {
		dir := filepath.Join(job.SaveDir, SanitizeFilename(job.Task.SessionID))
		meta := model.Metadata(job.Request, job.Task)
		if err := saveImages(r.encoder, images, dir, meta, job.Task.ShowOnlyFilteredImage, r.now()); err != nil {
			return nil, fmt.Errorf("save images: %w", err)
		}
	}

	output, err := buildResponse(r.encoder, images, job.Request.OutputFormat, job.Request.OutputQuality)
	if err != nil {
		return nil, fmt.Errorf("build response: %w", err)
	}

	resp := &Response{
		Status:  StatusSucceeded,
		Stopped: stopped,
		Request: job.Request,
		Task:    job.Task,
		Output:  output,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	job.Out.Put(data)

	r.logger.Info("render completed",
		"request_id", job.Task.RequestID,
		"images", len(output),
		"stopped", stopped,
	)
	return resp, nil
}
