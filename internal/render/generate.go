package render

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/seantiz/easel/internal/backend"
)

// generate invokes the engine once and turns its output into image records
// seeded base seed + index. When the observer stopped the engine, images are
// recovered from the last partial samples, if any were recorded.
func (r *Renderer) generate(ctx context.Context, rc *Context, job Job) ([]ImageRecord, bool, error) {
	req := job.Request
	r.logger.Info("render started",
		"request_id", job.Task.RequestID,
		"session_id", job.Task.SessionID,
		"prompt", req.Prompt,
		"seed", req.Seed,
		"steps", req.NumInferenceSteps,
		"outputs", req.NumOutputs,
		"sampler", req.Sampler,
	)

	rc.clearTempImages()
	rc.takePartial()

	reporter := newProgressReporter(rc, job, r.encoder, r.decoder, r.now)

	defer r.release(ctx)

	outcome, err := r.backend.Generate(ctx, backend.GenerateSpec{
		TaskID:            job.Task.RequestID,
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Seed:              req.Seed,
		Width:             req.Width,
		Height:            req.Height,
		NumInferenceSteps: req.NumInferenceSteps,
		NumOutputs:        req.NumOutputs,
		GuidanceScale:     req.GuidanceScale,
		PromptStrength:    req.PromptStrength,
		Sampler:           req.Sampler,
		Device:            rc.Device,
		InitImage:         req.InitImage,
		Observer:          reporter,
	})
	if reporter.err != nil {
		return nil, false, reporter.err
	}
	if err != nil {
		return nil, false, fmt.Errorf("generate: %w", err)
	}

	partial := rc.takePartial()
	images := outcome.Images
	if outcome.Stopped {
		images = nil
		if partial != nil {
			images, err = r.decodePartial(partial, req.NumOutputs)
			if err != nil {
				return nil, true, fmt.Errorf("recover partial samples: %w", err)
			}
		}
		r.logger.Info("render stopped by user", "request_id", job.Task.RequestID, "recovered", len(images))
	} else if len(images) != req.NumOutputs {
		return nil, false, fmt.Errorf("engine returned %d images, want %d", len(images), req.NumOutputs)
	}

	records := make([]ImageRecord, len(images))
	for i, img := range images {
		records[i] = ImageRecord{Image: img, Seed: req.Seed + int64(i)}
	}
	return records, outcome.Stopped, nil
}

func (r *Renderer) decodePartial(samples []backend.Latents, n int) ([]image.Image, error) {
	n = min(n, len(samples))
	images := make([]image.Image, 0, n)
	for i := range n {
		img, err := r.decoder.Decode(samples[i])
		if err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// releaseTimeout bounds how long a worker waits for the engine to give back
// its memory.
const releaseTimeout = 30 * time.Second

// release reclaims engine memory. It runs on every exit path of generate,
// including cancellation of ctx.
func (r *Renderer) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.releaseTimeout)
	defer cancel()
	if err := r.backend.Release(ctx); err != nil {
		r.logger.Warn("release engine memory", "error", err)
	}
}
