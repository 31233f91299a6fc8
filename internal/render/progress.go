package render

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/model"
)

const (
	// previewEvery is the step interval at which previews are streamed.
	previewEvery = 5

	previewQuality = 75
)

// progressReporter is the engine's step observer. It runs synchronously on
// the engine's call stack and must not block beyond pushing to the sink.
type progressReporter struct {
	rc      *Context
	job     Job
	encoder Encoder
	decoder LatentDecoder
	now     func() time.Time

	total int
	last  time.Time

	// err holds the first failure raised inside the observer. The engine is
	// told to stop and the render fails with this error.
	err error
}

func newProgressReporter(rc *Context, job Job, enc Encoder, dec LatentDecoder, now func() time.Time) *progressReporter {
	return &progressReporter{
		rc:      rc,
		job:     job,
		encoder: enc,
		decoder: dec,
		now:     now,
		total:   job.Request.TotalSteps(),
	}
}

// OnStep implements backend.StepObserver.
func (p *progressReporter) OnStep(samples []backend.Latents, step int) backend.Directive {
	if p.err != nil {
		return backend.Stop
	}

	p.rc.setPartial(samples)

	now := p.now()
	stepTime := -1.0
	if !p.last.IsZero() {
		stepTime = now.Sub(p.last).Seconds()
	}
	p.last = now

	event := ProgressEvent{Step: step, StepTime: stepTime, TotalSteps: p.total}
	if p.job.Task.StreamImageProgress && step%previewEvery == 0 {
		refs, err := p.updateTempImages(samples)
		if err != nil {
			p.err = fmt.Errorf("preview step %d: %w", step, err)
			return backend.Stop
		}
		event.Output = refs
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.err = fmt.Errorf("marshal progress: %w", err)
		return backend.Stop
	}
	p.job.Out.Put(data)

	if p.job.OnStep != nil {
		p.job.OnStep()
	}

	if p.rc.StopRequested() {
		return backend.Stop
	}
	return backend.Continue
}

// updateTempImages decodes and stores a preview of every output.
func (p *progressReporter) updateTempImages(samples []backend.Latents) ([]TempImageRef, error) {
	n := p.job.Request.NumOutputs
	if len(samples) < n {
		return nil, fmt.Errorf("engine reported %d samples for %d outputs", len(samples), n)
	}

	id := p.job.Task.RequestID
	refs := make([]TempImageRef, 0, n)
	for i := range n {
		img, err := p.decoder.Decode(samples[i])
		if err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", i, err)
		}
		buf, err := p.encoder.Encode(img, model.FormatJPEG, previewQuality)
		if err != nil {
			return nil, fmt.Errorf("encode preview %d: %w", i, err)
		}

		p.rc.setTempImage(TempImageKey(id, i), buf)
		if p.job.Slots != nil {
			p.job.Slots.set(i, buf)
		}
		refs = append(refs, TempImageRef{Path: TempImagePath(id, i)})
	}
	return refs, nil
}
