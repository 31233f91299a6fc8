package render

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/imaging"
	"github.com/seantiz/easel/internal/model"
)

// fakeBackend is a scripted engine for renderer tests.
type fakeBackend struct {
	steps   int
	failAt  int // step at which Generate fails; -1 never
	panicAt int // step at which Generate panics; -1 never
	err     error

	// images overrides the number of images returned; 0 means NumOutputs.
	images int

	// hangRelease makes Release block until its context is done.
	hangRelease bool

	mu        sync.Mutex
	releases  int
	filters   []backend.FilterSpec
	filterErr error
}

func newFakeBackend(steps int) *fakeBackend {
	return &fakeBackend{steps: steps, failAt: -1, panicAt: -1, err: errors.New("engine exploded")}
}

func (f *fakeBackend) Generate(ctx context.Context, spec backend.GenerateSpec) (backend.Outcome, error) {
	for step := range f.steps {
		if step == f.failAt {
			return backend.Outcome{}, f.err
		}
		if step == f.panicAt {
			panic("tensor shape mismatch")
		}
		if err := ctx.Err(); err != nil {
			return backend.Outcome{}, err
		}
		samples := make([]backend.Latents, spec.NumOutputs)
		for i := range samples {
			samples[i] = fakeLatents(spec.Width/8, spec.Height/8, float32(step)/float32(f.steps))
		}
		if spec.Observer != nil && spec.Observer.OnStep(samples, step) == backend.Stop {
			return backend.Outcome{Stopped: true}, nil
		}
	}

	n := spec.NumOutputs
	if f.images > 0 {
		n = f.images
	}
	images := make([]image.Image, n)
	for i := range images {
		images[i] = solidImage(spec.Width, spec.Height, uint8(i*40))
	}
	return backend.Outcome{Images: images}, nil
}

func (f *fakeBackend) ApplyFilter(_ context.Context, spec backend.FilterSpec, img image.Image) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, spec)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	b := img.Bounds()
	return solidImage(b.Dx(), b.Dy(), 255), nil
}

func (f *fakeBackend) Release(ctx context.Context) error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	if f.hangRelease {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake", MaxOutputs: 4}
}

func (f *fakeBackend) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func (f *fakeBackend) filterCalls() []backend.FilterSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.FilterSpec(nil), f.filters...)
}

func fakeLatents(w, h int, v float32) backend.Latents {
	data := make([]float32, 4*w*h)
	for i := range data {
		data[i] = v
	}
	return backend.Latents{Channels: 4, Width: w, Height: h, Data: data}
}

func solidImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}
	return img
}

func newTestRenderer(b backend.Backend) *Renderer {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	r := NewRenderer(b, imaging.Codec{}, imaging.LatentPreviewer{Scale: 1}, logger)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}
	return r
}

func testJob(out Sink) Job {
	return Job{
		Request: model.RenderRequest{
			Prompt:            "a cat",
			Seed:              42,
			NumInferenceSteps: 10,
			GuidanceScale:     7.5,
			Width:             64,
			Height:            64,
			NumOutputs:        2,
			PromptStrength:    0.8,
			Sampler:           "plms",
			OutputFormat:      model.FormatPNG,
			OutputQuality:     75,
		},
		Task: model.TaskData{
			RequestID:             "req1",
			SessionID:             "sess",
			Engine:                model.EngineAuto,
			StreamProgressUpdates: true,
		},
		Out: out,
	}
}

// drain closes q and returns every buffered message decoded as a JSON object.
func drain(t *testing.T, q *Queue) []map[string]any {
	t.Helper()
	q.Close()
	var msgs []map[string]any
	for {
		raw, ok := q.Next(context.Background())
		if !ok {
			return msgs
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("message is not JSON: %s", raw)
		}
		msgs = append(msgs, m)
	}
}

// split separates progress events from terminal messages.
func split(msgs []map[string]any) (progress, terminal []map[string]any) {
	for _, m := range msgs {
		if _, ok := m["status"]; ok {
			terminal = append(terminal, m)
		} else {
			progress = append(progress, m)
		}
	}
	return progress, terminal
}
