package engine_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/backend/synthetic"
	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/model"
	"github.com/seantiz/easel/internal/store"
)

// failingBackend fails every generation after reporting a few steps.
type failingBackend struct {
	steps int
	err   error
}

func (f *failingBackend) Generate(_ context.Context, spec backend.GenerateSpec) (backend.Outcome, error) {
	for step := range f.steps {
		samples := []backend.Latents{{Channels: 4, Width: 1, Height: 1, Data: make([]float32, 4)}}
		if spec.Observer.OnStep(samples, step) == backend.Stop {
			return backend.Outcome{Stopped: true}, nil
		}
	}
	return backend.Outcome{}, f.err
}

func (f *failingBackend) ApplyFilter(context.Context, backend.FilterSpec, image.Image) (image.Image, error) {
	return nil, f.err
}

func (f *failingBackend) Release(context.Context) error { return nil }

func (f *failingBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "failing"}
}

// memMirror is an in-memory PreviewMirror.
type memMirror struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memMirror) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = data
	return nil
}

func (m *memMirror) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return buf, nil
}

func newTestEngine(t *testing.T, opts engine.Options, backends ...backend.Backend) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	if len(backends) == 0 {
		backends = []backend.Backend{synthetic.New(synthetic.Config{})}
	}
	for _, b := range backends {
		reg.Register(b.Capabilities().Name, b)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, reg, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})
	return eng, s
}

func makeTask(steps int) *model.Task {
	id := model.NewID()
	return &model.Task{
		ID:     id,
		Status: model.StatusPending,
		Request: model.RenderRequest{
			Prompt:            "a red barn",
			Seed:              11,
			NumInferenceSteps: steps,
			GuidanceScale:     7.5,
			Width:             64,
			Height:            64,
			NumOutputs:        1,
			PromptStrength:    0.8,
			Sampler:           "plms",
			OutputFormat:      model.FormatJPEG,
			OutputQuality:     75,
		},
		Options: model.TaskData{
			RequestID:             id,
			SessionID:             id,
			Engine:                model.EngineAuto,
			StreamProgressUpdates: true,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitBeforeStart(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	eng := engine.NewEngine(s, backend.NewRegistry(), slog.New(slog.NewJSONHandler(io.Discard, nil)), engine.Options{})

	if err := eng.Submit(context.Background(), makeTask(1)); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("Submit error = %v, want ErrNotRunning", err)
	}
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{})

	task := makeTask(6)
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	completed := waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
	if completed.Stopped {
		t.Error("Stopped = true, want false")
	}
	if !strings.Contains(string(completed.Result), `"status":"succeeded"`) {
		t.Errorf("Result = %s, want a succeeded response", completed.Result)
	}
	if completed.DurationMS == nil {
		t.Error("duration_ms is nil")
	}
	if completed.StartedAt == nil || completed.FinishedAt == nil {
		t.Error("started_at and finished_at should be set")
	}

	msgs, err := s.GetMessages(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 7 {
		t.Fatalf("len(msgs) = %d, want 6 progress + 1 result", len(msgs))
	}
	for i, m := range msgs[:6] {
		if m.Kind != model.MessageProgress {
			t.Errorf("msgs[%d].Kind = %q, want progress", i, m.Kind)
		}
	}
	if msgs[6].Kind != model.MessageResult {
		t.Errorf("last message kind = %q, want result", msgs[6].Kind)
	}
}

func TestSubmitBackendError(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{}, &failingBackend{steps: 2, err: errors.New("cuda out of memory")})

	task := makeTask(10)
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, task.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "cuda out of memory") {
		t.Errorf("Error = %q, want engine error", failed.Error)
	}

	msgs, _ := s.GetMessages(context.Background(), task.ID)
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 2 progress + 1 failure", len(msgs))
	}
	if msgs[2].Kind != model.MessageFailed {
		t.Errorf("last message kind = %q, want failed", msgs[2].Kind)
	}
}

func TestSubmitTimeout(t *testing.T) {
	slow := synthetic.New(synthetic.Config{StepDelay: 200 * time.Millisecond})
	eng, s := newTestEngine(t, engine.Options{}, slow)

	task := makeTask(50)
	timeout := 1
	task.Options.TimeoutS = &timeout
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, task.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", failed.Error)
	}
}

func TestSubmitUnknownEngine(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{})

	task := makeTask(3)
	task.Options.Engine = "nonexistent"
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, task.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "resolve backend") {
		t.Errorf("Error = %q, want resolve error", failed.Error)
	}
	if failed.StartedAt == nil {
		t.Error("started_at should be set when resolution fails after the running transition")
	}
	msgs, _ := s.GetMessages(context.Background(), task.ID)
	if len(msgs) != 1 || msgs[0].Kind != model.MessageFailed {
		t.Errorf("messages = %+v, want a single failure", msgs)
	}
}

func TestStopRunningTask(t *testing.T) {
	slow := synthetic.New(synthetic.Config{StepDelay: 20 * time.Millisecond})
	eng, s := newTestEngine(t, engine.Options{}, slow)

	task := makeTask(500)
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusRunning, 5*time.Second)
	time.Sleep(50 * time.Millisecond)

	if err := eng.Stop(context.Background(), task.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	completed := waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
	if !completed.Stopped {
		t.Error("Stopped = false, want true")
	}
	if !strings.Contains(string(completed.Result), `"stopped":true`) {
		t.Errorf("Result = %s, want stopped response", completed.Result)
	}
}

func TestStopPendingTask(t *testing.T) {
	slow := synthetic.New(synthetic.Config{StepDelay: 20 * time.Millisecond})
	eng, s := newTestEngine(t, engine.Options{Workers: 1}, slow)

	first := makeTask(500)
	if err := eng.Submit(context.Background(), first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitForStatus(t, s, first.ID, model.StatusRunning, 5*time.Second)

	second := makeTask(3)
	if err := eng.Submit(context.Background(), second); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if err := eng.Stop(context.Background(), second.ID); err != nil {
		t.Fatalf("Stop second: %v", err)
	}
	if err := eng.Stop(context.Background(), first.ID); err != nil {
		t.Fatalf("Stop first: %v", err)
	}

	waitForStatus(t, s, first.ID, model.StatusCompleted, 5*time.Second)

	// Give the worker time to pick up (and skip) the stopped task.
	time.Sleep(50 * time.Millisecond)
	got, err := s.GetTask(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusStopped {
		t.Errorf("second status = %q, want stopped", got.Status)
	}
	if msgs, _ := s.GetMessages(context.Background(), second.ID); len(msgs) != 0 {
		t.Errorf("stopped task emitted %d messages, want 0", len(msgs))
	}
}

func TestStopFinishedAndUnknown(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{})

	task := makeTask(2)
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	if err := eng.Stop(context.Background(), task.ID); !errors.Is(err, engine.ErrTaskFinished) {
		t.Errorf("Stop(finished) = %v, want ErrTaskFinished", err)
	}
	if err := eng.Stop(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Stop(missing) = %v, want ErrNotFound", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	slow := synthetic.New(synthetic.Config{StepDelay: 20 * time.Millisecond})
	eng, s := newTestEngine(t, engine.Options{Workers: 1, QueueSize: 1}, slow)

	first := makeTask(500)
	if err := eng.Submit(context.Background(), first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitForStatus(t, s, first.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Submit(context.Background(), makeTask(1)); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	third := makeTask(1)
	if err := eng.Submit(context.Background(), third); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("Submit third = %v, want ErrQueueFull", err)
	}

	// A rejected submission leaves no task behind, so retries by the
	// caller do not pile up failed records.
	if _, err := s.GetTask(context.Background(), third.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask(rejected) = %v, want ErrNotFound", err)
	}
	for range 3 {
		if err := eng.Submit(context.Background(), makeTask(1)); !errors.Is(err, engine.ErrQueueFull) {
			t.Fatalf("Submit retry = %v, want ErrQueueFull", err)
		}
	}
	stored, err := s.GetTaskStats(context.Background())
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stored.Total != 2 {
		t.Errorf("stored tasks = %d, want 2", stored.Total)
	}

	stats := eng.Stats()
	if stats.Workers != 1 || stats.Running != 1 || stats.Queued != 1 {
		t.Errorf("Stats = %+v, want 1 worker, 1 running, 1 queued", stats)
	}

	eng.Stop(context.Background(), first.ID)
}

func TestSubscribeReceivesMessages(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{})

	task := makeTask(4)
	ch, unsub := eng.Broker().Subscribe(task.ID)
	defer unsub()

	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 5 {
		t.Fatalf("received %d messages, want 5", len(got))
	}
	for i, ev := range got {
		if ev.Seq != i {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	if got[4].Kind != model.MessageResult || !strings.Contains(got[4].Body, `"status":"succeeded"`) {
		t.Errorf("last message = %+v, want success", got[4])
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
}

func TestSubscribeWithoutProgressUpdates(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{})

	task := makeTask(4)
	task.Options.StreamProgressUpdates = false
	ch, unsub := eng.Broker().Subscribe(task.ID)
	defer unsub()

	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("received %d messages, want only the result", len(got))
	}
	if got[0].Kind != model.MessageResult || got[0].Seq != 4 {
		t.Errorf("event = %+v, want the result at seq 4", got[0])
	}

	// The store still keeps the full history.
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
	msgs, _ := s.GetMessages(context.Background(), task.ID)
	if len(msgs) != 5 {
		t.Errorf("stored %d messages, want 5", len(msgs))
	}
}

func TestTempImagesAndMirror(t *testing.T) {
	mirror := &memMirror{}
	eng, s := newTestEngine(t, engine.Options{Previews: mirror})

	task := makeTask(6)
	task.Options.StreamImageProgress = true
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	buf, err := eng.TempImage(context.Background(), task.ID, 0)
	if err != nil {
		t.Fatalf("TempImage: %v", err)
	}
	if len(buf) == 0 {
		t.Error("TempImage returned an empty preview")
	}
	mirrored, err := mirror.Get(context.Background(), task.ID+"/0")
	if err != nil {
		t.Fatalf("preview was not mirrored: %v", err)
	}
	if !bytes.Equal(mirrored, buf) {
		t.Error("mirrored preview differs from the latest preview")
	}
	if _, err := eng.TempImage(context.Background(), task.ID, 5); !errors.Is(err, engine.ErrPreviewNotFound) {
		t.Errorf("TempImage(missing) = %v, want ErrPreviewNotFound", err)
	}
}

func TestSaveToDiskUnderRoot(t *testing.T) {
	root := t.TempDir()
	eng, s := newTestEngine(t, engine.Options{SaveRoot: root})

	task := makeTask(2)
	task.Options.SaveToDiskPath = "portraits"
	task.Options.SessionID = "s1"
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	txt, _ := filepath.Glob(filepath.Join(root, "portraits", "s1", "*.txt"))
	if len(txt) != 1 {
		t.Errorf("saved %d metadata files under the save root, want 1", len(txt))
	}
}

func TestSaveToDiskIgnoredOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	tests := []struct {
		name string
		opts engine.Options
		path string
	}{
		{"no save root", engine.Options{}, outside},
		{"absolute path", engine.Options{SaveRoot: root}, outside},
		{"parent path", engine.Options{SaveRoot: root}, "../" + filepath.Base(outside)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s := newTestEngine(t, tt.opts)
			task := makeTask(2)
			task.Options.SaveToDiskPath = tt.path
			if err := eng.Submit(context.Background(), task); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

			entries, _ := os.ReadDir(outside)
			if len(entries) != 0 {
				t.Errorf("wrote %d entries outside the save root", len(entries))
			}
		})
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t, engine.Options{Workers: 3})

	ids := make([]string, 6)
	for i := range ids {
		task := makeTask(3)
		ids[i] = task.ID
		if err := eng.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}
	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}

func TestCloseRejectsNewTasks(t *testing.T) {
	eng, _ := newTestEngine(t, engine.Options{})
	eng.Close()

	if err := eng.Submit(context.Background(), makeTask(1)); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("Submit after Close = %v, want ErrNotRunning", err)
	}
}
