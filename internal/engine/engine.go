package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/imaging"
	"github.com/seantiz/easel/internal/model"
	"github.com/seantiz/easel/internal/render"
	"github.com/seantiz/easel/internal/store"
)

// DefaultTimeoutS is the render timeout in seconds when a task sets none.
const DefaultTimeoutS = 300

// Defaults for Options fields left at zero.
const (
	defaultWorkers   = 1
	defaultQueueSize = 32
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("render queue is full")

	// ErrNotRunning is returned by Submit before Start or after Close.
	ErrNotRunning = errors.New("engine is not running")

	// ErrTaskFinished is returned by Stop for a task in a terminal state.
	ErrTaskFinished = errors.New("task already finished")

	// ErrPreviewNotFound is returned by TempImage when no preview is held.
	ErrPreviewNotFound = errors.New("preview not found")
)

// PreviewMirror keeps copies of streamed previews outside the worker's
// render.Context so they survive the next render on that worker.
type PreviewMirror interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Options configures an Engine.
type Options struct {
	// Workers is the number of concurrent renders, one per device slot.
	Workers int

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int

	// Device is passed to every worker's render.Context.
	Device string

	// DefaultTimeoutS applies to tasks without their own timeout.
	DefaultTimeoutS int

	// Previews, when set, receives a copy of every streamed preview.
	Previews PreviewMirror

	// SaveRoot is the directory that task save paths are resolved under.
	// Saving to disk is disabled when it is empty.
	SaveRoot string
}

// Stats is a point-in-time view of the engine's load.
type Stats struct {
	Workers int `json:"workers"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Engine orchestrates asynchronous render execution.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	broker   *MessageBroker
	opts     Options

	encoder render.Encoder
	decoder render.LatentDecoder

	jobs     chan *model.Task
	contexts []*render.Context
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	reserved int
	running  map[string]*render.Context
}

// NewEngine creates a new render engine. Call Start to launch its workers.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DefaultTimeoutS < 1 {
		opts.DefaultTimeoutS = DefaultTimeoutS
	}

	contexts := make([]*render.Context, opts.Workers)
	for i := range contexts {
		contexts[i] = render.NewContext(opts.Device)
	}

	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewMessageBroker(),
		opts:     opts,
		encoder:  imaging.Codec{},
		decoder:  imaging.NewLatentPreviewer(),
		jobs:     make(chan *model.Task, opts.QueueSize),
		contexts: contexts,
		running:  make(map[string]*render.Context),
	}
}

// Broker returns the engine's message broker for SSE subscription.
func (e *Engine) Broker() *MessageBroker {
	return e.broker
}

// Start launches the worker pool. Cancelling ctx aborts in-flight renders
// and stops workers from taking new tasks.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for i, rc := range e.contexts {
		logger := e.logger.With("worker", i)
		e.wg.Go(func() { e.work(ctx, rc, logger) })
	}
	e.logger.Info("engine started", "workers", len(e.contexts), "queue_size", cap(e.jobs), "device", e.opts.Device)
}

// Submit stores t as pending and queues it for a worker. A queue slot is
// reserved before the task is stored, so a full queue returns ErrQueueFull
// without leaving a record behind.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if err := e.reserve(); err != nil {
		return err
	}

	if err := e.store.CreateTask(ctx, t); err != nil {
		e.unreserve()
		return fmt.Errorf("create task: %w", err)
	}

	err := e.enqueue(t)
	if err == nil {
		return nil
	}

	// The engine closed between reserve and enqueue.
	failed := &model.Task{ID: t.ID, Status: model.StatusFailed, Error: err.Error()}
	if ferr := e.store.FinishTask(ctx, failed); ferr != nil {
		e.logger.Error("failed to record rejected task", "task_id", t.ID, "error", ferr)
	}
	e.broker.Close(t.ID)
	return err
}

// reserve claims one queue slot for a task about to be stored.
func (e *Engine) reserve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return ErrNotRunning
	}
	if len(e.jobs)+e.reserved >= cap(e.jobs) {
		return ErrQueueFull
	}
	e.reserved++
	return nil
}

func (e *Engine) unreserve() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved--
}

// enqueue hands a copy of t to the workers, filling the slot taken by
// reserve.
func (e *Engine) enqueue(t *model.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved--
	if e.closed {
		return ErrNotRunning
	}

	tCopy := *t
	select {
	case e.jobs <- &tCopy:
		queueDepth.Set(float64(len(e.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop asks a task to stop. A pending task is marked stopped and never
// rendered; a running task stops at its next step and completes with the
// images recovered so far.
func (e *Engine) Stop(ctx context.Context, id string) error {
	if e.requestStop(id) {
		return nil
	}

	err := e.store.UpdateTaskStatus(ctx, id, model.StatusStopped)
	switch {
	case err == nil:
		e.logger.Info("pending task stopped", "task_id", id)
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		// A worker may have picked the task up since the first check.
		if e.requestStop(id) {
			return nil
		}
		return ErrTaskFinished
	default:
		return err
	}
}

func (e *Engine) requestStop(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.running[id]
	if ok {
		rc.RequestStop()
		e.logger.Info("stop requested", "task_id", id)
	}
	return ok
}

// TempImage returns the latest preview of output index of a task. Worker
// contexts are checked first, then the preview mirror.
func (e *Engine) TempImage(ctx context.Context, id string, index int) ([]byte, error) {
	key := render.TempImageKey(id, index)
	for _, rc := range e.contexts {
		if buf, ok := rc.TempImage(key); ok {
			return buf, nil
		}
	}
	if e.opts.Previews == nil {
		return nil, ErrPreviewNotFound
	}
	buf, err := e.opts.Previews.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreviewNotFound, err)
	}
	return buf, nil
}

// Stats reports the current worker and queue load.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Workers: len(e.contexts),
		Running: len(e.running),
		Queued:  len(e.jobs),
	}
}

// Close stops accepting tasks and waits for workers to drain the queue.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	e.Wait()
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}
