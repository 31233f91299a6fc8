package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/seantiz/easel/internal/model"
	"github.com/seantiz/easel/internal/render"
	"github.com/seantiz/easel/internal/store"
)

// work takes tasks off the queue until it is closed or ctx is done.
func (e *Engine) work(ctx context.Context, rc *render.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-e.jobs:
			if !ok {
				return
			}
			queueDepth.Set(float64(len(e.jobs)))
			e.execute(ctx, rc, t, logger.With("task_id", t.ID))
		}
	}
}

// execute runs one task's lifecycle: pending→running→completed/failed.
func (e *Engine) execute(ctx context.Context, rc *render.Context, t *model.Task, logger *slog.Logger) {
	// Close the message stream when execution finishes, regardless of outcome.
	e.broker.Open(t.ID, t.Options.StreamProgressUpdates)
	defer e.broker.Close(t.ID)

	// The context must be reset before the task becomes visible to Stop.
	rc.Reset()
	e.mu.Lock()
	e.running[t.ID] = rc
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, t.ID)
		e.mu.Unlock()
	}()

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logger.Info("skipping task stopped before start")
			return
		}
		logger.Error("failed to transition to running", "error", err)
		e.finish(&model.Task{ID: t.ID, Status: model.StatusFailed, Error: fmt.Sprintf("failed to start: %v", err)}, logger)
		return
	}

	start := time.Now()
	activeRenders.Inc()
	defer activeRenders.Dec()

	timeoutS := e.opts.DefaultTimeoutS
	if t.Options.TimeoutS != nil && *t.Options.TimeoutS > 0 {
		timeoutS = *t.Options.TimeoutS
	}
	rctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	q := render.NewQueue()
	slots := render.NewSlots(t.Request.NumOutputs)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		e.drain(t, q, slots, logger)
	}()

	resp, err := e.render(rctx, rc, t, q, slots, logger)
	q.Close()
	<-drained

	elapsed := time.Since(start)
	durationMS := int(elapsed.Milliseconds())
	done := &model.Task{
		ID:         t.ID,
		DurationMS: &durationMS,
		StartedAt:  &start,
	}

	outcome := outcomeCompleted
	switch {
	case err != nil:
		done.Status = model.StatusFailed
		done.Error = err.Error()
		outcome = outcomeFailed
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			done.Error = fmt.Sprintf("render timed out after %ds", timeoutS)
			outcome = outcomeTimeout
		}
	default:
		done.Status = model.StatusCompleted
		done.Stopped = resp.Stopped
		if resp.Stopped {
			outcome = outcomeStopped
		}
		result, merr := json.Marshal(resp)
		if merr != nil {
			logger.Error("failed to marshal response", "error", merr)
		}
		done.Result = result
	}

	rendersTotal.WithLabelValues(outcome).Inc()
	renderDuration.Observe(elapsed.Seconds())
	e.finish(done, logger)
}

// render resolves the task's backend and runs the render pipeline on rc.
func (e *Engine) render(ctx context.Context, rc *render.Context, t *model.Task, q *render.Queue, slots *render.Slots, logger *slog.Logger) (*render.Response, error) {
	b, err := e.registry.Resolve(t.Options.Engine)
	if err != nil {
		err = fmt.Errorf("resolve backend: %w", err)
		logger.Error("render failed", "error", err)
		q.Put(render.FailureMessage(err))
		return nil, err
	}

	r := render.NewRenderer(b, e.encoder, e.decoder, logger)
	return r.Render(ctx, rc, render.Job{
		Request: t.Request,
		Task:    t.Options,
		Out:     q,
		SaveDir: e.saveDir(t.Options.SaveToDiskPath, logger),
		Slots:   slots,
		OnStep:  stepsTotal.Inc,
	})
}

// saveDir resolves a task's save path under the save root. Paths that are
// not local were refused at submission; they are checked again here since
// tasks can reach the engine without passing through ParseSubmission.
func (e *Engine) saveDir(path string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	if e.opts.SaveRoot == "" {
		logger.Warn("ignoring save_to_disk_path, no save root configured", "path", path)
		return ""
	}
	if !filepath.IsLocal(path) {
		logger.Warn("ignoring save_to_disk_path outside the save root", "path", path)
		return ""
	}
	return filepath.Join(e.opts.SaveRoot, path)
}

// drain persists every message the render emits and publishes it to live
// subscribers.
func (e *Engine) drain(t *model.Task, q *render.Queue, slots *render.Slots, logger *slog.Logger) {
	seq := 0
	for {
		msg, ok := q.Next(context.Background())
		if !ok {
			return
		}

		kind, event := classify(msg)
		if err := e.store.InsertMessage(context.Background(), t.ID, seq, kind, string(msg)); err != nil {
			logger.Error("failed to persist message", "seq", seq, "error", err)
		}
		e.broker.Publish(t.ID, Event{Seq: seq, Kind: kind, Body: string(msg)})
		seq++

		if kind == model.MessageProgress && len(event.Output) > 0 {
			e.mirrorPreviews(t.ID, slots, len(event.Output), logger)
		}
	}
}

// classify returns the message kind of an output message, and the decoded
// event for progress messages.
func classify(msg []byte) (string, render.ProgressEvent) {
	var head struct {
		Status string `json:"status"`
		render.ProgressEvent
	}
	_ = json.Unmarshal(msg, &head)

	switch head.Status {
	case render.StatusSucceeded:
		return model.MessageResult, render.ProgressEvent{}
	case render.StatusFailed:
		return model.MessageFailed, render.ProgressEvent{}
	default:
		return model.MessageProgress, head.ProgressEvent
	}
}

func (e *Engine) mirrorPreviews(id string, slots *render.Slots, n int, logger *slog.Logger) {
	if e.opts.Previews == nil {
		return
	}
	for i := range n {
		buf, ok := slots.Get(i)
		if !ok {
			continue
		}
		key := render.TempImageKey(id, i)
		if err := e.opts.Previews.Put(context.Background(), key, buf); err != nil {
			previewsMirrored.WithLabelValues("error").Inc()
			logger.Warn("failed to mirror preview", "key", key, "error", err)
			continue
		}
		previewsMirrored.WithLabelValues("ok").Inc()
	}
}

func (e *Engine) finish(t *model.Task, logger *slog.Logger) {
	if err := e.store.FinishTask(context.Background(), t); err != nil {
		logger.Error("failed to record finished task", "status", t.Status, "error", err)
	}
}
