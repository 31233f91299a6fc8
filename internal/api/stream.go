package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/model"
)

// handleStreamRender streams a task's output messages as server-sent events.
// A finished task replays its recorded messages; a live task streams from
// the broker until the render ends, then replays whatever it missed from the
// store, so the terminal message always precedes "done". Progress messages
// are left out when the task opted out of progress updates.
func (s *Server) handleStreamRender(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	activeStreams.Inc()
	defer activeStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(task.Status) {
		w.WriteHeader(http.StatusOK)
		s.replayMessages(w, r, task, -1)
		_ = writeSSEEvent(w, "done", task.Status)
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe on a topic that closed since the status check returns a
	// closed channel, so the loop below exits at once.
	ch, unsub := s.engine.Broker().Subscribe(task.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	lastSeq := -1
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.replayMessages(w, r, task, lastSeq)
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, ev.Body); err != nil {
				return
			}
			streamEventsTotal.WithLabelValues(ev.Kind, sourceLive).Inc()
			lastSeq = ev.Seq
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// replayMessages writes the task's stored messages with a seq above after.
func (s *Server) replayMessages(w http.ResponseWriter, r *http.Request, task *model.Task, after int) {
	msgs, err := s.store.GetMessages(r.Context(), task.ID)
	if err != nil {
		s.logger.Error("get messages for replay", "task_id", task.ID, "error", err)
		return
	}
	for _, m := range msgs {
		if m.Seq <= after || !engine.Streams(m.Kind, task.Options.StreamProgressUpdates) {
			continue
		}
		if err := writeSSEData(w, m.Body); err != nil {
			return
		}
		streamEventsTotal.WithLabelValues(m.Kind, sourceReplay).Inc()
	}
}

// writeSSEData writes msg as an SSE data event. Multi-line strings are split
// so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, msg string) error {
	for seg := range strings.SplitSeq(msg, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
