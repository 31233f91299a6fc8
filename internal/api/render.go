package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/model"
	"github.com/seantiz/easel/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// maxBodySize leaves room for a base64 init image.
	maxBodySize = 32 << 20
)

// listRendersResponse wraps the paginated list response.
type listRendersResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// messagesResponse is the JSON response for GET /v1/render/{id}/messages.
type messagesResponse struct {
	TaskID   string              `json:"task_id"`
	Messages []model.TaskMessage `json:"messages"`
}

func (s *Server) handleSubmitRender(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	sub, err := model.ParseSubmission(raw)
	if err != nil {
		submissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := sub.Task()
	err = s.engine.Submit(r.Context(), task)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrNotRunning):
		submissionsTotal.WithLabelValues(submitRejected).Inc()
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		submissionsTotal.WithLabelValues(submitError).Inc()
		s.logger.Error("submit render", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit render")
		return
	}

	submissionsTotal.WithLabelValues(submitAccepted).Inc()
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListRenders(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list renders")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listRendersResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleStopRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Stop(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "render not found")
		return
	case errors.Is(err, engine.ErrTaskFinished):
		s.writeError(w, http.StatusConflict, "render already finished")
		return
	default:
		s.logger.Error("stop render", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop render")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get stopped task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve render")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), task.ID)
	if err != nil {
		s.logger.Error("get messages", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	s.writeJSON(w, http.StatusOK, messagesResponse{TaskID: task.ID, Messages: msgs})
}

func (s *Server) handleTempImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid output index")
		return
	}

	buf, err := s.engine.TempImage(r.Context(), id, index)
	if errors.Is(err, engine.ErrPreviewNotFound) {
		s.writeError(w, http.StatusNotFound, "preview not found")
		return
	}
	if err != nil {
		s.logger.Error("get temp image", "task_id", id, "index", index, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get preview")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf); err != nil {
		s.logger.Debug("write temp image", "error", err)
	}
}

// lookupTask loads the task named by the {id} URL parameter, writing a 404
// or 500 response when it cannot.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "render not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get render")
		return nil, false
	}
	return task, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
