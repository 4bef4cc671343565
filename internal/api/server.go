// Package api is the HTTP control surface for the background processor:
// task submission, pause/resume, settings, stats and a server-sent-events
// stream of ProcessingState for progress displays.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"photoflow/internal/domain"
	"photoflow/internal/queue"
	"photoflow/internal/scheduler"
)

type Server struct {
	sched *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/requeue", s.requeueTasks)
	r.Delete("/api/queue", s.clearQueue)

	r.Post("/api/processing/pause", s.pause)
	r.Post("/api/processing/resume", s.resume)
	r.Get("/api/settings", s.getSettings)
	r.Patch("/api/settings", s.updateSettings)

	r.Get("/api/state", s.getState)
	r.Get("/api/stats", s.getStats)
	r.Get("/api/events", s.events)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	ps := s.sched.State()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "photoflow_queue_length %d\n", ps.QueueLength)
	fmt.Fprintf(w, "photoflow_tasks_running %d\n", st.Running)
	fmt.Fprintf(w, "photoflow_tasks_completed %d\n", st.Completed)
	fmt.Fprintf(w, "photoflow_tasks_failed %d\n", st.Failed)
	fmt.Fprintf(w, "photoflow_processing %d\n", boolToInt(ps.Processing))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type submitReq struct {
	Type     domain.TaskType `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	t, err := s.sched.Enqueue(r.Context(), req.Type, req.Payload, req.Priority)
	if err != nil {
		if err == queue.ErrInvalidType {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.sched.Task(id)
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, t)
}

type requeueReq struct {
	IDs []string `json:"ids"`
}

func (s *Server) requeueTasks(w http.ResponseWriter, r *http.Request) {
	var req requeueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", 400)
		return
	}
	n := s.sched.Requeue(r.Context(), req.IDs)
	writeJSON(w, 200, map[string]int{"requeued": n})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n := s.sched.Clear(r.Context())
	writeJSON(w, 200, map[string]int{"cancelled": n})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause(r.Context())
	writeJSON(w, 200, s.sched.State())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.sched.Resume(r.Context())
	writeJSON(w, 200, s.sched.State())
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Settings())
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	settings, err := s.sched.UpdateSettings(patch)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, 200, settings)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.State())
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Stats())
}

// events streams ProcessingState changes as server-sent events until the
// client disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.sched.Subscribe(8)
	defer unsubscribe()

	send := func(ps domain.ProcessingState) bool {
		b, err := json.Marshal(ps)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Initial snapshot so the client renders immediately.
	if !send(s.sched.State()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ps, ok := <-ch:
			if !ok {
				return
			}
			if !send(ps) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
