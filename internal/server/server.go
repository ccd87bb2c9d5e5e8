package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"flarelocate/internal/fsutil"
	"flarelocate/internal/pipeline"
	"flarelocate/internal/storage"
)

// Server exposes the job store and live job results over HTTP, and can
// watch the raw image root to queue resampling of new downloads.
type Server struct {
	addr      string
	store     *storage.Store
	pipeline  *pipeline.Pipeline
	watchRoot string
	debounce  time.Duration
	log       *slog.Logger
	server    *http.Server
	hub       *hub
}

// Options configure optional server features.
type Options struct {
	// WatchRoot, when set, is monitored for new event directories.
	WatchRoot string
	Debounce  time.Duration
}

// NewServer creates a server for the given store and pipeline.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, opts Options, log *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		pipeline:  pipe,
		watchRoot: opts.WatchRoot,
		debounce:  opts.Debounce,
		log:       log,
		hub:       newHub(log),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startStreams(ctx)

	if s.watchRoot != "" {
		w, err := fsutil.NewEventWatcher(s.watchRoot, s.debounce, s.log)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				s.log.Error("watcher stopped", "error", err)
			}
		}()
		go s.queueReady(w.Ready)
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr, "watch", s.watchRoot)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startStreams feeds pipeline results to websocket clients until ctx is done.
func (s *Server) startStreams(ctx context.Context) {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)
}

// queueReady submits a resample job for each event the watcher reports.
func (s *Server) queueReady(ready <-chan string) {
	for event := range ready {
		job := pipeline.NewJob(pipeline.JobResample, event, map[string]any{"source": "watch"})
		if err := s.pipeline.Submit(job); err != nil {
			s.log.Error("failed to queue resample", "event", event, "error", err)
			continue
		}
		s.log.Info("queued resample", "event", event, "job", job.ID)
	}
}

func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				continue
			}
			s.hub.send(payload)
		}
	}
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	r.HandleFunc("/reports/align", s.handleAlignReports).Methods("GET")
	r.HandleFunc("/reports/align/{event}", s.handleFrameLogs).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
}

// Serve starts a server without watching.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, Options{}, log).Start(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", "status", status, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Type    pipeline.JobType `json:"type"`
	EventID string           `json:"event_id"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "job type is required", http.StatusBadRequest)
		return
	}
	job := pipeline.NewJob(req.Type, req.EventID, req.Options)
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := struct {
		storage.JobRecord
		Meta map[string]any `json:"meta,omitempty"`
	}{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		out.Meta = meta
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Events()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAlignReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.AlignReports()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleFrameLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.FrameLogs(mux.Vars(r)["event"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
