package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/layout"
	"lsmkv/pkg/store"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	maxValueSize             = 64 << 20
)

type iStoreAPI interface {
	PutString(key, value string) error
	GetString(key string) (string, bool, error)
	DeleteString(key string) error

	Flush() (layout.FileID, error)
	Compact(a, b layout.FileID) (layout.FileID, error)
	Stats() store.Stats
}

// Server exposes a store over HTTP.
type Server struct {
	store             iStoreAPI
	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(store iStoreAPI, port string, readHeaderTimeout time.Duration) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	return &Server{
		store:             store,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: readHeaderTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Get("/api/kv/{key}", s.handleGet)
	r.Put("/api/kv/{key}", s.handlePut)
	r.Delete("/api/kv/{key}", s.handleDelete)

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
		r.Get("/segments", s.handleSegments)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound), errors.Is(err, dberrors.ErrUnknownSegment):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrCompactionRunning), errors.Is(err, dberrors.ErrTimestampCollision):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrClosed), errors.Is(err, dberrors.ErrWALFailed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, found, err := s.store.GetString(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value"))
		return
	}

	if err := s.store.PutString(key, string(body)); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.store.DeleteString(key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.Flush()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id == 0 {
		s.writeJSON(w, http.StatusOK, NewSuccessResponse())
		return
	}

	s.writeJSON(w, http.StatusOK, NewSegmentResponse(id.String()))
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	a, err := layout.ParseFileID(q.Get("a"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	b, err := layout.ParseFileID(q.Get("b"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	id, err := s.store.Compact(a, b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id == 0 {
		s.writeJSON(w, http.StatusOK, NewSuccessResponse())
		return
	}

	s.writeJSON(w, http.StatusOK, NewSegmentResponse(id.String()))
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewSegmentsResponse(s.store.Stats().Segments))
}
