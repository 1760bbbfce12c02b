// Package api exposes the relay over HTTP: the websocket endpoint peers
// sync through, plus document management and inspection routes.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/internal/docstore"
	"collabtext/internal/relay"
	"collabtext/internal/updatelog"
)

type Options struct {
	MaxFrameBytes int64
	PongWait      time.Duration
	WriteWait     time.Duration
	// RetryAfter is advertised when a room cannot be opened.
	RetryAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxFrameBytes: 1 << 20,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		RetryAfter:    5 * time.Second,
	}
}

type Server struct {
	registry *relay.Registry
	docs     docstore.Store
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(registry *relay.Registry, docs docstore.Store, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		docs:     docs,
		opts:     opts,
		logger:   logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes of the relay.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/ws/{documentID}", s.handleConnect).Methods(http.MethodGet)

	r.HandleFunc("/documents", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/documents", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.handleRename).Methods(http.MethodPatch)
	r.HandleFunc("/documents/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/documents/{id}/presence", s.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/log", s.handleLog).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/compact", s.handleCompact).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	room, err := s.registry.Join(r.Context(), documentID)
	if err != nil {
		s.writeJoinError(w, documentID, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Release(room)
		s.logger.Warn("websocket upgrade failed", "doc", documentID, "error", err)
		return
	}

	conn := relay.NewConn(newWSTransport(ws, s.opts), r.URL.Query().Get("actor"), s.registry.Options(), s.logger)
	err = s.registry.Serve(r.Context(), room, conn)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrProtocolViolation), errors.Is(err, relay.ErrEngineApply), errors.Is(err, relay.ErrSlowConsumer):
		s.logger.Warn("connection dropped", "doc", documentID, "conn", conn.ID, "error", err)
	default:
		s.logger.Info("connection ended", "doc", documentID, "conn", conn.ID, "error", err)
	}
}

func (s *Server) writeJoinError(w http.ResponseWriter, documentID string, err error) {
	switch {
	case errors.Is(err, relay.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, relay.ErrRoomInit), errors.Is(err, relay.ErrRegistryClosed):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Seconds())))
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("join failed", "doc", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	doc, err := s.docs.Create(r.Context(), req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("document created", "doc", doc.ID, "name", doc.Name)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	doc, err := s.docs.Rename(r.Context(), mux.Vars(r)["id"], req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteDocument(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.ListActivePresence(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var rng updatelog.Range
	q := r.URL.Query()
	for _, b := range []struct {
		param string
		dst   *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := q.Get(b.param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", b.param, err))
			return
		}
		*b.dst = t
	}
	summary, err := s.registry.LogSummary(r.Context(), mux.Vars(r)["id"], rng)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Compact(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.registry.ActiveRooms(),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, relay.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, docstore.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusRecorder captures the response status and still lets the websocket
// upgrader hijack the connection.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
