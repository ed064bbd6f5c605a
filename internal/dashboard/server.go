package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/bike-counter/internal/capture"
	"github.com/dj-oyu/bike-counter/internal/detector"
	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/internal/loop"
	"github.com/dj-oyu/bike-counter/internal/metrics"
	"github.com/dj-oyu/bike-counter/internal/report"
)

// uploadMemory is how much of a multipart upload is kept in memory before
// spilling to disk.
const uploadMemory = 8 << 20

// Server serves the dashboard page and its API.
type Server struct {
	cfg         Config
	session     *Session
	metrics     *metrics.Metrics
	broadcaster *FrameBroadcaster
}

// NewServer returns a configured dashboard server. Start must be called
// before /stream delivers frames.
func NewServer(cfg Config, session *Session, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	if m == nil {
		m = session.deps.Metrics
	}
	return &Server{
		cfg:         cfg,
		session:     session,
		metrics:     m,
		broadcaster: NewFrameBroadcaster(session, m, cfg.MJPEGInterval, cfg.JPEGQuality),
	}
}

// Start launches the MJPEG render loop.
func (s *Server) Start() {
	s.broadcaster.Start()
}

// Stop halts the render loop and disconnects stream clients.
func (s *Server) Stop() {
	s.broadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/source/camera", post(s.handleSelectCamera))
	mux.HandleFunc("/api/source/upload", post(s.handleSelectUpload))
	mux.HandleFunc("/api/detection/start", post(s.handleStart))
	mux.HandleFunc("/api/detection/stop", post(s.handleStop))
	mux.HandleFunc("/api/detection/toggle", post(s.handleToggle))
	mux.HandleFunc("/api/reset", post(s.handleReset))
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/export/", s.handleExport)

	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONWithStatus(w, map[string]any{"error": "method not allowed"}, http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	s.metrics.ActiveEventClients.Add(1)
	defer s.metrics.ActiveEventClients.Add(-1)
	streamStatus(r.Context(), w, s.cfg.StatusInterval, s.session.Status)
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	hub := s.session.Events()
	id, eventCh := hub.Subscribe()
	defer hub.Unsubscribe(id)

	s.metrics.ActiveEventClients.Add(1)
	defer s.metrics.ActiveEventClients.Add(-1)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamDetectionEventsFromChannel(r.Context(), w, eventCh, useProtobuf)
}

func (s *Server) handleSelectCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.session.SelectCamera(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.session.Status())
}

func (s *Server) handleSelectUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONWithStatus(w, map[string]any{
				"error": fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit),
			}, http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": "invalid upload: " + err.Error()}, http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "missing form field \"file\""}, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := s.session.SelectUpload(r.Context(), header.Filename, file); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.session.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.session.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	item, err := s.session.Stop()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":  s.session.Status(),
		"entry":   HistoryEntry{ID: item.ID, Timestamp: item.Timestamp, Count: item.Count},
		"history": s.session.HistoryPayload(),
	})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	running, item, err := s.session.Toggle()
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{
		"processing": running,
		"status":     s.session.Status(),
	}
	if item != nil {
		payload["entry"] = HistoryEntry{ID: item.ID, Timestamp: item.Timestamp, Count: item.Count}
	}
	writeJSON(w, payload)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.session.Reset()
	writeJSON(w, s.session.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.HistoryPayload())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONWithStatus(w, map[string]any{"error": "method not allowed"}, http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/export/")
	format, ok := report.Lookup(name)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("unknown export %q", name)}, http.StatusNotFound)
		return
	}

	// Render fully before writing headers so a failure can still be a 500.
	var buf bytes.Buffer
	if err := format.Write(&buf, s.session.Snapshot()); err != nil {
		s.metrics.ExportErrors.Add(1)
		logger.Error("Export", "Failed to build %s export: %v", format.Name, err)
		writeJSONWithStatus(w, map[string]any{"error": "export failed"}, http.StatusInternalServerError)
		return
	}
	s.metrics.Exports.Add(1)

	w.Header().Set("Content-Type", format.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, format.Filename, time.Time{}, bytes.NewReader(buf.Bytes()))
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, detector.ErrModelNotReady),
		errors.Is(err, ErrNoSource),
		errors.Is(err, ErrSourceSelected),
		errors.Is(err, ErrSourceBusy),
		errors.Is(err, loop.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, capture.ErrCameraUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrUnsupportedMedia),
		errors.Is(err, capture.ErrNoFrame):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("HTTP", "Request failed: %v", err)
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
