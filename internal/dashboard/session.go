package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/capture"
	"github.com/dj-oyu/bike-counter/internal/detector"
	"github.com/dj-oyu/bike-counter/internal/history"
	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/internal/loop"
	"github.com/dj-oyu/bike-counter/internal/metrics"
	"github.com/dj-oyu/bike-counter/internal/report"
	"github.com/dj-oyu/bike-counter/pkg/types"
)

var (
	// ErrNoSource is returned by Start before a camera or upload is bound.
	ErrNoSource = errors.New("dashboard: no source selected")
	// ErrSourceSelected is returned when a source is already bound; Reset first.
	ErrSourceSelected = errors.New("dashboard: source already selected")
	// ErrSourceBusy is returned while another source selection is in progress.
	ErrSourceBusy = errors.New("dashboard: source selection in progress")
)

// Status strings shown by the page.
const (
	StatusLoading    = "Loading model..."
	StatusLoadFailed = "Failed to load model"
	StatusReady      = "Model loaded. Select a camera or upload a file."
	StatusSelecting  = "Opening source..."
	StatusSourceSet  = "Source ready. Start detection when ready."
	StatusDetecting  = "Detecting bikes..."
	StatusStopped    = "Detection stopped."
)

// Model is the loaded detector together with its load state.
type Model interface {
	detector.Detector
	State() (detector.State, error)
}

// Deps are the session's collaborators.
type Deps struct {
	Model     Model
	Camera    capture.Acquirer
	Uploads   capture.Opener
	History   *history.Log
	Scheduler loop.Scheduler
	Classes   []string
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Session is the single dashboard session: the selected source, the
// detection loop and the history it records into.
type Session struct {
	deps   Deps
	loop   *loop.Loop
	events *Hub[*SerializedEvent]

	mu        sync.Mutex
	source    capture.Source
	selecting bool
	epoch     uint64 // bumped on every bind and reset
	notice    string
}

// NewSession wires a session. Missing History, Metrics and Clock get
// defaults.
func NewSession(deps Deps) *Session {
	if deps.History == nil {
		deps.History = history.New(history.DefaultCapacity)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Session{
		deps:   deps,
		events: NewHub[*SerializedEvent]("DetectionBroadcaster", 4),
	}
	s.loop = loop.New(loop.Config{
		Detector:  deps.Model,
		Frames:    s.Frame,
		History:   deps.History,
		Scheduler: deps.Scheduler,
		Classes:   deps.Classes,
		Publish:   s.publish,
		OnError:   s.passFailed,
		OnSkip:    func() { deps.Metrics.PassesSkipped.Add(1) },
	})
	return s
}

func (s *Session) publish(p loop.Pass) {
	s.deps.Metrics.ObservePass(p.Count, p.Latency)

	ev, err := serializeEvent(newDetectionEvent(p))
	if err != nil {
		logger.Error("Session", "Failed to serialize detection event: %v", err)
		return
	}
	s.events.Broadcast(ev)
}

func (s *Session) passFailed(err error) {
	s.deps.Metrics.DetectorErrors.Add(1)
	logger.Warn("Session", "Detection pass failed: %v", err)
}

// Events returns the hub carrying one event per completed pass.
func (s *Session) Events() *Hub[*SerializedEvent] {
	return s.events
}

// History returns the history log.
func (s *Session) History() *history.Log {
	return s.deps.History
}

func (s *Session) modelState() (detector.State, error) {
	if s.deps.Model == nil {
		return detector.StateFailed, errors.New("no detector configured")
	}
	return s.deps.Model.State()
}

func (s *Session) requireModel() error {
	state, err := s.modelState()
	if state == detector.StateReady {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", detector.ErrModelNotReady, err)
	}
	return detector.ErrModelNotReady
}

// Status returns a snapshot of the session for the page.
func (s *Session) Status() Status {
	state, modelErr := s.modelState()
	running := s.loop.Running()

	s.mu.Lock()
	kind := capture.KindNone
	name := ""
	if s.source != nil {
		kind = s.source.Kind()
		if named, ok := s.source.(interface{ Name() string }); ok {
			name = named.Name()
		}
	}
	selecting := s.selecting
	notice := s.notice
	s.mu.Unlock()

	st := Status{
		Model:         state.String(),
		Source:        string(kind),
		SourceName:    name,
		Processing:    running,
		Count:         s.loop.Count(),
		HistoryLength: s.deps.History.Len(),
		Timestamp:     float64(s.deps.Clock().UnixNano()) / 1e9,
	}
	if modelErr != nil {
		st.ModelError = modelErr.Error()
	}

	ready := state == detector.StateReady
	st.CanSelect = ready && kind == capture.KindNone && !selecting
	st.CanStart = ready && kind != capture.KindNone && !running

	switch {
	case state == detector.StateFailed:
		st.Status = StatusLoadFailed
	case state == detector.StateLoading:
		st.Status = StatusLoading
	case selecting:
		st.Status = StatusSelecting
	case running:
		st.Status = StatusDetecting
	case notice != "":
		st.Status = notice
	case kind != capture.KindNone:
		st.Status = StatusSourceSet
	default:
		st.Status = StatusReady
	}
	return st
}

// beginSelect reserves the source slot.
func (s *Session) beginSelect() (uint64, error) {
	if err := s.requireModel(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selecting {
		return 0, ErrSourceBusy
	}
	if s.source != nil {
		return 0, ErrSourceSelected
	}
	s.selecting = true
	return s.epoch, nil
}

// finishSelect binds src unless a reset happened while it was opening.
func (s *Session) finishSelect(epoch uint64, src capture.Source, err error) error {
	s.mu.Lock()
	s.selecting = false
	if err != nil {
		s.notice = userMessage(err)
		s.mu.Unlock()
		s.deps.Metrics.SourceErrors.Add(1)
		return err
	}
	if epoch != s.epoch {
		s.mu.Unlock()
		_ = src.Close()
		return ErrNoSource
	}
	s.epoch++
	s.source = src
	s.notice = ""
	s.mu.Unlock()

	s.deps.Metrics.SourceSelections.Add(1)
	logger.Info("Session", "Source bound: %s", src.Kind())
	return nil
}

// SelectCamera binds the live camera. On failure the source stays unset and
// the user may retry.
func (s *Session) SelectCamera(ctx context.Context) error {
	epoch, err := s.beginSelect()
	if err != nil {
		return err
	}
	if s.deps.Camera == nil {
		return s.finishSelect(epoch, nil, fmt.Errorf("%w: no camera configured", capture.ErrCameraUnavailable))
	}
	src, err := s.deps.Camera.AcquireStream(ctx)
	if err != nil {
		logger.Warn("Session", "Camera access failed: %v", err)
	}
	return s.finishSelect(epoch, src, err)
}

// SelectUpload binds an uploaded media file.
func (s *Session) SelectUpload(ctx context.Context, name string, r io.Reader) error {
	epoch, err := s.beginSelect()
	if err != nil {
		return err
	}
	if s.deps.Uploads == nil {
		return s.finishSelect(epoch, nil, fmt.Errorf("%w: uploads disabled", capture.ErrUnsupportedMedia))
	}
	src, err := s.deps.Uploads.OpenSource(ctx, name, r)
	if err != nil {
		logger.Warn("Session", "Upload %q rejected: %v", name, err)
	}
	return s.finishSelect(epoch, src, err)
}

// Start begins detection. It needs a ready model and a bound source;
// starting while running is a no-op.
func (s *Session) Start() error {
	if err := s.requireModel(); err != nil {
		return err
	}
	s.mu.Lock()
	bound := s.source != nil
	if bound {
		s.notice = ""
	}
	s.mu.Unlock()
	if !bound {
		return ErrNoSource
	}

	if s.loop.Start() {
		s.deps.Metrics.SetProcessing(true)
		logger.Info("Session", "Detection started")
	}
	return nil
}

// Stop ends detection and returns the history entry it recorded.
func (s *Session) Stop() (history.Item, error) {
	item, err := s.loop.Stop()
	if err != nil {
		return item, err
	}
	s.deps.Metrics.SetProcessing(false)
	s.deps.Metrics.HistorySnapshots.Add(1)

	s.mu.Lock()
	s.notice = StatusStopped
	s.mu.Unlock()

	logger.Info("Session", "Detection stopped, recorded count %d", item.Count)
	return item, nil
}

// Toggle starts an idle session or stops a running one. The item is set
// when stopping recorded one.
func (s *Session) Toggle() (bool, *history.Item, error) {
	if s.loop.Running() {
		item, err := s.Stop()
		if errors.Is(err, loop.ErrNotRunning) {
			// Lost a race with another stop; nothing left to do.
			return false, nil, nil
		}
		if err != nil {
			return true, nil, err
		}
		return false, &item, nil
	}
	if err := s.Start(); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// Reset forces the loop idle without recording history and releases the
// source. Any selection still opening is discarded when it completes.
func (s *Session) Reset() {
	s.loop.Cancel()
	s.deps.Metrics.SetProcessing(false)
	s.deps.Metrics.CurrentCount.Store(0)

	s.mu.Lock()
	src := s.source
	s.source = nil
	s.epoch++
	s.notice = ""
	s.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			logger.Warn("Session", "Closing %s source: %v", src.Kind(), err)
		}
	}
	s.deps.Metrics.Resets.Add(1)
	logger.Info("Session", "Session reset")
}

// Frame returns the latest frame of the bound source.
func (s *Session) Frame() (types.Frame, bool) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return types.Frame{}, false
	}
	return src.Frame()
}

// frameView is what the MJPEG renderer draws.
type frameView struct {
	frame types.Frame
	ok    bool
	epoch uint64
	seq   uint64
	dets  []types.Detection
}

func (s *Session) view() frameView {
	s.mu.Lock()
	src := s.source
	epoch := s.epoch
	s.mu.Unlock()

	v := frameView{epoch: epoch}
	if src != nil {
		v.frame, v.ok = src.Frame()
	}
	v.seq, v.dets = s.loop.Latest()
	return v
}

// Snapshot returns the data the report exporters read.
func (s *Session) Snapshot() report.Snapshot {
	return report.Snapshot{
		GeneratedAt: s.deps.Clock(),
		Count:       s.loop.Count(),
		History:     s.deps.History.Items(),
	}
}

// HistoryPayload returns the history list and the chart series.
func (s *Session) HistoryPayload() HistoryPayload {
	items := s.deps.History.Items()
	p := HistoryPayload{
		Items:    make([]HistoryEntry, 0, len(items)),
		Chart:    ChartSeries{Labels: make([]string, 0, len(items)), Counts: make([]int, 0, len(items))},
		Capacity: s.deps.History.Cap(),
	}
	for _, it := range items {
		p.Items = append(p.Items, HistoryEntry{ID: it.ID, Timestamp: it.Timestamp, Count: it.Count})
	}
	for _, it := range s.deps.History.Chronological() {
		p.Chart.Labels = append(p.Chart.Labels, it.Timestamp)
		p.Chart.Counts = append(p.Chart.Counts, it.Count)
	}
	return p
}

// Close cancels detection, waits for the loop to exit and releases the
// source.
func (s *Session) Close(ctx context.Context) error {
	s.loop.Cancel()
	err := s.loop.Wait(ctx)

	s.mu.Lock()
	src := s.source
	s.source = nil
	s.epoch++
	s.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
	s.events.Close()
	return err
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrCameraUnavailable):
		return "Camera unavailable or access denied."
	case errors.Is(err, capture.ErrUnsupportedMedia):
		return "Unsupported file. Upload an image or a video."
	default:
		return "Could not open source: " + err.Error()
	}
}
