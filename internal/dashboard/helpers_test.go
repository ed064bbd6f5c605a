package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/bike-counter/internal/capture"
	"github.com/dj-oyu/bike-counter/internal/detector"
	"github.com/dj-oyu/bike-counter/internal/history"
	"github.com/dj-oyu/bike-counter/internal/loop"
	"github.com/dj-oyu/bike-counter/internal/metrics"
	"github.com/dj-oyu/bike-counter/pkg/types"
)

// fakeModel reports a fixed load state and returns n bicycles plus one
// person per pass.
type fakeModel struct {
	mu    sync.Mutex
	state detector.State
	err   error
	bikes int
}

func (m *fakeModel) Detect(ctx context.Context, _ image.Image) ([]types.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dets := []types.Detection{{Class: "person", Score: 0.9, BBox: types.BBox{X: 1, Y: 1, W: 4, H: 4}}}
	for i := 0; i < m.bikes; i++ {
		dets = append(dets, types.Detection{
			Class: "bicycle",
			Score: 0.8,
			BBox:  types.BBox{X: float64(2 + i*3), Y: 2, W: 3, H: 3},
		})
	}
	return dets, nil
}

func (m *fakeModel) State() (detector.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.err
}

func (m *fakeModel) setBikes(n int) {
	m.mu.Lock()
	m.bikes = n
	m.mu.Unlock()
}

type fakeSource struct {
	frame  types.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frame:  types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 32, 24)), Number: 1, CapturedAt: time.Now()},
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Kind() capture.Kind         { return capture.KindCamera }
func (s *fakeSource) Frame() (types.Frame, bool) { return s.frame, true }
func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeAcquirer fails with err until it is cleared.
type fakeAcquirer struct {
	mu     sync.Mutex
	err    error
	source *fakeSource
}

func (a *fakeAcquirer) AcquireStream(ctx context.Context) (capture.Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.source = newFakeSource()
	return a.source, nil
}

func (a *fakeAcquirer) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

type harness struct {
	t       *testing.T
	model   *fakeModel
	camera  *fakeAcquirer
	metrics *metrics.Metrics
	session *Session
	server  *Server
	ts      *httptest.Server
}

func newHarness(t *testing.T, state detector.State) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		model:   &fakeModel{state: state},
		camera:  &fakeAcquirer{},
		metrics: metrics.New(),
	}
	seq := 0
	h.session = NewSession(Deps{
		Model:     h.model,
		Camera:    h.camera,
		Uploads:   capture.NewUploader(capture.UploadConfig{Dir: t.TempDir()}),
		History:   history.New(10, history.WithIDGenerator(func() string { seq++; return fmt.Sprintf("item-%d", seq) })),
		Scheduler: loop.TickerScheduler{Interval: time.Millisecond},
		Metrics:   h.metrics,
	})
	h.server = NewServer(Config{MJPEGInterval: 5 * time.Millisecond, StatusInterval: 20 * time.Millisecond}, h.session, h.metrics)
	h.server.Start()
	h.ts = httptest.NewServer(h.server.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.server.Stop()
		if err := h.session.Close(ctx); err != nil {
			t.Errorf("session close: %v", err)
		}
		h.ts.Close()
	})
	return h
}

func (h *harness) post(path string) (*http.Response, map[string]any) {
	h.t.Helper()
	resp, err := http.Post(h.ts.URL+path, "application/json", nil)
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readJSON(h.t, resp)
}

func (h *harness) get(path string) (*http.Response, []byte) {
	h.t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

func (h *harness) status() map[string]any {
	h.t.Helper()
	resp, body := h.get("/api/status")
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("GET /api/status = %d", resp.StatusCode)
	}
	return decodeJSONMap(h.t, body)
}

func (h *harness) upload(name string, data []byte) (*http.Response, map[string]any) {
	h.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		h.t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		h.t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		h.t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(h.ts.URL+"/api/source/upload", mw.FormDataContentType(), &body)
	if err != nil {
		h.t.Fatalf("POST upload: %v", err)
	}
	return resp, readJSON(h.t, resp)
}

// runCycle starts detection with n bikes in view, waits until a pass
// published n and stops, returning the recorded count.
func (h *harness) runCycle(n int) int {
	h.t.Helper()
	h.model.setBikes(n)
	base := h.metrics.Passes.Load()

	if resp, payload := h.post("/api/detection/start"); resp.StatusCode != http.StatusOK {
		h.t.Fatalf("start = %d: %v", resp.StatusCode, payload)
	}
	waitFor(h.t, func() bool {
		return h.metrics.Passes.Load() > base && h.session.Status().Count == n
	})

	resp, payload := h.post("/api/detection/stop")
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("stop = %d: %v", resp.StatusCode, payload)
	}
	entry := requireMap(h.t, payload["entry"], "entry")
	return int(requireNumber(h.t, entry["count"], "entry.count"))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 0x40, G: 0x80, B: 0xc0, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func readJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return decodeJSONMap(t, body)
}

func readSSEEvent(url, accept string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// Keepalive comments are not events.
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, ":") {
					continue
				}
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return payload
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}
