package dashboard

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/bike-counter/internal/capture"
	"github.com/dj-oyu/bike-counter/internal/detector"
)

func TestIndexServesPage(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	resp, body := h.get("/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `src="/stream"`) {
		t.Fatal("page does not embed the MJPEG stream")
	}

	resp, _ = h.get("/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", resp.StatusCode)
	}
}

func TestLoadingModelGatesControls(t *testing.T) {
	h := newHarness(t, detector.StateLoading)

	st := h.status()
	if got := requireString(t, st["status"], "status"); got != StatusLoading {
		t.Fatalf("status = %q", got)
	}
	if requireBool(t, st["can_select"], "can_select") || requireBool(t, st["can_start"], "can_start") {
		t.Fatalf("controls enabled while loading: %v", st)
	}

	for _, path := range []string{"/api/source/camera", "/api/detection/start"} {
		resp, payload := h.post(path)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("POST %s = %d (%v), want 409", path, resp.StatusCode, payload)
		}
	}
}

func TestFailedModelIsFinal(t *testing.T) {
	h := newHarness(t, detector.StateFailed)
	h.model.err = fmt.Errorf("weights missing")

	st := h.status()
	if got := requireString(t, st["status"], "status"); got != StatusLoadFailed {
		t.Fatalf("status = %q", got)
	}
	if got := requireString(t, st["model_error"], "model_error"); got != "weights missing" {
		t.Fatalf("model_error = %q", got)
	}
}

func TestStartWithoutSource(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	resp, payload := h.post("/api/detection/start")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("start = %d (%v), want 409", resp.StatusCode, payload)
	}
	resp, _ = h.post("/api/detection/stop")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop while idle = %d, want 409", resp.StatusCode)
	}
}

func TestCameraFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.camera.setErr(fmt.Errorf("%w: permission denied", capture.ErrCameraUnavailable))

	resp, _ := h.post("/api/source/camera")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("camera = %d, want 503", resp.StatusCode)
	}
	st := h.status()
	if got := requireString(t, st["source"], "source"); got != "" {
		t.Fatalf("source = %q after failure", got)
	}
	if !requireBool(t, st["can_select"], "can_select") {
		t.Fatal("selection disabled after camera failure")
	}
	if got := h.metrics.SourceErrors.Load(); got != 1 {
		t.Fatalf("source errors = %d", got)
	}

	h.camera.setErr(nil)
	resp, st = h.post("/api/source/camera")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("camera retry = %d", resp.StatusCode)
	}
	if got := requireString(t, st["source"], "source"); got != "camera" {
		t.Fatalf("source = %q", got)
	}
	if !requireBool(t, st["can_start"], "can_start") {
		t.Fatal("start disabled with a camera bound")
	}

	resp, _ = h.post("/api/source/camera")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second selection = %d, want 409", resp.StatusCode)
	}
}

func TestUploadStillAndRecordHistory(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	resp, st := h.upload("street.png", pngBytes(t, 40, 30))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d (%v)", resp.StatusCode, st)
	}
	if got := requireString(t, st["source"], "source"); got != "upload" {
		t.Fatalf("source = %q", got)
	}
	if got := requireString(t, st["source_name"], "source_name"); got != "street.png" {
		t.Fatalf("source_name = %q", got)
	}

	if got := h.runCycle(3); got != 3 {
		t.Fatalf("recorded count = %d, want 3", got)
	}
	if got := h.metrics.HistorySnapshots.Load(); got != 1 {
		t.Fatalf("history snapshots = %d", got)
	}

	_, body := h.get("/api/history")
	payload := decodeJSONMap(t, body)
	items := requireSlice(t, payload["items"], "items")
	if len(items) != 1 {
		t.Fatalf("history has %d items", len(items))
	}
	item := requireMap(t, items[0], "items[0]")
	if requireString(t, item["id"], "id") == "" || requireString(t, item["timestamp"], "timestamp") == "" {
		t.Fatalf("incomplete history item: %v", item)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	resp, _ := h.upload("notes.txt", []byte("just some text"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("text upload = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(h.ts.URL+"/api/source/upload", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = readJSON(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("upload without file = %d, want 400", resp.StatusCode)
	}

	st := h.status()
	if !requireBool(t, st["can_select"], "can_select") {
		t.Fatal("selection disabled after rejected upload")
	}
}

func TestHistoryScenario(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	if resp, _ := h.post("/api/source/camera"); resp.StatusCode != http.StatusOK {
		t.Fatalf("camera = %d", resp.StatusCode)
	}

	for _, n := range []int{2, 0, 5} {
		if got := h.runCycle(n); got != n {
			t.Fatalf("recorded %d, want %d", got, n)
		}
	}

	_, body := h.get("/api/history")
	payload := decodeJSONMap(t, body)

	items := requireSlice(t, payload["items"], "items")
	var got []int
	for i, raw := range items {
		it := requireMap(t, raw, fmt.Sprintf("items[%d]", i))
		got = append(got, int(requireNumber(t, it["count"], "count")))
	}
	if fmt.Sprint(got) != "[5 0 2]" {
		t.Fatalf("history = %v, want [5 0 2]", got)
	}

	chart := requireMap(t, payload["chart"], "chart")
	counts := requireSlice(t, chart["counts"], "chart.counts")
	got = got[:0]
	for _, c := range counts {
		got = append(got, int(requireNumber(t, c, "count")))
	}
	if fmt.Sprint(got) != "[2 0 5]" {
		t.Fatalf("chart = %v, want [2 0 5]", got)
	}
	if n := len(requireSlice(t, chart["labels"], "chart.labels")); n != 3 {
		t.Fatalf("chart has %d labels", n)
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")
	h.model.setBikes(1)

	resp, payload := h.post("/api/detection/toggle")
	if resp.StatusCode != http.StatusOK || !requireBool(t, payload["processing"], "processing") {
		t.Fatalf("toggle on = %d (%v)", resp.StatusCode, payload)
	}
	waitFor(t, func() bool { return h.session.Status().Count == 1 })

	resp, payload = h.post("/api/detection/toggle")
	if resp.StatusCode != http.StatusOK || requireBool(t, payload["processing"], "processing") {
		t.Fatalf("toggle off = %d (%v)", resp.StatusCode, payload)
	}
	entry := requireMap(t, payload["entry"], "entry")
	if got := requireNumber(t, entry["count"], "entry.count"); got != 1 {
		t.Fatalf("entry count = %v", got)
	}
}

func TestResetReleasesSourceAndKeepsHistory(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")
	src := h.camera.source

	h.runCycle(4)
	h.model.setBikes(2)
	h.post("/api/detection/start")
	waitFor(t, func() bool { return h.session.Status().Count == 2 })

	resp, st := h.post("/api/reset")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset = %d", resp.StatusCode)
	}
	if requireBool(t, st["processing"], "processing") {
		t.Fatal("still processing after reset")
	}
	if got := requireNumber(t, st["count"], "count"); got != 0 {
		t.Fatalf("count = %v after reset", got)
	}
	if got := requireString(t, st["source"], "source"); got != "" {
		t.Fatalf("source = %q after reset", got)
	}
	if got := requireNumber(t, st["history_length"], "history_length"); got != 1 {
		t.Fatalf("history_length = %v, reset must neither record nor clear", got)
	}
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("camera source not released")
	}

	// A new source may be chosen after a reset.
	if resp, _ := h.post("/api/source/camera"); resp.StatusCode != http.StatusOK {
		t.Fatalf("camera after reset = %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	resp, _ := h.get("/api/detection/start")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d, want 405", resp.StatusCode)
	}
}

func TestExports(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")
	h.runCycle(2)
	h.runCycle(7)

	resp, body := h.get("/api/export/csv")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csv = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "bike-detection-data.csv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 || !strings.HasSuffix(strings.TrimSpace(lines[1]), ",7") {
		t.Fatalf("csv = %q", body)
	}

	resp, body = h.get("/api/export/report")
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(body, []byte("%PDF")) {
		t.Fatalf("pdf = %d, %d bytes", resp.StatusCode, len(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("pdf content-type = %q", ct)
	}

	resp, body = h.get("/api/export/data")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("xlsx = %d", resp.StatusCode)
	}
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Detection Data")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[1][2] != "7" || rows[2][2] != "2" {
		t.Fatalf("xlsx rows = %v", rows)
	}

	resp, _ = h.get("/api/export/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown export = %d, want 404", resp.StatusCode)
	}
	if got := h.metrics.Exports.Load(); got != 3 {
		t.Fatalf("exports = %d", got)
	}
}

func TestStatusStream(t *testing.T) {
	h := newHarness(t, detector.StateReady)

	event, headers, err := readSSEEvent(h.ts.URL+"/api/status/stream", "", 3*time.Second)
	if err != nil {
		t.Fatalf("status stream: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("content-type = %q", headers.Get("Content-Type"))
	}
	payload := decodeJSONMap(t, []byte(sseData(t, event)))
	if got := requireString(t, payload["status"], "status"); got != StatusReady {
		t.Fatalf("status = %q", got)
	}
	requireNumber(t, payload["timestamp"], "timestamp")
}

func TestDetectionStreamJSON(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")
	h.model.setBikes(2)
	h.post("/api/detection/start")

	event, headers, err := readSSEEvent(h.ts.URL+"/api/detections/stream", "", 3*time.Second)
	if err != nil {
		t.Fatalf("detections stream: %v", err)
	}
	if got := headers.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	payload := decodeJSONMap(t, []byte(sseData(t, event)))
	if got := requireNumber(t, payload["count"], "count"); got != 2 {
		t.Fatalf("count = %v", got)
	}
	dets := requireSlice(t, payload["detections"], "detections")
	if len(dets) != 2 {
		t.Fatalf("got %d detections, person must be filtered", len(dets))
	}
	det := requireMap(t, dets[0], "detections[0]")
	if got := requireString(t, det["label"], "label"); got != "bicycle (80%)" {
		t.Fatalf("label = %q", got)
	}
	bbox := requireMap(t, det["bbox"], "bbox")
	requireNumber(t, bbox["w"], "bbox.w")
}

func TestDetectionStreamProtobuf(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")
	h.model.setBikes(1)
	h.post("/api/detection/start")

	event, headers, err := readSSEEvent(h.ts.URL+"/api/detections/stream", "application/x-protobuf", 3*time.Second)
	if err != nil {
		t.Fatalf("detections stream: %v", err)
	}
	if got := headers.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	raw, err := base64.StdEncoding.DecodeString(sseData(t, event))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := st.GetFields()["count"].GetNumberValue(); got != 1 {
		t.Fatalf("count = %v", got)
	}
	if n := len(st.GetFields()["detections"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("detections = %d", n)
	}
}

func TestMJPEGStream(t *testing.T) {
	h := newHarness(t, detector.StateReady)
	h.post("/api/source/camera")

	resp, err := http.Get(h.ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "multipart/x-mixed-replace") || !strings.Contains(ct, "boundary=frame") {
		t.Fatalf("content-type = %q", ct)
	}

	// Blank part first, then at least one rendered frame.
	br := bufio.NewReader(resp.Body)
	parts := 0
	for parts < 2 {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "--frame") {
			parts++
		}
	}
	waitFor(t, func() bool { return h.metrics.StreamFramesSent.Load() > 0 })
}
