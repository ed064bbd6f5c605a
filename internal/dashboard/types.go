package dashboard

import "github.com/dj-oyu/bike-counter/pkg/types"

// DetectionPayload is one detection as sent to the browser.
type DetectionPayload struct {
	Class string     `json:"class"`
	Score float64    `json:"score"`
	Label string     `json:"label"`
	BBox  types.BBox `json:"bbox"`
}

// DetectionEvent is the payload of /api/detections/stream.
type DetectionEvent struct {
	Seq         uint64             `json:"seq"`
	FrameNumber uint64             `json:"frame_number"`
	Timestamp   float64            `json:"timestamp"`
	Count       int                `json:"count"`
	LatencyMs   float64            `json:"latency_ms"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Detections  []DetectionPayload `json:"detections"`
}

// Status is the session snapshot served by /api/status.
type Status struct {
	Status        string  `json:"status"`
	Model         string  `json:"model"`
	ModelError    string  `json:"model_error,omitempty"`
	Source        string  `json:"source"`
	SourceName    string  `json:"source_name,omitempty"`
	Processing    bool    `json:"processing"`
	Count         int     `json:"count"`
	CanSelect     bool    `json:"can_select"`
	CanStart      bool    `json:"can_start"`
	HistoryLength int     `json:"history_length"`
	Timestamp     float64 `json:"timestamp"`
}

// HistoryEntry is one history item as sent to the browser.
type HistoryEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count"`
}

// ChartSeries is the history in chronological order for the trend chart.
type ChartSeries struct {
	Labels []string `json:"labels"`
	Counts []int    `json:"counts"`
}

// HistoryPayload is served by /api/history.
type HistoryPayload struct {
	Items    []HistoryEntry `json:"items"`
	Chart    ChartSeries    `json:"chart"`
	Capacity int            `json:"capacity"`
}
