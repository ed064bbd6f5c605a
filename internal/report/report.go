// Package report exports the current count and detection history as
// downloadable documents.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dj-oyu/bike-counter/internal/history"
)

// Title heads every document.
const Title = "Bike Detection Report"

// Snapshot is the data an export reads: the count in effect and the history
// in display order (most recent first).
type Snapshot struct {
	GeneratedAt time.Time
	Count       int
	History     []history.Item
}

// Format describes one downloadable export.
type Format struct {
	Name        string
	Filename    string
	ContentType string
	Write       func(w io.Writer, s Snapshot) error
}

var formats = map[string]Format{
	"report": {
		Name:        "report",
		Filename:    "bike-detection-report.pdf",
		ContentType: "application/pdf",
		Write:       WritePDF,
	},
	"data": {
		Name:        "data",
		Filename:    "bike-detection-data.xlsx",
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Write:       WriteXLSX,
	},
	"csv": {
		Name:        "csv",
		Filename:    "bike-detection-data.csv",
		ContentType: "text/csv; charset=utf-8",
		Write:       WriteCSV,
	},
}

// Lookup returns the export registered under name.
func Lookup(name string) (Format, bool) {
	f, ok := formats[name]
	return f, ok
}

// Formats lists the available exports sorted by name.
func Formats() []Format {
	out := make([]Format, 0, len(formats))
	for _, f := range formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s Snapshot) generatedAt() string {
	t := s.GeneratedAt
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format(history.DefaultLayout)
}

func historyLine(it history.Item) string {
	return fmt.Sprintf("%s - Count: %d", it.Timestamp, it.Count)
}
