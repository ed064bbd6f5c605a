package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dj-oyu/bike-counter/internal/history"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC),
		Count:       5,
		History: []history.Item{
			{ID: "id-3", Timestamp: "2026-10-19 09:20:00", Count: 5},
			{ID: "id-2", Timestamp: "2026-10-19 09:10:00", Count: 0},
			{ID: "id-1", Timestamp: "2026-10-19 09:00:00", Count: 2},
		},
	}
}

func TestWritePDFEnumeratesHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDF(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WritePDF: %v", err)
	}
	body := buf.String()
	if !strings.HasPrefix(body, "%PDF-") {
		t.Fatalf("output is not a PDF: %q", body[:min(len(body), 16)])
	}
	for _, want := range []string{
		Title,
		"Generated on: 2026-10-19 09:30:00",
		"Current Count: 5",
		"2026-10-19 09:20:00 - Count: 5",
		"2026-10-19 09:10:00 - Count: 0",
		"2026-10-19 09:00:00 - Count: 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("PDF missing %q", want)
		}
	}
}

func TestWritePDFEmptyHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDF(&buf, Snapshot{}); err != nil {
		t.Fatalf("WritePDF: %v", err)
	}
	if !strings.Contains(buf.String(), "No entries recorded.") {
		t.Error("empty report should say so")
	}
}

func TestWriteXLSXRowCountMatchesHistory(t *testing.T) {
	snap := sampleSnapshot()
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, snap); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows)-1 != len(snap.History) {
		t.Fatalf("data rows = %d, want %d", len(rows)-1, len(snap.History))
	}
	if strings.Join(rows[0], "|") != "ID|Timestamp|Count" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "id-3" || rows[1][2] != "5" || rows[3][2] != "2" {
		t.Errorf("rows out of order: %v", rows[1:])
	}
}

func TestWriteXLSXEmptyHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, Snapshot{}); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %d, want header only", len(rows))
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	if records[3][0] != "id-1" || records[3][2] != "2" {
		t.Errorf("last record = %v", records[3])
	}
}

func TestLookup(t *testing.T) {
	cases := map[string]string{
		"report": "bike-detection-report.pdf",
		"data":   "bike-detection-data.xlsx",
		"csv":    "bike-detection-data.csv",
	}
	for name, filename := range cases {
		f, ok := Lookup(name)
		if !ok {
			t.Errorf("Lookup(%q) missing", name)
			continue
		}
		if f.Filename != filename {
			t.Errorf("Lookup(%q).Filename = %q", name, f.Filename)
		}
	}
	if _, ok := Lookup("docx"); ok {
		t.Error("unknown format should not resolve")
	}
	if got := len(Formats()); got != 3 {
		t.Errorf("Formats() = %d entries", got)
	}
}
