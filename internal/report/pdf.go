package report

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
)

// WritePDF writes a one-document text report: title, generation time,
// current count and one line per history entry.
func WritePDF(w io.Writer, s Snapshot) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(Title, true)
	pdf.SetCreator("bike-counter", true)
	// Plain content streams keep the report greppable.
	pdf.SetCompression(false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, Title)
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, "Generated on: "+s.generatedAt())
	pdf.Ln(8)
	pdf.Cell(0, 7, fmt.Sprintf("Current Count: %d", s.Count))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.Cell(0, 8, "Detection History:")
	pdf.Ln(9)

	pdf.SetFont("Helvetica", "", 11)
	if len(s.History) == 0 {
		pdf.Cell(0, 7, "No entries recorded.")
		pdf.Ln(7)
	}
	for _, it := range s.History {
		pdf.Cell(0, 7, historyLine(it))
		pdf.Ln(7)
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return pdf.Output(w)
}
