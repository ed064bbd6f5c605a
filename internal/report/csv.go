package report

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV writes the same rows as WriteXLSX as comma-separated values.
func WriteCSV(w io.Writer, s Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(dataHeader); err != nil {
		return err
	}
	for _, it := range s.History {
		if err := cw.Write([]string{it.ID, it.Timestamp, strconv.Itoa(it.Count)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
