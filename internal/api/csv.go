package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// parseRecipientsCSV reads [phone, param1, ...] rows. Cells are trimmed,
// blank rows dropped and a leading "phone" header row skipped.
func parseRecipientsCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid csv: %w", err)
		}

		blank := true
		for i, cell := range rec {
			rec[i] = strings.TrimSpace(cell)
			if rec[i] != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		if len(rows) == 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
			if strings.EqualFold(rec[0], "phone") {
				continue
			}
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
