package library

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Catalog CSV column order. Files may carry further trailing columns.
const (
	colTitle = iota
	colBinding
	colAuthors
	colSeries
	colAvailable
	colISBN
	colLocation
	catalogColumns
)

// ParseCatalogCSV reads a catalog export with a header row. Rows that cannot
// be turned into a record are returned as rejections with their line number;
// the error return is reserved for unreadable input.
func ParseCatalogCSV(r io.Reader) ([]ImportRecord, []Rejection, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		records  []ImportRecord
		rejected []Rejection
		header   = true
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return nil, nil, fmt.Errorf("read catalog csv: %w", err)
		}
		// The first line is the header even when it is malformed.
		if header {
			header = false
			continue
		}
		if parseErr != nil {
			rejected = append(rejected, Rejection{Line: parseErr.Line, Reason: parseErr.Err.Error()})
			continue
		}
		line, _ := cr.FieldPos(0)
		if len(row) < catalogColumns {
			rejected = append(rejected, Rejection{
				Line:   line,
				Reason: fmt.Sprintf("%s: expected %d columns, got %d", ErrValidation, catalogColumns, len(row)),
			})
			continue
		}

		cell := func(i int) string { return strings.TrimSpace(row[i]) }
		available := 0
		if s := cell(colAvailable); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				rejected = append(rejected, Rejection{
					Line:   line,
					ISBN:   cell(colISBN),
					Reason: fmt.Sprintf("%s: available copies %q is not a number", ErrValidation, s),
				})
				continue
			}
			available = n
		}

		records = append(records, ImportRecord{
			Line:      line,
			ISBN:      cell(colISBN),
			Title:     cell(colTitle),
			Binding:   cell(colBinding),
			Authors:   cell(colAuthors),
			Series:    cell(colSeries),
			Location:  cell(colLocation),
			Available: available,
		})
	}
	return records, rejected, nil
}
