package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column names read from the metadata file. Any other columns are ignored.
const (
	ColumnFilename        = "filename"
	ColumnPrimaryLabel    = "primary_label"
	ColumnSecondaryLabels = "secondary_labels"
)

// Record is one row of the metadata file.
type Record struct {
	Filename  string
	Primary   string
	Secondary []string
}

// Labels returns the primary label followed by the secondary labels.
func (r Record) Labels() []string {
	out := make([]string, 0, 1+len(r.Secondary))
	if r.Primary != "" {
		out = append(out, r.Primary)
	}
	return append(out, r.Secondary...)
}

// ReadMetadata parses a metadata CSV with a header row. The filename and
// primary_label columns are required; secondary_labels is optional.
func ReadMetadata(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("metadata: empty file")
		}
		return nil, fmt.Errorf("metadata header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	fileCol, ok := cols[ColumnFilename]
	if !ok {
		return nil, fmt.Errorf("metadata: missing %q column", ColumnFilename)
	}
	primaryCol, ok := cols[ColumnPrimaryLabel]
	if !ok {
		return nil, fmt.Errorf("metadata: missing %q column", ColumnPrimaryLabel)
	}
	secondaryCol, hasSecondary := cols[ColumnSecondaryLabels]

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("metadata line %d: %w", line, err)
		}
		if fileCol >= len(row) || primaryCol >= len(row) {
			return nil, fmt.Errorf("metadata line %d: expected at least %d fields, got %d", line, max(fileCol, primaryCol)+1, len(row))
		}

		rec := Record{
			Filename: strings.TrimSpace(row[fileCol]),
			Primary:  strings.TrimSpace(row[primaryCol]),
		}
		if hasSecondary && secondaryCol < len(row) {
			rec.Secondary = ParseLabelList(row[secondaryCol])
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadMetadataFile opens path and calls ReadMetadata.
func ReadMetadataFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	return ReadMetadata(f)
}
