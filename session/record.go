package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Missing is the filename (and directory) of a slot with no image
const Missing = "-"

var (
	// ErrSchemaUnrecognized is generated for a line with neither 3 nor 4 fields,
	// or whose index or included flag cannot be parsed.  The line is skipped.
	ErrSchemaUnrecognized = errors.New("session: unrecognized record schema")
)

// Record is the outcome of capturing one light
type Record struct {
	// Index is the 0-based light index
	Index int `json:"index"`

	// Dir is the folder the image is in, or Missing
	Dir string `json:"dir"`

	// Filename is the image's base name, or Missing
	Filename string `json:"filename"`

	// Included selects the image for the manifest
	Included bool `json:"included"`
}

// Failed returns the record of a light for which no image arrived
func Failed(index int) Record {
	return Record{Index: index, Dir: Missing, Filename: Missing, Included: false}
}

// IsMissing reports if the record holds no image
func (r Record) IsMissing() bool {
	return r.Filename == Missing || r.Filename == ""
}

// fields is the 4-field on-disk form
func (r Record) fields() []string {
	inc := "False"
	if r.Included {
		inc = "True"
	}
	return []string{strconv.Itoa(r.Index), r.Dir, r.Filename, inc}
}

// parseRecord normalizes the legacy 3-field form (index, dir, filename) and the
// current 4-field form (index, dir, filename, included).  Legacy records with
// an image are included.  The included field is case-insensitive.
func parseRecord(row []string) (Record, error) {
	if len(row) != 3 && len(row) != 4 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrSchemaUnrecognized, len(row))
	}
	idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
	if err != nil || idx < 0 {
		return Record{}, fmt.Errorf("%w: index %q", ErrSchemaUnrecognized, row[0])
	}
	r := Record{Index: idx, Dir: row[1], Filename: row[2]}
	if len(row) == 3 {
		r.Included = !r.IsMissing()
		return r, nil
	}
	// anything but "true" is excluded
	r.Included = strings.EqualFold(strings.TrimSpace(row[3]), "true")
	return r, nil
}

// Read parses every record in r.  Lines that cannot be understood are
// skipped and reported in warnings, one per line, each wrapping
// ErrSchemaUnrecognized.  err is only non-nil for I/O failures.
func Read(r io.Reader) (recs []Record, warnings []error, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return recs, warnings, nil
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				warnings = append(warnings, fmt.Errorf("line %d: %w: %v", line, ErrSchemaUnrecognized, err))
				continue
			}
			return recs, warnings, err
		}
		rec, err := parseRecord(row)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		recs = append(recs, rec)
	}
}

// Write emits recs in the 4-field form
func Write(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	for _, r := range recs {
		if err := cw.Write(r.fields()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
