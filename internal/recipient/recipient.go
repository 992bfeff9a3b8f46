// Package recipient turns operator-supplied phone lists into normalized
// addresses. Everything it rejects is filtered out before a dispatch job is built.
package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Recipient is a digits-only address.
type Recipient string

func (r Recipient) String() string { return string(r) }

// ErrMissingColumn is returned when the CSV header has no phone column.
var ErrMissingColumn = errors.New("csv has no phone column")

// DefaultColumns are the header names accepted when no column is configured.
var DefaultColumns = []string{"phone", "telefono", "number"}

// Normalize strips every non-digit character. ok is false when nothing is left.
func Normalize(raw string) (Recipient, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return Recipient(b.String()), true
}

// NormalizeAll keeps input order and duplicates, dropping values that normalize to empty.
func NormalizeAll(raw []string) []Recipient {
	out := make([]Recipient, 0, len(raw))
	for _, v := range raw {
		if r, ok := Normalize(v); ok {
			out = append(out, r)
		}
	}
	return out
}

// Rejected is an input row that produced no usable address.
type Rejected struct {
	Row int    `json:"row"`
	Raw string `json:"raw"`
}

// List is the result of reading an upload.
type List struct {
	Recipients []Recipient `json:"recipients"`
	Rejected   []Rejected  `json:"rejected,omitempty"`
}

// ReadCSV reads a header-first CSV and normalizes the phone column.
// column selects the header (case-insensitive); empty means DefaultColumns.
// Row numbers in Rejected are 1-based and count the header.
func ReadCSV(r io.Reader, column string) (List, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return List{}, ErrMissingColumn
	}
	if err != nil {
		return List{}, fmt.Errorf("read csv header: %w", err)
	}

	names := DefaultColumns
	if c := strings.TrimSpace(column); c != "" {
		names = []string{c}
	}
	idx := columnIndex(header, names)
	if idx < 0 {
		return List{}, fmt.Errorf("%w (want one of %s)", ErrMissingColumn, strings.Join(names, ", "))
	}

	var out List
	row := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return List{}, fmt.Errorf("read csv row %d: %w", row, err)
		}
		if idx >= len(rec) {
			out.Rejected = append(out.Rejected, Rejected{Row: row})
			continue
		}
		raw := strings.TrimSpace(rec[idx])
		if raw == "" {
			// Blank cells are skipped silently, like blank lines.
			continue
		}
		if rc, ok := Normalize(raw); ok {
			out.Recipients = append(out.Recipients, rc)
		} else {
			out.Rejected = append(out.Rejected, Rejected{Row: row, Raw: raw})
		}
	}
	return out, nil
}

func columnIndex(header, names []string) int {
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		for _, n := range names {
			if strings.EqualFold(h, n) {
				return i
			}
		}
	}
	return -1
}
