// Package tracks reads per-camera 2D keypoint tracks from the tabular format
// produced by pose-estimation tools: three header rows (scorer, bodyparts,
// coords) followed by one row per labelled image, with the image path in the
// first column.
package tracks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/recalibrate/internal/observe"
)

// ErrMalformedHeader is returned when the three header rows are missing or
// do not describe x/y pairs.
var ErrMalformedHeader = errors.New("malformed tracks header")

const headerRows = 3

// Table is a parsed tracks file.
type Table struct {
	Scorer string
	// Keypoints names each x/y pair, in column order.
	Keypoints []string
	rows      []observe.Row
}

// Rows returns the data rows. Values hold one x/y pair per keypoint; missing
// cells are NaN.
func (t *Table) Rows() []observe.Row {
	return t.rows
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// ReadCSVFile reads a tracks table from path.
func ReadCSVFile(path string) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open tracks file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a tracks table. Columns whose coords header is "likelihood"
// are dropped so files with confidence scores load unchanged. Rows with a
// different number of cells than the header are reported as
// observe.ErrShapeMismatch.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header := make([][]string, 0, headerRows)
	for len(header) < headerRows {
		rec, err := reader.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: expected %d header rows, got %d", ErrMalformedHeader, headerRows, len(header))
		}
		if err != nil {
			return nil, fmt.Errorf("read tracks header: %w", err)
		}
		header = append(header, rec)
	}

	width := len(header[0])
	for i, rec := range header[1:] {
		if len(rec) != width {
			return nil, fmt.Errorf("%w: header row %d has %d cells, row 0 has %d", ErrMalformedHeader, i+1, len(rec), width)
		}
	}

	t := &Table{}
	if width > 1 {
		t.Scorer = header[0][1]
	}
	// keep holds the cell indexes of x/y values in order
	var keep []int
	coords := header[2]
	bodyparts := header[1]
	for col := 1; col < width; col++ {
		switch strings.ToLower(strings.TrimSpace(coords[col])) {
		case "likelihood":
			continue
		case "x":
			if col+1 >= width || strings.ToLower(strings.TrimSpace(coords[col+1])) != "y" {
				return nil, fmt.Errorf("%w: column %d is x but is not followed by y", ErrMalformedHeader, col)
			}
			if bodyparts[col] != bodyparts[col+1] {
				return nil, fmt.Errorf("%w: columns %d and %d pair %q with %q",
					ErrMalformedHeader, col, col+1, bodyparts[col], bodyparts[col+1])
			}
			t.Keypoints = append(t.Keypoints, bodyparts[col])
			keep = append(keep, col, col+1)
			col++
		default:
			return nil, fmt.Errorf("%w: unexpected coords value %q in column %d", ErrMalformedHeader, coords[col], col)
		}
	}

	for line := headerRows; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tracks row %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != width {
			return nil, fmt.Errorf("%w: row %d has %d cells, header has %d", observe.ErrShapeMismatch, line, len(rec), width)
		}

		values := make([]float64, len(keep))
		for i, col := range keep {
			v, err := parseCell(rec[col])
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", line, col, err)
			}
			values[i] = v
		}
		t.rows = append(t.rows, observe.Row{Label: rec[0], Values: values})
	}
	return t, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	return v, nil
}
