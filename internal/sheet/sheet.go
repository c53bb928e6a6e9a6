// Package sheet reads uploaded result sheets (CSV or Excel workbooks) into header-keyed rows.
package sheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupported is returned for file extensions no reader handles.
var ErrUnsupported = errors.New("unsupported file format")

// Row is one data row keyed by header name. Number is 1-based and excludes the header.
type Row struct {
	Number int
	Values map[string]string
}

// Get returns the trimmed value of column, or "" when absent.
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Values[column])
}

// Ext returns the lower-cased extension of name, including the dot.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
}

// Read parses data according to the extension of name.
func Read(name string, data []byte) ([]Row, error) {
	switch Ext(name) {
	case ".csv":
		return readCSV(data)
	case ".xlsx", ".xlsm":
		return readWorkbook(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, Ext(name))
	}
}

// EstimateRows cheaply counts data rows without mapping them. It returns 0 when the content
// cannot be read; the worker reports the real failure.
func EstimateRows(name string, data []byte) int {
	switch Ext(name) {
	case ".csv":
		n := 0
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) != "" {
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return n - 1
	case ".xlsx", ".xlsm":
		return estimateWorkbook(data)
	}
	return 0
}

// estimateWorkbook counts the non-blank rows of the first sheet below the header, one row at a
// time, without materializing the grid.
func estimateWorkbook(data []byte) int {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{RawCellValue: true})
	if err != nil {
		return 0
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return 0
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return 0
		}
		if !blank(cols) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

func readCSV(data []byte) ([]Row, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, rec)
	}
	return toRows(records)
}

// detectDelimiter picks ';' for spreadsheets exported with a French locale.
func detectDelimiter(data []byte) rune {
	header := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header = data[:i]
	}
	if bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")) {
		return ';'
	}
	return ','
}

func readWorkbook(data []byte) ([]Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return toRows(records)
}

func toRows(records [][]string) ([]Row, error) {
	start := 0
	for start < len(records) && blank(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, errors.New("missing header row")
	}
	header := make([]string, len(records[start]))
	for i, h := range records[start] {
		header[i] = strings.TrimSpace(h)
	}

	rows := make([]Row, 0, len(records)-start-1)
	for _, rec := range records[start+1:] {
		if blank(rec) {
			continue
		}
		values := make(map[string]string, len(header))
		for i, h := range header {
			if h == "" || i >= len(rec) {
				continue
			}
			if _, seen := values[h]; seen {
				continue
			}
			values[h] = rec[i]
		}
		rows = append(rows, Row{Number: len(rows) + 1, Values: values})
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
