package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format identifies the tabular encoding of an input file.
type Format string

const (
	FormatAuto Format = ""
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat infers the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".tsv", ".tab":
		return FormatTSV
	default:
		return FormatCSV
	}
}

// source yields raw records one at a time. Next returns io.EOF at the end.
type source interface {
	Next() ([]string, error)
	Close() error
}

func openSource(path string, format Format, sheet int) (source, error) {
	if format == FormatAuto {
		format = DetectFormat(path)
	}
	if format == FormatXLSX {
		return openXLSX(path, sheet)
	}
	return openDelimited(path, format)
}

type csvSource struct {
	f *os.File
	r *csv.Reader
}

func openDelimited(path string, format Format) (*csvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}

	br := bufio.NewReader(f)
	delim := ','
	if format == FormatTSV {
		delim = '\t'
	} else if line, err := br.Peek(4096); err == nil || err == io.EOF || err == bufio.ErrBufferFull {
		delim = sniffDelimiter(line)
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false
	return &csvSource{f: f, r: r}, nil
}

// sniffDelimiter picks the most frequent candidate delimiter on the first line.
func sniffDelimiter(buf []byte) rune {
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	}
	best, bestN := ',', 0
	for _, d := range []rune{',', '\t', '|', ';'} {
		if n := bytes.Count(buf, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func (s *csvSource) Next() ([]string, error) {
	rec, err := s.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read row")
	}
	return rec, nil
}

func (s *csvSource) Close() error {
	return s.f.Close()
}

// xlsxSource walks a worksheet already loaded by tealeg/xlsx.
type xlsxSource struct {
	sheet *xlsx.Sheet
	next  int
}

func openXLSX(path string, sheetIndex int) (*xlsxSource, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open xlsx %s", path)
	}
	if sheetIndex < 0 || sheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("ingest: sheet index %d out of range (file has %d sheets)", sheetIndex, len(f.Sheets))
	}
	return &xlsxSource{sheet: f.Sheets[sheetIndex]}, nil
}

func (s *xlsxSource) Next() ([]string, error) {
	for s.next < len(s.sheet.Rows) {
		row := s.sheet.Rows[s.next]
		s.next++
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		return cells, nil
	}
	return nil, io.EOF
}

func (s *xlsxSource) Close() error {
	return nil
}
