// Package ingest streams payee rows from CSV, TSV and XLSX files without
// materializing delimited files in memory.
package ingest

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/model"
)

var (
	// ErrColumnNotFound is returned when a declared name column is missing from the header.
	ErrColumnNotFound = eris.New("ingest: column not found")
	// ErrEmptyFile is returned when the file has no header row.
	ErrEmptyFile = eris.New("ingest: empty file")
)

// Options configures a Reader.
type Options struct {
	Column     string // declared name column; empty enables detection
	Format     Format // FormatAuto infers from the extension
	SheetIndex int    // xlsx only
}

// Reader produces model.Row values from one file. Each call to Count or
// Stream reopens the file, so a Reader can be replayed from the start but not
// resumed mid-stream.
type Reader struct {
	path string
	opts Options
	cols Columns
}

// Open reads the header and detects columns. It fails with ErrEmptyFile or
// ErrColumnNotFound before any row is read.
func Open(path string, opts Options) (*Reader, error) {
	src, err := openSource(path, opts.Format, opts.SheetIndex)
	if err != nil {
		return nil, err
	}
	defer src.Close() //nolint:errcheck

	header, err := src.Next()
	if errors.Is(err, io.EOF) {
		return nil, eris.Wrapf(ErrEmptyFile, "file %s", path)
	}
	if err != nil {
		return nil, err
	}

	cols, err := DetectColumns(header, opts.Column)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, opts: opts, cols: cols}, nil
}

// Columns returns the detected column layout.
func (r *Reader) Columns() Columns {
	return r.cols
}

// Count performs a full pass and returns the number of rows Stream will emit.
func (r *Reader) Count(ctx context.Context) (int, error) {
	src, err := r.openBody()
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck

	n := 0
	for {
		if n%1024 == 0 && ctx.Err() != nil {
			return n, eris.Wrap(ctx.Err(), "ingest: count cancelled")
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if r.keep(rec) {
			n++
		}
	}
}

// Stream sends rows on the returned channel. Both channels are closed when
// the file is exhausted, an error occurs or ctx is cancelled.
func (r *Reader) Stream(ctx context.Context) (<-chan model.Row, <-chan error) {
	rowCh := make(chan model.Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		src, err := r.openBody()
		if err != nil {
			errCh <- err
			return
		}
		defer src.Close() //nolint:errcheck

		idx := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
			rec, err := src.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errCh <- err
				return
			}
			if !r.keep(rec) {
				continue
			}
			idx++

			select {
			case rowCh <- r.toRow(idx, rec):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// openBody opens the source positioned after the header.
func (r *Reader) openBody() (source, error) {
	src, err := openSource(r.path, r.opts.Format, r.opts.SheetIndex)
	if err != nil {
		return nil, err
	}
	if _, err := src.Next(); err != nil && !errors.Is(err, io.EOF) {
		src.Close() //nolint:errcheck
		return nil, err
	}
	return src, nil
}

// keep drops records whose name cell is blank.
func (r *Reader) keep(rec []string) bool {
	return cell(rec, r.cols.Name) != ""
}

func (r *Reader) toRow(idx int, rec []string) model.Row {
	row := model.Row{
		Index:   idx,
		Name:    cell(rec, r.cols.Name),
		Address: cell(rec, r.cols.Address),
		City:    cell(rec, r.cols.City),
		State:   cell(rec, r.cols.State),
		Zip:     cell(rec, r.cols.Zip),
		Amount:  cell(rec, r.cols.Amount),
	}
	for i, v := range rec {
		if r.isMapped(i) || i >= len(r.cols.Header) {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			row.SetExtra(strings.TrimSpace(r.cols.Header[i]), v)
		}
	}
	return row
}

func (r *Reader) isMapped(i int) bool {
	c := r.cols
	return i == c.Name || i == c.Address || i == c.City || i == c.State || i == c.Zip || i == c.Amount
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
