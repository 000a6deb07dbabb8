package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/triage-ai/relaywatch/internal/circuit"
)

// SessionFileName names the output file of a collection session:
// circuits_<YYYY-MM-DD_HH-MM-SS>_<first 8 chars of session id>.csv
func SessionFileName(start time.Time, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("circuits_%s_%s.csv", start.UTC().Format("2006-01-02_15-04-05"), short)
}

// CSVWriter appends records to a CSV file. The header is written once, when
// the file is empty. Every batch is flushed and fsynced before WriteBatch
// returns.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *csv.Writer
	rows   int64
	closed bool
}

var _ RecordWriter = (*CSVWriter)(nil)

// OpenCSV opens (or creates) path for appending.
func OpenCSV(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("OpenCSV: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("OpenCSV: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("OpenCSV: %w", err)
	}

	w := &CSVWriter{path: path, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.commit(circuit.Header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("OpenCSV: header: %w", err)
		}
	}
	return w, nil
}

// Path returns the file being written.
func (w *CSVWriter) Path() string {
	return w.path
}

// Rows returns the number of data rows written by this writer.
func (w *CSVWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func (w *CSVWriter) WriteBatch(_ context.Context, records []circuit.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([][]string, 0, len(records))
	for i := range records {
		rows = append(rows, records[i].Row())
	}
	if err := w.commit(rows...); err != nil {
		return fmt.Errorf("CSVWriter.WriteBatch: %w", err)
	}
	w.rows += int64(len(records))
	return nil
}

// commit writes rows and makes them durable. Caller holds mu.
func (w *CSVWriter) commit(rows ...[]string) error {
	for _, row := range rows {
		if err := w.w.Write(row); err != nil {
			return err
		}
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the file. Safe to call more than once.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.w.Flush()
	if err := w.w.Error(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("CSVWriter.Close: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("CSVWriter.Close: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("CSVWriter.Close: %w", err)
	}
	return nil
}
