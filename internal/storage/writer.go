package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/relaywatch/internal/circuit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrWriterClosed is returned by WriteBatch after Close.
var ErrWriterClosed = errors.New("writer closed")

// RecordWriter persists batches of hop records.
// WriteBatch returns only once the batch is durable; an error means rows may
// have been lost and the run must stop.
type RecordWriter interface {
	WriteBatch(ctx context.Context, records []circuit.Record) error
	Close() error
}

// hopRow is the mirror-table form of a record.
type hopRow struct {
	SessionID   string
	Timestamp   time.Time
	CircuitID   string
	Purpose     string
	HopIndex    uint8
	Role        string
	Fingerprint string
	Nickname    string
	IP          string
	Country     string
	ASN         string
	ASName      string
	Tier        string
	AddrSource  string
}

func toHopRow(sessionID string, r *circuit.Record) hopRow {
	return hopRow{
		SessionID:   sessionID,
		Timestamp:   r.Timestamp.UTC(),
		CircuitID:   r.CircuitID,
		Purpose:     r.Purpose,
		HopIndex:    uint8(r.HopIndex),
		Role:        string(r.Role),
		Fingerprint: r.Fingerprint,
		Nickname:    r.Nickname,
		IP:          orUnknown(r.IP),
		Country:     orUnknown(r.Country),
		ASN:         orUnknown(r.ASN),
		ASName:      orUnknown(r.ASName),
		Tier:        r.Tier,
		AddrSource:  r.AddrSource,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return circuit.Unknown
	}
	return s
}

// MultiWriter fans every batch out to several writers in order. A batch is
// written only if every writer accepted it.
type MultiWriter struct {
	writers []RecordWriter
}

var _ RecordWriter = (*MultiWriter)(nil)

// NewMultiWriter combines writers. The first writer is the primary one.
func NewMultiWriter(writers ...RecordWriter) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) WriteBatch(ctx context.Context, records []circuit.Record) error {
	var errs error
	for _, w := range m.writers {
		errs = multierr.Append(errs, w.WriteBatch(ctx, records))
	}
	if errs != nil {
		return fmt.Errorf("MultiWriter.WriteBatch: %w", errs)
	}
	return nil
}

// Close closes every writer, even if some fail.
func (m *MultiWriter) Close() error {
	var errs error
	for _, w := range m.writers {
		errs = multierr.Append(errs, w.Close())
	}
	return errs
}

// LogWriter logs every record through zap. Used for local runs and as a
// mirror of the primary file.
type LogWriter struct {
	logger *zap.Logger
}

var _ RecordWriter = (*LogWriter)(nil)

// NewLogWriter creates a LogWriter that outputs records to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteBatch(_ context.Context, records []circuit.Record) error {
	for i := range records {
		r := &records[i]
		w.logger.Info("circuit_hop",
			zap.String("circuit_id", r.CircuitID),
			zap.Int("hop_index", r.HopIndex),
			zap.String("role", string(r.Role)),
			zap.String("fingerprint", r.Fingerprint),
			zap.String("nickname", r.Nickname),
			zap.String("ip", orUnknown(r.IP)),
			zap.String("country", orUnknown(r.Country)),
			zap.String("asn", orUnknown(r.ASN)),
			zap.String("as_name", orUnknown(r.ASName)),
			zap.String("tier", r.Tier),
		)
	}
	return nil
}

func (w *LogWriter) Close() error { return nil }
