package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/relaywatch/internal/circuit"
	"go.uber.org/zap"
)

const batchTimeout = 10 * time.Second

const clickhouseSchema = `
	CREATE TABLE IF NOT EXISTS circuit_hops (
		session_id   String,
		timestamp    DateTime64(3, 'UTC'),
		circuit_id   String,
		purpose      LowCardinality(String),
		hop_index    UInt8,
		role         LowCardinality(String),
		fingerprint  String,
		nickname     String,
		ip           String,
		country      LowCardinality(String),
		asn          LowCardinality(String),
		as_name      String,
		tier         LowCardinality(String),
		addr_source  LowCardinality(String)
	) ENGINE = MergeTree
	ORDER BY (session_id, timestamp, circuit_id, hop_index)
`

// ClickHouseWriter mirrors records into the circuit_hops table. Each
// WriteBatch is one synchronous batch insert.
type ClickHouseWriter struct {
	conn      driver.Conn
	sessionID string
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ RecordWriter = (*ClickHouseWriter)(nil)

// NewClickHouseWriter connects, pings and ensures the circuit_hops table exists.
func NewClickHouseWriter(ctx context.Context, dsn, sessionID string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}

	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: schema: %w", err)
	}

	logger.Info("clickhouse mirror enabled", zap.String("session_id", sessionID))
	return &ClickHouseWriter{conn: conn, sessionID: sessionID, logger: logger}, nil
}

func (w *ClickHouseWriter) WriteBatch(ctx context.Context, records []circuit.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO circuit_hops (
			session_id, timestamp, circuit_id, purpose, hop_index, role,
			fingerprint, nickname, ip, country, asn, as_name, tier, addr_source
		)
	`)
	if err != nil {
		return fmt.Errorf("ClickHouseWriter.WriteBatch: prepare: %w", err)
	}

	for i := range records {
		r := toHopRow(w.sessionID, &records[i])
		if err := batch.Append(
			r.SessionID,
			r.Timestamp,
			r.CircuitID,
			r.Purpose,
			r.HopIndex,
			r.Role,
			r.Fingerprint,
			r.Nickname,
			r.IP,
			r.Country,
			r.ASN,
			r.ASName,
			r.Tier,
			r.AddrSource,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("ClickHouseWriter.WriteBatch: append circuit %s hop %d: %w", r.CircuitID, r.HopIndex, err)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
		return fmt.Errorf("ClickHouseWriter.WriteBatch: send: %w", err)
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (w *ClickHouseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
