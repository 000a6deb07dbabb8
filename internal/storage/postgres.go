package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/relaywatch/internal/circuit"
	"go.uber.org/zap"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS circuit_hops (
		session_id   TEXT        NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		circuit_id   TEXT        NOT NULL,
		purpose      TEXT        NOT NULL DEFAULT '',
		hop_index    SMALLINT    NOT NULL,
		role         TEXT        NOT NULL,
		fingerprint  TEXT        NOT NULL,
		nickname     TEXT        NOT NULL DEFAULT '',
		ip           TEXT        NOT NULL,
		country      TEXT        NOT NULL,
		asn          TEXT        NOT NULL,
		as_name      TEXT        NOT NULL,
		tier         TEXT        NOT NULL,
		addr_source  TEXT        NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, circuit_id, hop_index)
	)`

// PostgresWriter mirrors records into a circuit_hops table. Each batch is
// one transaction, so a circuit is either fully present or absent.
type PostgresWriter struct {
	db        *sql.DB
	sessionID string

	mu     sync.Mutex
	closed bool
}

var _ RecordWriter = (*PostgresWriter)(nil)

// OpenPostgres connects with the pgx driver and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn, sessionID string, logger *zap.Logger) (*PostgresWriter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenPostgres: ping: %w", err)
	}

	w := NewPostgresWriter(db, sessionID)
	if err := w.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("postgres mirror enabled", zap.String("session_id", sessionID))
	return w, nil
}

// NewPostgresWriter wraps an existing connection pool. The writer owns db and
// closes it on Close.
func NewPostgresWriter(db *sql.DB, sessionID string) *PostgresWriter {
	return &PostgresWriter{db: db, sessionID: sessionID}
}

// EnsureSchema creates the circuit_hops table if missing.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func (w *PostgresWriter) WriteBatch(ctx context.Context, records []circuit.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("PostgresWriter.WriteBatch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO circuit_hops (
			session_id, ts, circuit_id, purpose, hop_index, role,
			fingerprint, nickname, ip, country, asn, as_name, tier, addr_source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id, circuit_id, hop_index) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("PostgresWriter.WriteBatch: prepare: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := toHopRow(w.sessionID, &records[i])
		if _, err := stmt.ExecContext(ctx,
			r.SessionID, r.Timestamp, r.CircuitID, r.Purpose, int16(r.HopIndex), r.Role,
			r.Fingerprint, r.Nickname, r.IP, r.Country, r.ASN, r.ASName, r.Tier, r.AddrSource,
		); err != nil {
			return fmt.Errorf("PostgresWriter.WriteBatch: circuit %s hop %d: %w", r.CircuitID, r.HopIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("PostgresWriter.WriteBatch: commit: %w", err)
	}
	return nil
}

// Close closes the connection pool. Safe to call more than once.
func (w *PostgresWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.db.Close()
}
