package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"signalrelay/internal/message"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processed_signals (
        message_id       TEXT PRIMARY KEY,
        author           TEXT NOT NULL DEFAULT '',
        content          TEXT NOT NULL,
        raw_timestamp    TEXT NOT NULL DEFAULT '',
        source_server    TEXT NOT NULL DEFAULT '',
        source_channel   TEXT NOT NULL DEFAULT '',
        attachments      JSONB NOT NULL DEFAULT '[]',
        embeds           JSONB NOT NULL DEFAULT '[]',
        observed_at      TIMESTAMPTZ NOT NULL,
        ticker           TEXT NOT NULL DEFAULT '',
        entry            TEXT NOT NULL DEFAULT '',
        expiry           TEXT NOT NULL DEFAULT '',
        strike           TEXT NOT NULL DEFAULT '',
        entry_price      NUMERIC,
        rendered_content TEXT NOT NULL DEFAULT '',
        delivery_status  TEXT NOT NULL DEFAULT 'pending',
        delivery_detail  TEXT,
        delivered_at     TIMESTAMPTZ,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS processed_signals_observed_at_idx ON processed_signals (observed_at);`,
}

const (
	insertSignalSQL = `INSERT INTO processed_signals (
        message_id,
        author,
        content,
        raw_timestamp,
        source_server,
        source_channel,
        attachments,
        embeds,
        observed_at,
        ticker,
        entry,
        expiry,
        strike,
        entry_price,
        rendered_content,
        delivery_status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (message_id) DO NOTHING;`

	updateDeliverySQL = `UPDATE processed_signals
    SET delivery_status = $2,
        delivery_detail = $3,
        delivered_at    = CASE WHEN $2 = 'delivered' THEN now() ELSE delivered_at END
    WHERE message_id = $1;`

	selectSignalColumns = `SELECT
        message_id,
        author,
        content,
        raw_timestamp,
        source_server,
        source_channel,
        attachments,
        embeds,
        observed_at,
        ticker,
        entry,
        expiry,
        strike,
        entry_price::text,
        rendered_content,
        delivery_status,
        delivery_detail,
        delivered_at,
        created_at
    FROM processed_signals`

	listSignalsBetweenSQL = selectSignalColumns + `
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentSignalsSQL = selectSignalColumns + `
    ORDER BY observed_at DESC
    LIMIT $1;`

	listProcessedIDsSQL = `SELECT message_id FROM processed_signals;`

	countSignalsSQL = `SELECT COUNT(*) FROM processed_signals;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SignalStore defines operations for relayed signal persistence.
type SignalStore interface {
	InsertSignals(ctx context.Context, signals []message.CanonicalSignal) (int64, error)
	ProcessedIDs(ctx context.Context) ([]string, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]SignalRow, error)
	ListRecent(ctx context.Context, limit int) ([]SignalRow, error)
	Count(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the Postgres copy of relayed signals.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Name identifies the store in mirror logs.
func (s *Store) Name() string { return "postgres" }

// EnsureSchema creates the processed_signals table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	// The lock lives on this session, so the connection stays checked out
	// until unlock.
	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSignals stores signals in one batch. Rows that already exist are left
// untouched. It returns the number of rows inserted.
func (s *Store) InsertSignals(ctx context.Context, signals []message.CanonicalSignal) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(signals) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, sig := range signals {
		args, err := insertArgs(RowFromSignal(sig))
		if err != nil {
			return 0, err
		}
		batch.Queue(insertSignalSQL, args...)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range signals {
		tag, execErr := results.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("insert signal: %w", execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// RecordProcessed implements the fingerprint mirror contract.
func (s *Store) RecordProcessed(ctx context.Context, signals []message.CanonicalSignal) error {
	_, err := s.InsertSignals(ctx, signals)
	return err
}

// RecordDelivery stores the delivery outcome of a signal.
func (s *Store) RecordDelivery(ctx context.Context, sig message.CanonicalSignal, detail string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var detailArg interface{}
	if detail != "" {
		detailArg = detail
	}
	if _, execErr := pool.Exec(ctx, updateDeliverySQL, sig.ID, string(sig.Status), detailArg); execErr != nil {
		return fmt.Errorf("record delivery: %w", execErr)
	}
	return nil
}

// ProcessedIDs lists every stored message id.
func (s *Store) ProcessedIDs(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProcessedIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list processed ids: %w", queryErr)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan processed ids: %w", err)
	}
	return ids, nil
}

// ListBetween lists signals observed within a time window.
func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]SignalRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSignalsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list signals between: %w", queryErr)
	}
	return collectSignals(rows, 0)
}

// ListRecent lists the most recent signals, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]SignalRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSignalsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent signals: %w", queryErr)
	}
	return collectSignals(rows, limit)
}

// Count counts stored signals.
func (s *Store) Count(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSignalsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count signals: %w", scanErr)
	}
	return count, nil
}

func insertArgs(row SignalRow) ([]interface{}, error) {
	attachments, err := json.Marshal(nonNil(row.Attachments))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	embeds, err := json.Marshal(nonNil(row.Embeds))
	if err != nil {
		return nil, fmt.Errorf("encode embeds: %w", err)
	}

	var entryPrice interface{}
	if row.EntryPrice.Valid {
		entryPrice = row.EntryPrice.Decimal.String()
	}
	observed := row.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	return []interface{}{
		row.MessageID,
		row.Author,
		row.Content,
		row.RawTimestamp,
		row.SourceServer,
		row.SourceChannel,
		attachments,
		embeds,
		observed,
		row.Ticker,
		row.Entry,
		row.Expiry,
		row.Strike,
		entryPrice,
		row.RenderedContent,
		string(row.DeliveryStatus),
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func collectSignals(rows pgx.Rows, capacity int) ([]SignalRow, error) {
	defer rows.Close()

	out := make([]SignalRow, 0, capacity)
	for rows.Next() {
		row, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSignal(rows pgx.Rows) (SignalRow, error) {
	var (
		row         SignalRow
		attachments []byte
		embeds      []byte
		entryPrice  sql.NullString
		status      string
		detail      sql.NullString
		deliveredAt sql.NullTime
	)

	if err := rows.Scan(
		&row.MessageID,
		&row.Author,
		&row.Content,
		&row.RawTimestamp,
		&row.SourceServer,
		&row.SourceChannel,
		&attachments,
		&embeds,
		&row.ObservedAt,
		&row.Ticker,
		&row.Entry,
		&row.Expiry,
		&row.Strike,
		&entryPrice,
		&row.RenderedContent,
		&status,
		&detail,
		&deliveredAt,
		&row.CreatedAt,
	); err != nil {
		return SignalRow{}, err
	}

	if err := json.Unmarshal(attachments, &row.Attachments); err != nil {
		return SignalRow{}, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(embeds, &row.Embeds); err != nil {
		return SignalRow{}, fmt.Errorf("decode embeds: %w", err)
	}
	if entryPrice.Valid {
		d, err := decimal.NewFromString(entryPrice.String)
		if err != nil {
			return SignalRow{}, fmt.Errorf("parse entry price: %w", err)
		}
		row.EntryPrice = decimal.NewNullDecimal(d)
	}
	row.DeliveryStatus = message.Status(status)
	if detail.Valid {
		row.DeliveryDetail = &detail.String
	}
	if deliveredAt.Valid {
		row.DeliveredAt = &deliveredAt.Time
	}
	return row, nil
}
