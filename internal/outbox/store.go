package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/Aman-CERP/indexsync/internal/errors"
)

// Row is one persisted outbox entry.
type Row struct {
	ID           int64   `db:"id"`
	EntityName   string  `db:"entity_name"`
	EntityID     string  `db:"entity_id"`
	EventType    string  `db:"event_type"`
	RoutingKeys  []byte  `db:"routing_keys"`
	Payload      []byte  `db:"payload"`
	Status       string  `db:"status"`
	RetryCount   int     `db:"retry_count"`
	ProcessAfter int64   `db:"process_after"`
	ClaimedBy    *string `db:"claimed_by"`
	ClaimedAt    *int64  `db:"claimed_at"`
	LastError    *string `db:"last_error"`
	CreatedAt    int64   `db:"created_at"`
}

var rowColumns = []string{
	"id", "entity_name", "entity_id", "event_type", "routing_keys", "payload",
	"status", "retry_count", "process_after", "claimed_by", "claimed_at",
	"last_error", "created_at",
}

// Stats summarizes the outbox table.
type Stats struct {
	Pending    int `db:"pending"`
	Processing int `db:"processing"`
	Failed     int `db:"failed"`
	// OldestPending is the age of the oldest pending row, zero when none.
	OldestPending time.Duration
}

// Store owns the outbox table.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithStoreClock replaces time.Now, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Open opens the SQLite database at path and migrates the outbox schema.
// An empty path opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	s := &Store{path: path, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.StorageError(fmt.Sprintf("failed to create directory %s", dir), err)
		}
		dsn = path
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.StorageError("failed to open outbox database", err)
	}
	// Single writer; also keeps one shared in-memory database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.StorageError("failed to set pragma", err)
		}
	}

	if err := migrate(ctx, db, s.logger); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeSchemaVersion, "failed to migrate outbox schema", err).
			WithDetail("path", path)
	}

	s.db = db
	return s, nil
}

// DB returns the underlying database so callers can run their own
// transactions and append events in them.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError("failed to commit transaction", err)
	}
	return nil
}

// Stats counts rows per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(
		sb.As("COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)", "pending"),
		sb.As("COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0)", "processing"),
		sb.As("COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)", "failed"),
	)
	sb.From(TableName)
	query, args := sb.Build()

	var st Stats
	if err := s.db.GetContext(ctx, &st, query, args...); err != nil {
		return Stats{}, errors.StorageError("failed to read outbox stats", err)
	}

	oldest := sqlbuilder.SQLite.NewSelectBuilder()
	oldest.Select("COALESCE(MIN(created_at), 0)")
	oldest.From(TableName)
	oldest.Where(oldest.Equal("status", StatusPending))
	query, args = oldest.Build()

	var created int64
	if err := s.db.GetContext(ctx, &created, query, args...); err != nil {
		return Stats{}, errors.StorageError("failed to read outbox stats", err)
	}
	if created > 0 {
		st.OldestPending = max(0, s.now().Sub(time.UnixMilli(created)))
	}
	return st, nil
}

// Failed lists quarantined rows, oldest first.
func (s *Store) Failed(ctx context.Context, limit int) ([]Row, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(rowColumns...)
	sb.From(TableName)
	sb.Where(sb.Equal("status", StatusFailed))
	sb.OrderBy("id").Asc()
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []Row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.StorageError("failed to list failed outbox rows", err)
	}
	return rows, nil
}

// Requeue moves failed rows back to pending with a fresh retry budget.
// With no ids every failed row is requeued.
func (s *Store) Requeue(ctx context.Context, ids ...int64) (int64, error) {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(TableName)
	ub.Set(
		ub.Assign("status", StatusPending),
		ub.Assign("retry_count", 0),
		ub.Assign("process_after", 0),
		ub.Assign("claimed_by", nil),
		ub.Assign("claimed_at", nil),
	)
	where := []string{ub.Equal("status", StatusFailed)}
	if len(ids) > 0 {
		where = append(where, ub.In("id", int64sToAny(ids)...))
	}
	ub.Where(where...)
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.StorageError("failed to requeue outbox rows", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("outbox_rows_requeued", slog.Int64("rows", n))
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func int64sToAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
