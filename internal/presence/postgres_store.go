package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresKVTableName       = "shesafe_kv"
	postgresListTableName     = "shesafe_list"
	postgresOperationTimeout  = 5 * time.Second
	postgresDefaultListLimit  = 1000
	postgresCleanupBatchLimit = 1000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps values in shesafe_kv and capped lists in shesafe_list.
// GetAndDelete is a single DELETE ... RETURNING statement, so concurrent
// redeemers of the same token resolve to exactly one winner inside postgres.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		kvQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				expires_at TIMESTAMPTZ
			)`, postgresQuoteIdentifier(postgresKVTableName))
		if _, err := db.ExecContext(ctx, kvQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		listQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				list_key TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresListTableName))
		if _, err := db.ExecContext(ctx, listQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (list_key, id DESC)",
			postgresQuoteIdentifier(postgresListTableName+"_key_id_idx"),
			postgresQuoteIdentifier(postgresListTableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		expiryIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (expires_at) WHERE expires_at IS NOT NULL",
			postgresQuoteIdentifier(postgresKVTableName+"_expires_idx"),
			postgresQuoteIdentifier(postgresKVTableName),
		)
		if _, err := db.ExecContext(ctx, expiryIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())",
		postgresQuoteIdentifier(postgresKVTableName),
	)
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	return s.setWithExpiry(ctx, key, value, nil)
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: non-positive ttl", ErrInvalidInput)
	}
	expiresAt := time.Now().UTC().Add(ttl)
	return s.setWithExpiry(ctx, key, value, &expiresAt)
}

func (s *PostgresStore) setWithExpiry(ctx context.Context, key, value string, expiresAt *time.Time) error {
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		postgresQuoteIdentifier(postgresKVTableName))
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if expiresAt != nil {
		s.cleanupExpired(ctx)
	}
	return nil
}

// cleanupExpired purges rows whose TTL has lapsed. Get and GetAndDelete filter
// on expires_at, so this is housekeeping only; it runs on each TTL write and
// failures are ignored.
func (s *PostgresStore) cleanupExpired(ctx context.Context) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE ctid IN (
			SELECT ctid FROM %s
			WHERE expires_at IS NOT NULL AND expires_at <= NOW()
			LIMIT $1
		)`,
		postgresQuoteIdentifier(postgresKVTableName),
		postgresQuoteIdentifier(postgresKVTableName))
	_, _ = s.db.ExecContext(ctx, query, postgresCleanupBatchLimit)
}

func (s *PostgresStore) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING value`, postgresQuoteIdentifier(postgresKVTableName))
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return value, true, nil
}

func (s *PostgresStore) PushCapped(ctx context.Context, listKey, value string, cap int) error {
	if cap <= 0 {
		return fmt.Errorf("%w: non-positive cap", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (list_key, value) VALUES ($1, $2)",
		postgresQuoteIdentifier(postgresListTableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, listKey, value); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	trimQuery := fmt.Sprintf(`
		DELETE FROM %s
		WHERE list_key = $1 AND id NOT IN (
			SELECT id FROM %s WHERE list_key = $1 ORDER BY id DESC LIMIT $2
		)`,
		postgresQuoteIdentifier(postgresListTableName),
		postgresQuoteIdentifier(postgresListTableName))
	if _, err := tx.ExecContext(ctx, trimQuery, listKey, cap); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) ListRange(ctx context.Context, listKey string, limit int) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if limit <= 0 {
		limit = postgresDefaultListLimit
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT value FROM %s WHERE list_key = $1 ORDER BY id DESC LIMIT $2",
		postgresQuoteIdentifier(postgresListTableName),
	)
	rows, err := s.db.QueryContext(ctx, query, listKey, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	items := make([]string, 0, limit)
	for rows.Next() {
		var value string
		if scanErr := rows.Scan(&value); scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, scanErr)
		}
		items = append(items, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
