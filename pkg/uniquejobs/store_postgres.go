package uniquejobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

const (
	defaultPostgresLockTable       = "uniquejobs_locks"
	defaultPostgresOperationTimout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures lock records kept as Postgres rows.
type PostgresStoreConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresOperationTimout
	}
}

// PostgresStore keeps one row per digest. Expired rows are overwritten in place by the next
// CreateIfAbsent and are invisible to Get and DeleteIfEquals. A NULL expires_at never expires.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStoreConfig
}

// NewPostgresStore opens the database, verifies connectivity and creates the lock table.
func NewPostgresStore(cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, uniqueError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, uniqueError(ErrValidation, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(uniqueError(ErrRetryable, "ping postgres failed"), err)
	}

	store := &PostgresStore{db: db, log: log, config: cfg}
	if err := store.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, uniqueError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, uniqueError(ErrValidation, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table))
	}
	return &PostgresStore{db: db, log: log, config: cfg}, nil
}

// CreateIfAbsent inserts the row, or takes over an expired one, in a single statement.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || value == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and value are required")
	}

	var ttlMillis int64
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %s(lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN NOW() + $3::bigint * INTERVAL '1 millisecond' END, NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, s.config.Table, s.config.Table, s.config.Table)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	var created bool
	if err := s.db.QueryRowContext(opCtx, query, key, value, ttlMillis).Scan(&created); err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "create lock record failed"), err)
	}
	return created, nil
}

// DeleteIfEquals deletes the live row when its token matches.
func (s *PostgresStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || expected == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and expected value are required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND token=$2 AND (expires_at IS NULL OR expires_at > NOW())`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, key, expected)
	if err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "delete lock record failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get returns the token of the live row.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, uniqueError(ErrInvalidArgument, "lock key is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT token FROM %s WHERE lock_key=$1 AND (expires_at IS NULL OR expires_at > NOW())`, s.config.Table)
	var token string
	err := s.db.QueryRowContext(opCtx, query, key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Join(uniqueError(ErrRetryable, "read lock record failed"), err)
	}
	return token, true, nil
}

// PurgeExpired removes rows whose TTL elapsed and returns how many were deleted.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(uniqueError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.config.Table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) ensureReady() error {
	if s == nil || s.db == nil {
		return uniqueError(ErrNotInitialized, "postgres store is not initialized")
	}
	return nil
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
