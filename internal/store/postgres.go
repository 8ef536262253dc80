package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"save_property": `INSERT INTO properties (property_id, source, zip, price, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (property_id) DO UPDATE SET
		  source = $2, zip = $3, price = $4, document = $5, updated_at = $7`,
	"find_property":   `SELECT document FROM properties WHERE property_id = $1`,
	"get_cache_entry": `SELECT value FROM llm_cache WHERE key = $1 AND expires_at > now()`,
	"set_cache_entry": `INSERT INTO llm_cache (key, value, stored_at, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = $2, stored_at = $3, expires_at = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	property_id TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	zip         TEXT,
	price       DOUBLE PRECISION,
	document    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_properties_source ON properties(source);
CREATE INDEX IF NOT EXISTS idx_properties_zip ON properties(zip);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request       JSONB NOT NULL,
	error_message TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dead_letter_queue(failed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);

CREATE TABLE IF NOT EXISTS llm_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_cache_expires_at ON llm_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveProperty(ctx context.Context, p model.PropertyDetails) error {
	if p.PropertyID == "" {
		return eris.New("postgres: property_id is required")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal property")
	}

	now := time.Now().UTC()
	var price any
	if p.Price != nil {
		price = *p.Price
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO properties (property_id, source, zip, price, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (property_id) DO UPDATE SET
		   source = $2, zip = $3, price = $4, document = $5, updated_at = $7`,
		p.PropertyID, string(p.Source), p.Address.Zip, price, doc, now, now,
	)
	return eris.Wrapf(err, "postgres: save property %s", p.PropertyID)
}

func (s *PostgresStore) BulkSaveProperties(ctx context.Context, props []model.PropertyDetails) (int, error) {
	saved := 0
	for _, p := range props {
		if p.PropertyID == "" {
			continue
		}
		if err := s.SaveProperty(ctx, p); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

func (s *PostgresStore) FindPropertyByID(ctx context.Context, propertyID string) (*model.PropertyDetails, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM properties WHERE property_id = $1`,
		propertyID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find property %s", propertyID)
	}

	var p model.PropertyDetails
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal property %s", propertyID)
	}
	return &p, nil
}

func (s *PostgresStore) CountProperties(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM properties`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count properties")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, item model.DLQItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	reqJSON, err := json.Marshal(item.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, request, error_message, error_type, failed_at, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   error_message = $3, error_type = $4, failed_at = $5, attempts = $6`,
		item.ID, reqJSON, item.ErrorMessage, item.ErrorType, item.FailedAt.UTC(), item.Attempts,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]model.DLQItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, request, error_message, error_type, failed_at, attempts
		 FROM dead_letter_queue ORDER BY failed_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var items []model.DLQItem
	for rows.Next() {
		var item model.DLQItem
		var reqJSON []byte
		if err := rows.Scan(&item.ID, &reqJSON, &item.ErrorMessage, &item.ErrorType, &item.FailedAt, &item.Attempts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq item")
		}
		if err := json.Unmarshal(reqJSON, &item.Request); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq request")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_item not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) PurgeDLQ(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge dlq")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM llm_cache WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "postgres: get cache entry")
	}
	return value, true, nil
}

func (s *PostgresStore) SetCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_cache (key, value, stored_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = $2, stored_at = $3, expires_at = $4`,
		key, value, time.Now().UTC(), expiresAt.UTC(),
	)
	return eris.Wrap(err, "postgres: set cache entry")
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM llm_cache WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) ClearCache(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM llm_cache`)
	return eris.Wrap(err, "postgres: clear cache")
}

func (s *PostgresStore) CacheStats(ctx context.Context) (int, int64, error) {
	var entries int
	var bytes int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM llm_cache WHERE expires_at > now()`,
	).Scan(&entries, &bytes)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: cache stats")
	}
	return entries, bytes, nil
}
