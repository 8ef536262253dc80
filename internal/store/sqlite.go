package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	property_id TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	zip         TEXT,
	price       REAL,
	document    TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_properties_source ON properties(source);
CREATE INDEX IF NOT EXISTS idx_properties_zip ON properties(zip);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY,
	request       TEXT NOT NULL,
	error_message TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	failed_at     DATETIME NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dead_letter_queue(failed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);

CREATE TABLE IF NOT EXISTS llm_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	stored_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_cache_expires_at ON llm_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveProperty(ctx context.Context, p model.PropertyDetails) error {
	if p.PropertyID == "" {
		return eris.New("sqlite: property_id is required")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal property")
	}

	now := s.nowFunc().UTC()
	var price any
	if p.Price != nil {
		price = *p.Price
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO properties (property_id, source, zip, price, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(property_id) DO UPDATE SET
		   source = excluded.source, zip = excluded.zip, price = excluded.price,
		   document = excluded.document, updated_at = excluded.updated_at`,
		p.PropertyID, string(p.Source), p.Address.Zip, price, string(doc), now, now,
	)
	return eris.Wrapf(err, "sqlite: save property %s", p.PropertyID)
}

func (s *SQLiteStore) BulkSaveProperties(ctx context.Context, props []model.PropertyDetails) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk save")
	}
	defer tx.Rollback()

	now := s.nowFunc().UTC()
	saved := 0
	for _, p := range props {
		if p.PropertyID == "" {
			continue
		}
		doc, err := json.Marshal(p)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal property")
		}
		var price any
		if p.Price != nil {
			price = *p.Price
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO properties (property_id, source, zip, price, document, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(property_id) DO UPDATE SET
			   source = excluded.source, zip = excluded.zip, price = excluded.price,
			   document = excluded.document, updated_at = excluded.updated_at`,
			p.PropertyID, string(p.Source), p.Address.Zip, price, string(doc), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: bulk save property %s", p.PropertyID)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit bulk save")
	}
	return saved, nil
}

func (s *SQLiteStore) FindPropertyByID(ctx context.Context, propertyID string) (*model.PropertyDetails, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM properties WHERE property_id = ?`,
		propertyID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find property %s", propertyID)
	}

	var p model.PropertyDetails
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal property %s", propertyID)
	}
	return &p, nil
}

func (s *SQLiteStore) CountProperties(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count properties")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, item model.DLQItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	reqJSON, err := json.Marshal(item.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, request, error_message, error_type, failed_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   error_message = excluded.error_message, error_type = excluded.error_type,
		   failed_at = excluded.failed_at, attempts = excluded.attempts`,
		item.ID, string(reqJSON), item.ErrorMessage, item.ErrorType, item.FailedAt.UTC(), item.Attempts,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, limit int) ([]model.DLQItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request, error_message, error_type, failed_at, attempts
		 FROM dead_letter_queue ORDER BY failed_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var items []model.DLQItem
	for rows.Next() {
		var item model.DLQItem
		var reqJSON string
		if err := rows.Scan(&item.ID, &reqJSON, &item.ErrorMessage, &item.ErrorType, &item.FailedAt, &item.Attempts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq item")
		}
		if err := json.Unmarshal([]byte(reqJSON), &item.Request); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq request")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dlq %s", id)
	}
	return checkRowsAffected(res, "dlq_item", id)
}

func (s *SQLiteStore) PurgeDLQ(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge dlq")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: purge dlq rows affected")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM llm_cache WHERE key = ? AND expires_at > ?`,
		key, s.nowFunc().UTC(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get cache entry")
	}
	return value, true, nil
}

func (s *SQLiteStore) SetCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_cache (key, value, stored_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value, stored_at = excluded.stored_at, expires_at = excluded.expires_at`,
		key, value, s.nowFunc().UTC(), expiresAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: set cache entry")
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM llm_cache WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM llm_cache`)
	return eris.Wrap(err, "sqlite: clear cache")
}

func (s *SQLiteStore) CacheStats(ctx context.Context) (int, int64, error) {
	var entries int
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM llm_cache WHERE expires_at > ?`,
		s.nowFunc().UTC(),
	).Scan(&entries, &bytes)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: cache stats")
	}
	return entries, bytes.Int64, nil
}

// DeleteExpiredCacheEntries removes entries past their expiry. Run
// opportunistically from the CLI cache commands.
func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM llm_cache WHERE expires_at <= ?`, s.nowFunc().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: delete expired rows affected")
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
