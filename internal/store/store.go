package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/resilience"
)

// Store is the persistence interface for property documents, the dead
// letter queue, and the durable LLM response cache. Backed by SQLite for
// single-machine runs and Postgres for shared deployments.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Properties. SaveProperty upserts on property_id; FindPropertyByID
	// returns (nil, nil) when no document exists.
	SaveProperty(ctx context.Context, p model.PropertyDetails) error
	BulkSaveProperties(ctx context.Context, props []model.PropertyDetails) (int, error)
	FindPropertyByID(ctx context.Context, propertyID string) (*model.PropertyDetails, error)
	CountProperties(ctx context.Context) (int, error)

	// Dead letter queue.
	EnqueueDLQ(ctx context.Context, item model.DLQItem) error
	ListDLQ(ctx context.Context, limit int) ([]model.DLQItem, error)
	DeleteDLQ(ctx context.Context, id string) error
	PurgeDLQ(ctx context.Context) (int, error)
	CountDLQ(ctx context.Context) (int, error)

	// Durable LLM cache entries, keyed by the cache package's derived keys.
	GetCacheEntry(ctx context.Context, key string) ([]byte, bool, error)
	SetCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	DeleteCacheEntry(ctx context.Context, key string) error
	ClearCache(ctx context.Context) error
	CacheStats(ctx context.Context) (entries int, bytes int64, err error)
}

// Open constructs the Store named by the config driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "property.db"
		}
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// dlqAdapter exposes a Store as the resilience package's DLQ.
type dlqAdapter struct {
	st Store
}

// NewDLQ wraps st so the resilience recoverer can persist failed requests.
func NewDLQ(st Store) resilience.DLQ {
	return dlqAdapter{st: st}
}

func (d dlqAdapter) Enqueue(ctx context.Context, item model.DLQItem) error {
	if err := d.st.EnqueueDLQ(ctx, item); err != nil {
		return err
	}
	d.refreshDepth(ctx)
	return nil
}

func (d dlqAdapter) List(ctx context.Context, limit int) ([]model.DLQItem, error) {
	return d.st.ListDLQ(ctx, limit)
}

func (d dlqAdapter) Delete(ctx context.Context, id string) error {
	if err := d.st.DeleteDLQ(ctx, id); err != nil {
		return err
	}
	d.refreshDepth(ctx)
	return nil
}

func (d dlqAdapter) Purge(ctx context.Context) (int, error) {
	n, err := d.st.PurgeDLQ(ctx)
	if err == nil {
		metrics.DLQDepth.Set(0)
	}
	return n, err
}

func (d dlqAdapter) refreshDepth(ctx context.Context) {
	if n, err := d.st.CountDLQ(ctx); err == nil {
		metrics.DLQDepth.Set(float64(n))
	}
}

func (d dlqAdapter) Count(ctx context.Context) (int, error) {
	return d.st.CountDLQ(ctx)
}

// cacheBackend exposes a Store as a remote cache backend, so cached model
// responses survive process restarts. Byte caps and LRU pressure are the
// in-memory tier's concern; the durable tier only honors expiry.
type cacheBackend struct {
	st Store
}

// NewCacheBackend wraps st as a cache.Backend.
func NewCacheBackend(st Store) cache.Backend {
	return cacheBackend{st: st}
}

func (b cacheBackend) Ping(ctx context.Context) error {
	return b.st.Ping(ctx)
}

func (b cacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.st.GetCacheEntry(ctx, key)
}

func (b cacheBackend) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	if err := b.st.SetCacheEntry(ctx, key, value, expiresAt); err != nil {
		return false, err
	}
	return true, nil
}

func (b cacheBackend) Delete(ctx context.Context, key string) error {
	return b.st.DeleteCacheEntry(ctx, key)
}

func (b cacheBackend) Clear(ctx context.Context) error {
	return b.st.ClearCache(ctx)
}

func (b cacheBackend) Stats(ctx context.Context) (int, int64, int64, error) {
	entries, bytes, err := b.st.CacheStats(ctx)
	return entries, bytes, 0, err
}
