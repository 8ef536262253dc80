package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_SaveProperty_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := sampleProperty("phoenix_mls:12345:85014")
	mock.ExpectExec(`INSERT INTO properties`).
		WithArgs(p.PropertyID, "phoenix_mls", "85014", 450000.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveProperty(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProperty_RequiresID(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.SaveProperty(context.Background(), model.PropertyDetails{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "property_id")
}

func TestPostgresStore_FindProperty_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.FindPropertyByID(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindProperty_UnmarshalsDocument(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := sampleProperty("phoenix_mls:12345:85014")
	doc, err := json.Marshal(p)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT document FROM properties WHERE property_id = \$1`).
		WithArgs(p.PropertyID).
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := s.FindPropertyByID(context.Background(), p.PropertyID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Phoenix", got.Address.City)
	require.NotNil(t, got.Price)
	assert.Equal(t, 450000.0, *got.Price)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BulkSaveProperties(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	props := []model.PropertyDetails{
		sampleProperty("phoenix_mls:111:85014"),
		sampleProperty("phoenix_mls:222:85014"),
	}
	for range props {
		mock.ExpectExec(`INSERT INTO properties`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	saved, err := s.BulkSaveProperties(context.Background(), props)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQ_Enqueue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	item := sampleDLQItem("dlq-1")
	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("dlq-1", pgxmock.AnyArg(), item.ErrorMessage, item.ErrorType,
			pgxmock.AnyArg(), item.Attempts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.EnqueueDLQ(context.Background(), item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQ_List(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	item := sampleDLQItem("dlq-1")
	reqJSON, err := json.Marshal(item.Request)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, request, error_message, error_type, failed_at, attempts`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "request", "error_message", "error_type", "failed_at", "attempts"}).
			AddRow("dlq-1", reqJSON, item.ErrorMessage, item.ErrorType, item.FailedAt, item.Attempts))

	items, err := s.ListDLQ(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "data_error", items[0].ErrorType)
	assert.Equal(t, model.SourcePhoenixMLS, items[0].Request.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQ_DeleteMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue WHERE id = \$1`).
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.DeleteDLQ(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQ_Purge(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	purged, err := s.PurgeDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cache_GetNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM llm_cache`).
		WithArgs("llm:extraction:missing").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.GetCacheEntry(context.Background(), "llm:extraction:missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cache_SetUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO llm_cache`).
		WithArgs("llm:extraction:abc", []byte("value"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetCacheEntry(context.Background(), "llm:extraction:abc", []byte("value"), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS properties`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
