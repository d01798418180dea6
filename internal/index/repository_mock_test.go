package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/article-cache/internal/cacheerr"
)

func newMockIndex(t *testing.T) (*SQLIndex, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	idx := New(sqlx.NewDb(mockDB, "sqlmock"))
	idx.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return idx, mock
}

func TestLookupItemWrapsDriverErrors(t *testing.T) {
	idx, mock := newMockIndex(t)
	mock.ExpectQuery(`SELECT .* FROM cache_items`).
		WithArgs("key", "").
		WillReturnError(errors.New("disk I/O error"))

	item, err := idx.LookupItem(context.Background(), "key", "")
	assert.Nil(t, item)
	assert.True(t, cacheerr.IsStorage(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRollsBackOnFailure(t *testing.T) {
	idx, mock := newMockIndex(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cache_groups`).
		WithArgs("group", int64(1_700_000_000_000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id, group_key, created_at FROM cache_groups`).
		WithArgs("group").
		WillReturnRows(sqlmock.NewRows([]string{"id", "group_key", "created_at"}).AddRow(1, "group", 1_700_000_000_000))
	mock.ExpectQuery(`SELECT .* FROM cache_items`).
		WithArgs(int64(1), "key", "").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, _, err := idx.Record(context.Background(), "group", ItemSpec{URL: "https://example.org/", ItemKey: "key"})
	assert.True(t, cacheerr.IsStorage(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteGroupMissingDoesNotWrap(t *testing.T) {
	idx, mock := newMockIndex(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM cache_groups`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := idx.DeleteGroup(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrGroupNotFound))
	assert.False(t, cacheerr.IsStorage(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBestVariantSingleQuery(t *testing.T) {
	idx, mock := newMockIndex(t)
	rows := sqlmock.NewRows([]string{"id", "group_id", "item_key", "variant", "url", "persisted", "created_at", "updated_at"}).
		AddRow(1, 1, "key", "zh-hans", "https://example.org/a", true, 0, 0).
		AddRow(2, 1, "key", "zh-tw", "https://example.org/a", true, 0, 0)
	mock.ExpectQuery(`SELECT .* FROM cache_items\s+WHERE item_key = \? AND persisted = 1`).
		WithArgs("key").
		WillReturnRows(rows)

	best, err := idx.FindBestVariant(context.Background(), "key", []string{"zh-hant", "zh-tw", "zh-hans"})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "zh-tw", best.Variant)
	require.NoError(t, mock.ExpectationsWereMet())
}
