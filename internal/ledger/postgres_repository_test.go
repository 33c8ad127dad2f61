package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/filevault/internal/common"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewPostgresRepository(db)
	require.NoError(t, err)
	return repo, mock
}

func TestPostgresCreateObject(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO stored_objects`)).
		WithArgs("tenant-1", "coach-7", "opq-1", "document", int64(1024), "aaaa", true,
			"document/coach-7/2026/03/opq-1", "/data/opq-1", "", "", "",
			sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))

	id, err := repo.CreateObject(context.Background(), &StoredObject{
		TenantID:   "tenant-1",
		OwnerID:    "coach-7",
		OpaqueName: "opq-1",
		Category:   common.CategoryDocument,
		Size:       1024,
		Hash:       "aaaa",
		Encrypted:  true,
		Key:        "document/coach-7/2026/03/opq-1",
		LocalPath:  "/data/opq-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetObject(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	cols := []string{"id", "tenant_id", "owner_id", "opaque_name", "category", "size",
		"hash", "encrypted", "storage_key", "local_path", "remote_key", "remote_url",
		"cdn_url", "created_at", "deleted_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM stored_objects WHERE id = $1`)).
		WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(17), "tenant-1", "coach-7", "opq-1", "image", int64(2048),
				"bbbb", false, "key", "/data/opq-1", "rk", "https://s3/rk", "", now, nil))

	obj, err := repo.GetObject(context.Background(), 17)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, common.CategoryImage, obj.Category)
	assert.Equal(t, "rk", obj.RemoteKey)
	assert.Nil(t, obj.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetObjectMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM stored_objects WHERE id = $1`)).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	obj, err := repo.GetObject(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertVersionLocksAndNumbers(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM stored_objects WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions`)).
		WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO file_versions`)).
		WithArgs(int64(17), 4, "opq-2", "key-2", "/data/opq-2", "",
			false, int64(512), "cccc", "coach-7", "rev", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectCommit()

	v := &FileVersion{
		ObjectID:   17,
		OpaqueName: "opq-2",
		Key:        "key-2",
		LocalPath:  "/data/opq-2",
		Size:       512,
		Hash:       "cccc",
		CreatedBy:  "coach-7",
		Comment:    "rev",
		CreatedAt:  time.Now(),
	}
	version, err := repo.InsertVersion(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
	assert.Equal(t, int64(31), v.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertVersionRollsBackOnLockFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs(int64(17)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.InsertVersion(context.Background(), &FileVersion{ObjectID: 17})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOldestVersionMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY version ASC LIMIT 1`)).
		WithArgs(int64(17)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	v, err := repo.OldestVersion(context.Background(), 17)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurgeEvents(t *testing.T) {
	repo, mock := newMockRepo(t)
	before := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM audit_events WHERE created_at < $1 AND action IN ($2, $3)`)).
		WithArgs(before, "download", "delete").
		WillReturnResult(sqlmock.NewResult(0, 5))

	purged, err := repo.PurgeEvents(context.Background(), before, []Action{ActionDownload, ActionDelete})
	require.NoError(t, err)
	assert.Equal(t, int64(5), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkObjectDeleted(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE stored_objects SET deleted_at = $2 WHERE id = $1`)).
		WithArgs(int64(17), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkObjectDeleted(context.Background(), 17, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}
