package file

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/fingerprint"
)

var columns = []string{
	"id", "original_name", "size_bytes", "content_digest", "content_category", "mime_type",
	"owner_id", "storage_key", "backup_url", "remote_url", "uploaded_at", "is_deleted",
}

const (
	testDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	testKey    = "2024/01/15/b94d27b9/20240115_143022_a1b2c3d4.mp3"
)

func strPtr(s string) *string { return &s }

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func addRow(rows *pgxmock.Rows, id string, deleted bool) *pgxmock.Rows {
	return rows.AddRow(id, "song.mp3", int64(11), testDigest, "Audio", "audio/mpeg",
		"owner-1", testKey, strPtr("http://localhost:8080/files/"+testKey), (*string)(nil),
		time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC), deleted)
}

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	rec, err := New(NewParams{
		OriginalName: "song.mp3",
		Fingerprint:  fingerprint.Fingerprint{Size: 11, Digest: testDigest},
		MIMEType:     "audio/mpeg",
		OwnerID:      "owner-1",
		StorageKey:   testKey,
		UploadedAt:   time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, rec.SetBackupURL("http://localhost:8080/files/"+testKey))
	return rec
}

func TestRepositoryFindByFingerprint(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	fp := fingerprint.Fingerprint{Size: 11, Digest: testDigest}

	mock.ExpectQuery(q("size_bytes = $1 AND content_digest = $2 AND ($3 OR is_deleted = false)")).
		WithArgs(int64(11), testDigest, false).
		WillReturnRows(addRow(pgxmock.NewRows(columns), "11111111-1111-4111-8111-111111111111", false))

	rec, err := repo.FindByFingerprint(ctx, fp, false)
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", rec.ID())
	assert.Equal(t, CategoryAudio, rec.Category())
	assert.Equal(t, "http://localhost:8080/files/"+testKey, rec.BackupURL())
	assert.Empty(t, rec.RemoteURL())
	assert.False(t, rec.IsDeleted())

	mock.ExpectQuery(q("size_bytes = $1 AND content_digest = $2")).
		WithArgs(int64(11), testDigest, false).
		WillReturnRows(pgxmock.NewRows(columns))

	_, err = repo.FindByFingerprint(ctx, fp, false)
	require.Error(t, err)
	assert.True(t, apperr.ErrNotFound.Has(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindByIDAndOwner(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := "22222222-2222-4222-8222-222222222222"

	mock.ExpectQuery(q("WHERE id = $1 AND owner_id = $2 AND ($3 OR is_deleted = false)")).
		WithArgs(id, "owner-1", true).
		WillReturnRows(addRow(pgxmock.NewRows(columns), id, true))

	rec, err := repo.FindByIDAndOwner(context.Background(), id, "owner-1", true)
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted())

	mock.ExpectQuery(q("WHERE id = $1 AND ($2 OR is_deleted = false)")).
		WithArgs(id, false).
		WillReturnError(errors.New("connection reset"))

	_, err = repo.FindByID(context.Background(), id, false)
	require.Error(t, err)
	assert.False(t, apperr.ErrNotFound.Has(err), "driver errors are not reported as missing")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAdd(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := newTestRecord(t)

	mock.ExpectExec(q("INSERT INTO files")).
		WithArgs(rec.ID(), "song.mp3", int64(11), testDigest, "Audio", "audio/mpeg",
			"owner-1", testKey, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	stored, err := repo.Add(context.Background(), rec)
	require.NoError(t, err)
	assert.Same(t, rec, stored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAddResolvesFingerprintViolation(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := newTestRecord(t)
	winnerID := "33333333-3333-4333-8333-333333333333"

	mock.ExpectExec(q("INSERT INTO files")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: fingerprintIndex})
	mock.ExpectQuery(q("size_bytes = $1 AND content_digest = $2")).
		WithArgs(int64(11), testDigest, false).
		WillReturnRows(addRow(pgxmock.NewRows(columns), winnerID, false))

	stored, err := repo.Add(context.Background(), rec)
	require.NoError(t, err, "the violation is not surfaced")
	assert.Equal(t, winnerID, stored.ID())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAddOtherViolation(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := newTestRecord(t)

	mock.ExpectExec(q("INSERT INTO files")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "files_pkey"})

	_, err := repo.Add(context.Background(), rec)
	require.Error(t, err)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdate(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := newTestRecord(t)

	mock.ExpectExec(q("SET storage_key = $2, backup_url = $3, remote_url = $4, is_deleted = $5")).
		WithArgs(rec.ID(), testKey, pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.Update(context.Background(), rec))

	mock.ExpectExec(q("SET storage_key = $2")).
		WithArgs(rec.ID(), testKey, pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: fingerprintIndex})
	err := repo.Update(context.Background(), rec)
	assert.True(t, apperr.ErrConflict.Has(err))

	mock.ExpectExec(q("SET storage_key = $2")).
		WithArgs(rec.ID(), testKey, pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = repo.Update(context.Background(), rec)
	assert.True(t, apperr.ErrNotFound.Has(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySoftDelete(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := "44444444-4444-4444-8444-444444444444"

	mock.ExpectExec(q("UPDATE files SET is_deleted = true")).
		WithArgs(id, "owner-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := repo.SoftDelete(context.Background(), id, "owner-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q("UPDATE files SET is_deleted = true")).
		WithArgs(id, "owner-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = repo.SoftDelete(context.Background(), id, "owner-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListByOwner(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(q("SELECT count(*) FROM files WHERE owner_id = $1")).
		WithArgs("owner-1", false).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	rows := pgxmock.NewRows(columns)
	addRow(rows, "55555555-5555-4555-8555-555555555555", false)
	addRow(rows, "66666666-6666-4666-8666-666666666666", false)
	mock.ExpectQuery(q("ORDER BY original_name ASC, id ASC")).
		WithArgs("owner-1", false, 2, 0).
		WillReturnRows(rows)

	items, total, err := repo.ListByOwner(context.Background(), ListQuery{
		OwnerID: "owner-1", Offset: 0, Limit: 2, Sort: SortByName,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "66666666-6666-4666-8666-666666666666", items[1].ID())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListRejectsUnknownSort(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(q("SELECT count(*)")).
		WithArgs("owner-1", true).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(q("ORDER BY uploaded_at DESC, id DESC")).
		WithArgs("owner-1", true, 20, 40).
		WillReturnRows(pgxmock.NewRows(columns))

	items, total, err := repo.ListByOwner(context.Background(), ListQuery{
		OwnerID: "owner-1", Offset: 40, Limit: 20, Sort: SortField("name; DROP TABLE files"), Desc: true, IncludeDeleted: true,
	})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)

	require.NoError(t, mock.ExpectationsWereMet())
}
