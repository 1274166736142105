package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/fingerprint"
)

// fingerprintIndex is the partial unique index over (size_bytes, content_digest) of active rows.
const fingerprintIndex = "files_fingerprint_active_key"

const selectColumns = `id, original_name, size_bytes, content_digest, content_category, mime_type,
	owner_id, storage_key, backup_url, remote_url, uploaded_at, is_deleted`

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles all file metadata database operations.
type Repository struct {
	db DB
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// SortField selects the listing order.
type SortField string

const (
	SortByName       SortField = "name"
	SortBySize       SortField = "size"
	SortByUploadTime SortField = "uploadTime"
)

var sortColumns = map[SortField]string{
	SortByName:       "original_name",
	SortBySize:       "size_bytes",
	SortByUploadTime: "uploaded_at",
}

// ListQuery selects one page of an owner's records.
type ListQuery struct {
	OwnerID        string
	Offset         int
	Limit          int
	Sort           SortField
	Desc           bool
	IncludeDeleted bool
}

// FindByFingerprint returns the record holding the given content. Missing records fail
// with apperr.ErrNotFound.
func (r *Repository) FindByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, includeDeleted bool) (*Record, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM files
		 WHERE size_bytes = $1 AND content_digest = $2 AND ($3 OR is_deleted = false)
		 ORDER BY is_deleted ASC, uploaded_at ASC
		 LIMIT 1`,
		fp.Size, fp.Digest, includeDeleted,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("find file by fingerprint: %w", err)
	}
	return rec, nil
}

// FindByID fetches a record by id.
func (r *Repository) FindByID(ctx context.Context, id string, includeDeleted bool) (*Record, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM files
		 WHERE id = $1 AND ($2 OR is_deleted = false)`,
		id, includeDeleted,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("find file by id: %w", err)
	}
	return rec, nil
}

// FindByIDAndOwner fetches a record by id that belongs to ownerID.
func (r *Repository) FindByIDAndOwner(ctx context.Context, id, ownerID string, includeDeleted bool) (*Record, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM files
		 WHERE id = $1 AND owner_id = $2 AND ($3 OR is_deleted = false)`,
		id, ownerID, includeDeleted,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("find file by id and owner: %w", err)
	}
	return rec, nil
}

// Add inserts rec and returns the stored record. When another active record already holds
// the same fingerprint, the insert loses and that record is returned instead; callers detect
// this by comparing ids.
func (r *Repository) Add(ctx context.Context, rec *Record) (*Record, error) {
	s := rec.Snapshot()
	_, err := r.db.Exec(ctx,
		`INSERT INTO files (id, original_name, size_bytes, content_digest, content_category, mime_type,
		                    owner_id, storage_key, backup_url, remote_url, uploaded_at, is_deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.OriginalName, s.SizeBytes, s.Digest, string(s.Category), s.MIMEType,
		s.OwnerID, s.StorageKey, nullable(s.BackupURL), nullable(s.RemoteURL), s.UploadedAt, s.Deleted,
	)
	if err == nil {
		return rec, nil
	}
	if !isFingerprintViolation(err) {
		return nil, fmt.Errorf("add file: %w", err)
	}

	winner, ferr := r.FindByFingerprint(ctx, rec.Fingerprint(), false)
	if ferr != nil {
		return nil, fmt.Errorf("add file: resolve fingerprint conflict: %w", ferr)
	}
	return winner, nil
}

// Update writes the mutable fields of rec.
func (r *Repository) Update(ctx context.Context, rec *Record) error {
	s := rec.Snapshot()
	tag, err := r.db.Exec(ctx,
		`UPDATE files
		 SET storage_key = $2, backup_url = $3, remote_url = $4, is_deleted = $5
		 WHERE id = $1`,
		s.ID, s.StorageKey, nullable(s.BackupURL), nullable(s.RemoteURL), s.Deleted,
	)
	if err != nil {
		if isFingerprintViolation(err) {
			return apperr.ErrConflict.New("another active file has the same content")
		}
		return fmt.Errorf("update file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound.New("file %s", s.ID)
	}
	return nil
}

// SoftDelete marks the active record (id, ownerID) deleted. It reports false when no such
// active record exists.
func (r *Repository) SoftDelete(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET is_deleted = true
		 WHERE id = $1 AND owner_id = $2 AND is_deleted = false`,
		id, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete file: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByOwner returns one page of records and the total number of matching records.
func (r *Repository) ListByOwner(ctx context.Context, q ListQuery) ([]*Record, int, error) {
	col, ok := sortColumns[q.Sort]
	if !ok {
		col = sortColumns[SortByUploadTime]
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	var total int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM files WHERE owner_id = $1 AND ($2 OR is_deleted = false)`,
		q.OwnerID, q.IncludeDeleted,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	// col and dir come from fixed sets above.
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM files
		 WHERE owner_id = $1 AND ($2 OR is_deleted = false)
		 ORDER BY `+col+` `+dir+`, id `+dir+`
		 LIMIT $3 OFFSET $4`,
		q.OwnerID, q.IncludeDeleted, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list files: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	return out, total, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		s         Snapshot
		category  string
		backupURL *string
		remoteURL *string
		uploaded  time.Time
	)
	err := row.Scan(&s.ID, &s.OriginalName, &s.SizeBytes, &s.Digest, &category, &s.MIMEType,
		&s.OwnerID, &s.StorageKey, &backupURL, &remoteURL, &uploaded, &s.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound.New("file")
	}
	if err != nil {
		return nil, err
	}

	s.Category = Category(category)
	s.UploadedAt = uploaded
	if backupURL != nil {
		s.BackupURL = *backupURL
	}
	if remoteURL != nil {
		s.RemoteURL = *remoteURL
	}
	return FromSnapshot(s)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isFingerprintViolation checks whether an error is a PostgreSQL unique_violation (code 23505)
// on the fingerprint index.
func isFingerprintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == fingerprintIndex
}
