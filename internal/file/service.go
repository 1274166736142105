package file

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/fingerprint"
	"github.com/radif/fileservice/internal/metrics"
	"github.com/radif/fileservice/internal/storage"
	"github.com/radif/fileservice/internal/storagekey"
)

// Store is the metadata persistence used by Service. *Repository implements it.
type Store interface {
	FindByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, includeDeleted bool) (*Record, error)
	FindByID(ctx context.Context, id string, includeDeleted bool) (*Record, error)
	FindByIDAndOwner(ctx context.Context, id, ownerID string, includeDeleted bool) (*Record, error)
	Add(ctx context.Context, rec *Record) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	SoftDelete(ctx context.Context, id, ownerID string) (bool, error)
	ListByOwner(ctx context.Context, q ListQuery) ([]*Record, int, error)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service contains the upload, deletion and restore workflows.
type Service struct {
	store    Store
	backends *storage.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new file Service.
func NewService(store Store, backends *storage.Registry, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		backends: backends,
		logger:   logger.Named("file_service"),
		now:      time.Now,
	}
}

// UploadInput describes one upload. Content must be positioned at its start.
type UploadInput struct {
	Content      io.ReadSeeker
	OriginalName string
	MIMEType     string
	OwnerID      string
	Target       storage.Tag
}

// UploadResult is the outcome of Upload. Duplicate is set when the content was already
// stored and Record is the existing record; nothing was written in that case.
type UploadResult struct {
	Record    *Record
	Duplicate bool
}

// Upload fingerprints the content and, unless identical content is already stored, writes it
// to the target backend and returns a new unsaved record. The record must be saved with
// Persist.
func (s *Service) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if in.Content == nil {
		return UploadResult{}, apperr.ErrInvalidInput.New("content stream is nil")
	}
	if strings.TrimSpace(in.OriginalName) == "" {
		return UploadResult{}, apperr.ErrInvalidInput.New("original name is required")
	}
	if strings.TrimSpace(in.MIMEType) == "" {
		return UploadResult{}, apperr.ErrInvalidInput.New("mime type is required")
	}
	if strings.TrimSpace(in.OwnerID) == "" {
		return UploadResult{}, apperr.ErrInvalidInput.New("owner id is required")
	}
	backend, err := s.backends.Get(in.Target)
	if err != nil {
		return UploadResult{}, err
	}

	fp, err := fingerprint.Compute(in.Content)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(in.Target), "failed").Inc()
		return UploadResult{}, err
	}

	existing, err := s.store.FindByFingerprint(ctx, fp, false)
	switch {
	case err == nil:
		metrics.UploadsTotal.WithLabelValues(string(in.Target), "deduplicated").Inc()
		s.logger.Info("duplicate content, returning existing file",
			zap.String("file_id", existing.ID()),
			zap.String("digest", fp.Digest),
			zap.Int64("size", fp.Size),
		)
		return UploadResult{Record: existing, Duplicate: true}, nil
	case !apperr.ErrNotFound.Has(err):
		return UploadResult{}, fmt.Errorf("dedup lookup: %w", err)
	}

	uploadedAt := s.now().UTC()
	key := storagekey.Generate(fp.Digest, in.OriginalName, uploadedAt)

	if _, err := in.Content.Seek(0, io.SeekStart); err != nil {
		return UploadResult{}, fmt.Errorf("rewind content: %w", err)
	}

	url, err := backend.Save(ctx, key, in.Content, fp.Size, in.MIMEType)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(in.Target), "failed").Inc()
		return UploadResult{}, err
	}

	rec, err := New(NewParams{
		OriginalName: in.OriginalName,
		Fingerprint:  fp,
		MIMEType:     in.MIMEType,
		OwnerID:      in.OwnerID,
		StorageKey:   key,
		UploadedAt:   uploadedAt,
	})
	if err != nil {
		return UploadResult{}, err
	}
	switch in.Target {
	case storage.Backup:
		err = rec.SetBackupURL(url)
	case storage.Public:
		err = rec.SetRemoteURL(url)
	}
	if err != nil {
		return UploadResult{}, err
	}

	metrics.UploadsTotal.WithLabelValues(string(in.Target), "stored").Inc()
	s.logger.Info("file stored",
		zap.String("file_id", rec.ID()),
		zap.String("key", key),
		zap.String("target", string(in.Target)),
		zap.Int64("size", fp.Size),
	)
	return UploadResult{Record: rec, Duplicate: false}, nil
}

// Persist saves a record returned by Upload. If a concurrent upload of the same content was
// saved first, that record is returned with duplicate set, and the object written for rec is
// removed on a best-effort basis.
func (s *Service) Persist(ctx context.Context, rec *Record) (stored *Record, duplicate bool, err error) {
	stored, err = s.store.Add(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if stored.ID() == rec.ID() {
		return stored, false, nil
	}

	metrics.UploadRacesTotal.Inc()
	s.logger.Info("lost fingerprint race, using existing file",
		zap.String("file_id", stored.ID()),
		zap.String("discarded_id", rec.ID()),
	)
	s.removeOrphan(ctx, rec)
	return stored, true, nil
}

func (s *Service) removeOrphan(ctx context.Context, rec *Record) {
	for _, t := range recordTags(rec) {
		b, err := s.backends.Get(t)
		if err != nil {
			continue
		}
		if err := b.Delete(ctx, rec.StorageKey()); err != nil {
			s.logger.Warn("orphaned object left behind",
				zap.String("backend", string(t)),
				zap.String("key", rec.StorageKey()),
				zap.Error(err),
			)
		}
	}
}

func recordTags(rec *Record) []storage.Tag {
	var tags []storage.Tag
	if rec.BackupURL() != "" {
		tags = append(tags, storage.Backup)
	}
	if rec.RemoteURL() != "" {
		tags = append(tags, storage.Public)
	}
	return tags
}

// DeleteResult reports a deletion. Success means the record is now logically deleted; the
// backend flags report whether each physical copy was removed. A backend that held no copy
// counts as removed.
type DeleteResult struct {
	Record        *Record
	Success       bool
	RemoteDeleted bool
	BackupDeleted bool
}

// Message summarizes the result for operators.
func (r DeleteResult) Message() string {
	switch {
	case !r.Success:
		return "file could not be deleted"
	case r.RemoteDeleted && r.BackupDeleted:
		return "file deleted"
	case !r.RemoteDeleted && !r.BackupDeleted:
		return "file deleted; remote and backup copies could not be removed"
	case !r.RemoteDeleted:
		return "file deleted; remote copy could not be removed"
	default:
		return "file deleted; backup copy could not be removed"
	}
}

// Delete removes the physical copies of an owner's file and marks its record deleted. Backend
// failures never stop the metadata update; they are reported in the result. A record that is
// missing, owned by someone else or already deleted fails with apperr.ErrNotFoundOrForbidden.
func (s *Service) Delete(ctx context.Context, id, requesterID string) (DeleteResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return DeleteResult{}, apperr.ErrNotFoundOrForbidden.New("file %s", id)
	}

	rec, err := s.store.FindByIDAndOwner(ctx, id, requesterID, false)
	if err != nil {
		if apperr.ErrNotFound.Has(err) {
			return DeleteResult{}, apperr.ErrNotFoundOrForbidden.New("file %s", id)
		}
		return DeleteResult{}, err
	}

	res := DeleteResult{Record: rec, RemoteDeleted: true, BackupDeleted: true}

	var g errgroup.Group
	if rec.RemoteURL() != "" {
		g.Go(func() error {
			res.RemoteDeleted = s.deleteObject(ctx, storage.Public, rec)
			return nil
		})
	}
	if rec.BackupURL() != "" {
		g.Go(func() error {
			res.BackupDeleted = s.deleteObject(ctx, storage.Backup, rec)
			return nil
		})
	}
	_ = g.Wait()

	// The metadata update runs even if the request was cancelled during the backend calls.
	ok, err := s.store.SoftDelete(context.WithoutCancel(ctx), id, requesterID)
	if err != nil {
		metrics.DeletionsTotal.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("mark file deleted: %w", err)
	}
	if !ok {
		metrics.DeletionsTotal.WithLabelValues("failed").Inc()
		return res, apperr.ErrNotFoundOrForbidden.New("file %s", id)
	}
	res.Success = true
	rec.MarkDeleted()

	outcome := "complete"
	if !res.RemoteDeleted || !res.BackupDeleted {
		outcome = "partial"
	}
	metrics.DeletionsTotal.WithLabelValues(outcome).Inc()

	s.logger.Info("file deleted",
		zap.String("file_id", id),
		zap.String("owner_id", requesterID),
		zap.Bool("remote_deleted", res.RemoteDeleted),
		zap.Bool("backup_deleted", res.BackupDeleted),
	)
	return res, nil
}

func (s *Service) deleteObject(ctx context.Context, t storage.Tag, rec *Record) bool {
	b, err := s.backends.Get(t)
	if err != nil {
		s.logger.Error("no backend for stored copy", zap.String("backend", string(t)), zap.Error(err))
		return false
	}
	if err := b.Delete(ctx, rec.StorageKey()); err != nil {
		s.logger.Warn("physical delete failed",
			zap.String("backend", string(t)),
			zap.String("file_id", rec.ID()),
			zap.String("key", rec.StorageKey()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// RestoreResult reports a restore. Restored is false when the record was already active.
// BackupExists and RemoteExists report whether the referenced backends still hold the object;
// both are false for backends the record does not reference.
type RestoreResult struct {
	Record       *Record
	Restored     bool
	BackupExists bool
	RemoteExists bool
}

// Restore makes a deleted record of the owner active again. It fails with apperr.ErrConflict
// when another active record already holds the same content.
func (s *Service) Restore(ctx context.Context, id, ownerID string) (RestoreResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return RestoreResult{}, apperr.ErrNotFoundOrForbidden.New("file %s", id)
	}

	rec, err := s.store.FindByIDAndOwner(ctx, id, ownerID, true)
	if err != nil {
		if apperr.ErrNotFound.Has(err) {
			return RestoreResult{}, apperr.ErrNotFoundOrForbidden.New("file %s", id)
		}
		return RestoreResult{}, err
	}

	res := RestoreResult{Record: rec}
	if rec.IsDeleted() {
		active, err := s.store.FindByFingerprint(ctx, rec.Fingerprint(), false)
		switch {
		case err == nil && active.ID() != rec.ID():
			return RestoreResult{}, apperr.ErrConflict.New("file %s has the same content as active file %s", id, active.ID())
		case err != nil && !apperr.ErrNotFound.Has(err):
			return RestoreResult{}, fmt.Errorf("restore lookup: %w", err)
		}

		rec.Restore()
		if err := s.store.Update(ctx, rec); err != nil {
			rec.MarkDeleted()
			return RestoreResult{}, err
		}
		res.Restored = true
		s.logger.Info("file restored", zap.String("file_id", id), zap.String("owner_id", ownerID))
	}

	if rec.BackupURL() != "" {
		res.BackupExists = s.objectExists(ctx, storage.Backup, rec)
	}
	if rec.RemoteURL() != "" {
		res.RemoteExists = s.objectExists(ctx, storage.Public, rec)
	}
	return res, nil
}

func (s *Service) objectExists(ctx context.Context, t storage.Tag, rec *Record) bool {
	b, err := s.backends.Get(t)
	if err != nil {
		return false
	}
	ok, err := b.Exists(ctx, rec.StorageKey())
	if err != nil {
		s.logger.Warn("existence check failed",
			zap.String("backend", string(t)),
			zap.String("file_id", rec.ID()),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		s.logger.Warn("stored copy is missing", zap.String("backend", string(t)), zap.String("file_id", rec.ID()))
	}
	return ok
}

// Get returns an active record by id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.ErrNotFound.New("file %s", id)
	}
	return s.store.FindByID(ctx, id, false)
}

// ListParams selects a page of an owner's files. Page starts at 1.
type ListParams struct {
	OwnerID        string
	Page           int
	PageSize       int
	SortBy         string
	Desc           bool
	IncludeDeleted bool
}

// Page is one page of records.
type Page struct {
	Items       []*Record
	TotalCount  int
	Page        int
	PageSize    int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

// ParseSortField maps a sort name to a field; unknown names fall back to upload time.
func ParseSortField(s string) SortField {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "name", "filename":
		return SortByName
	case "size", "filesize":
		return SortBySize
	default:
		return SortByUploadTime
	}
}

// List returns one page of the owner's files.
func (s *Service) List(ctx context.Context, p ListParams) (Page, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return Page{}, apperr.ErrInvalidInput.New("owner id is required")
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	// Keeps Page*PageSize, and with it the offset, within int.
	if lastPage := math.MaxInt / p.PageSize; p.Page > lastPage {
		p.Page = lastPage
	}

	items, total, err := s.store.ListByOwner(ctx, ListQuery{
		OwnerID:        p.OwnerID,
		Offset:         (p.Page - 1) * p.PageSize,
		Limit:          p.PageSize,
		Sort:           ParseSortField(p.SortBy),
		Desc:           p.Desc,
		IncludeDeleted: p.IncludeDeleted,
	})
	if err != nil {
		return Page{}, err
	}

	return Page{
		Items:       items,
		TotalCount:  total,
		Page:        p.Page,
		PageSize:    p.PageSize,
		TotalPages:  (total + p.PageSize - 1) / p.PageSize,
		HasNext:     p.Page*p.PageSize < total,
		HasPrevious: p.Page > 1,
	}, nil
}

// Content is an open file body. The caller must close Body.
type Content struct {
	Record *Record
	Body   io.ReadCloser
}

// Open returns the content of an active file, read from the backup copy when there is one
// and from the public copy otherwise.
func (s *Service) Open(ctx context.Context, id string) (Content, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Content{}, err
	}

	var t storage.Tag
	switch {
	case rec.BackupURL() != "":
		t = storage.Backup
	case rec.RemoteURL() != "":
		t = storage.Public
	default:
		return Content{}, apperr.ErrNotFound.New("file %s has no stored copy", id)
	}

	b, err := s.backends.Get(t)
	if err != nil {
		return Content{}, err
	}
	body, err := b.Fetch(ctx, rec.StorageKey())
	if err != nil {
		return Content{}, err
	}
	return Content{Record: rec, Body: body}, nil
}

// OpenBackupKey opens an object of the backup backend by its storage key. Keys that would
// escape the backend root fail with storage.ErrUnsafeKey.
func (s *Service) OpenBackupKey(ctx context.Context, key string) (io.ReadCloser, error) {
	b, err := s.backends.Get(storage.Backup)
	if err != nil {
		return nil, err
	}
	ok, err := b.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrNotFound.New("file %s", key)
	}
	return b.Fetch(ctx, key)
}
