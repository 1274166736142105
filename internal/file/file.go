// Package file manages stored file records: the metadata aggregate, its persistence and
// fingerprint index, and the upload, deletion and restore workflows.
package file

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/fingerprint"
)

// Category is the coarse content class derived from the declared MIME type.
type Category string

const (
	CategoryAudio    Category = "Audio"
	CategorySubtitle Category = "Subtitle"
	CategoryImage    Category = "Image"
	CategoryOther    Category = "Other"
)

// CategoryFromMIME classifies a MIME type by its top-level prefix.
func CategoryFromMIME(mimeType string) Category {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(m, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(m, "image/"):
		return CategoryImage
	case strings.HasPrefix(m, "text/"):
		return CategorySubtitle
	default:
		return CategoryOther
	}
}

// Record is the metadata of one stored file. Fields are set at construction and change
// only through the methods below.
type Record struct {
	id           string
	originalName string
	sizeBytes    int64
	digest       string
	category     Category
	mimeType     string
	ownerID      string
	storageKey   string
	backupURL    string
	remoteURL    string
	uploadedAt   time.Time
	deleted      bool
}

// NewParams carries the required fields of a new record.
type NewParams struct {
	OriginalName string
	Fingerprint  fingerprint.Fingerprint
	MIMEType     string
	OwnerID      string
	StorageKey   string
	UploadedAt   time.Time
}

// New creates an active record with a fresh id. The category is derived from the MIME type.
func New(p NewParams) (*Record, error) {
	if err := validate(p.OriginalName, p.Fingerprint, p.MIMEType, p.OwnerID, p.StorageKey); err != nil {
		return nil, err
	}
	return &Record{
		id:           uuid.NewString(),
		originalName: p.OriginalName,
		sizeBytes:    p.Fingerprint.Size,
		digest:       p.Fingerprint.Digest,
		category:     CategoryFromMIME(p.MIMEType),
		mimeType:     p.MIMEType,
		ownerID:      p.OwnerID,
		storageKey:   p.StorageKey,
		uploadedAt:   p.UploadedAt.UTC(),
	}, nil
}

// Snapshot is the full persisted state of a record.
type Snapshot struct {
	ID           string
	OriginalName string
	SizeBytes    int64
	Digest       string
	Category     Category
	MIMEType     string
	OwnerID      string
	StorageKey   string
	BackupURL    string
	RemoteURL    string
	UploadedAt   time.Time
	Deleted      bool
}

// FromSnapshot rebuilds a record loaded from storage. The stored category is kept as is.
func FromSnapshot(s Snapshot) (*Record, error) {
	fp := fingerprint.Fingerprint{Size: s.SizeBytes, Digest: s.Digest}
	if err := validate(s.OriginalName, fp, s.MIMEType, s.OwnerID, s.StorageKey); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, apperr.ErrInvalidInput.New("record id is required")
	}
	return &Record{
		id:           s.ID,
		originalName: s.OriginalName,
		sizeBytes:    s.SizeBytes,
		digest:       s.Digest,
		category:     s.Category,
		mimeType:     s.MIMEType,
		ownerID:      s.OwnerID,
		storageKey:   s.StorageKey,
		backupURL:    s.BackupURL,
		remoteURL:    s.RemoteURL,
		uploadedAt:   s.UploadedAt.UTC(),
		deleted:      s.Deleted,
	}, nil
}

func validate(name string, fp fingerprint.Fingerprint, mimeType, ownerID, key string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.ErrInvalidInput.New("original name is required")
	case fp.Size <= 0:
		return apperr.ErrInvalidInput.New("size must be positive, got %d", fp.Size)
	case !fingerprint.ValidDigest(fp.Digest):
		return apperr.ErrInvalidInput.New("content digest must be %d lowercase hex characters", fingerprint.DigestLength)
	case strings.TrimSpace(mimeType) == "":
		return apperr.ErrInvalidInput.New("mime type is required")
	case strings.TrimSpace(ownerID) == "":
		return apperr.ErrInvalidInput.New("owner id is required")
	case strings.TrimSpace(key) == "":
		return apperr.ErrInvalidInput.New("storage key is required")
	}
	return nil
}

func (r *Record) ID() string                           { return r.id }
func (r *Record) OriginalName() string                 { return r.originalName }
func (r *Record) SizeBytes() int64                     { return r.sizeBytes }
func (r *Record) Digest() string                       { return r.digest }
func (r *Record) Category() Category                   { return r.category }
func (r *Record) MIMEType() string                     { return r.mimeType }
func (r *Record) OwnerID() string                      { return r.ownerID }
func (r *Record) StorageKey() string                   { return r.storageKey }
func (r *Record) BackupURL() string                    { return r.backupURL }
func (r *Record) RemoteURL() string                    { return r.remoteURL }
func (r *Record) UploadedAt() time.Time                { return r.uploadedAt }
func (r *Record) IsDeleted() bool                      { return r.deleted }
func (r *Record) Fingerprint() fingerprint.Fingerprint { return fingerprint.Fingerprint{Size: r.sizeBytes, Digest: r.digest} }

// Snapshot returns a copy of the record state for persistence.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		ID:           r.id,
		OriginalName: r.originalName,
		SizeBytes:    r.sizeBytes,
		Digest:       r.digest,
		Category:     r.category,
		MIMEType:     r.mimeType,
		OwnerID:      r.ownerID,
		StorageKey:   r.storageKey,
		BackupURL:    r.backupURL,
		RemoteURL:    r.remoteURL,
		UploadedAt:   r.uploadedAt,
		Deleted:      r.deleted,
	}
}

// SetBackupURL records where the backup backend stored the content.
func (r *Record) SetBackupURL(u string) error {
	if strings.TrimSpace(u) == "" {
		return apperr.ErrInvalidInput.New("backup url is required")
	}
	r.backupURL = u
	return nil
}

// SetRemoteURL records where the public backend stored the content.
func (r *Record) SetRemoteURL(u string) error {
	if strings.TrimSpace(u) == "" {
		return apperr.ErrInvalidInput.New("remote url is required")
	}
	r.remoteURL = u
	return nil
}

// Rekey changes the storage key, e.g. after content was moved between layouts.
func (r *Record) Rekey(key string) error {
	if strings.TrimSpace(key) == "" {
		return apperr.ErrInvalidInput.New("storage key is required")
	}
	r.storageKey = key
	return nil
}

// MarkDeleted hides the record from normal lookups.
func (r *Record) MarkDeleted() { r.deleted = true }

// Restore makes a deleted record active again. It is a no-op on an active record.
func (r *Record) Restore() { r.deleted = false }
