package file

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/fingerprint"
	"github.com/radif/fileservice/internal/storage"
)

// memStore is an in-memory Store that enforces the active-fingerprint uniqueness the way the
// partial unique index does.
type memStore struct {
	mu   sync.Mutex
	rows map[string]Snapshot

	// skipLookup makes FindByFingerprint miss, simulating a concurrent upload that has not
	// committed yet when the lookup runs.
	skipLookup bool
	adds       int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]Snapshot)}
}

func (m *memStore) activeByFingerprint(fp fingerprint.Fingerprint) (Snapshot, bool) {
	for _, s := range m.rows {
		if !s.Deleted && s.SizeBytes == fp.Size && s.Digest == fp.Digest {
			return s, true
		}
	}
	return Snapshot{}, false
}

func (m *memStore) FindByFingerprint(_ context.Context, fp fingerprint.Fingerprint, includeDeleted bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skipLookup {
		return nil, apperr.ErrNotFound.New("file")
	}
	if s, ok := m.activeByFingerprint(fp); ok {
		return FromSnapshot(s)
	}
	if includeDeleted {
		for _, s := range m.rows {
			if s.SizeBytes == fp.Size && s.Digest == fp.Digest {
				return FromSnapshot(s)
			}
		}
	}
	return nil, apperr.ErrNotFound.New("file")
}

func (m *memStore) FindByID(_ context.Context, id string, includeDeleted bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || (s.Deleted && !includeDeleted) {
		return nil, apperr.ErrNotFound.New("file")
	}
	return FromSnapshot(s)
}

func (m *memStore) FindByIDAndOwner(_ context.Context, id, ownerID string, includeDeleted bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.OwnerID != ownerID || (s.Deleted && !includeDeleted) {
		return nil, apperr.ErrNotFound.New("file")
	}
	return FromSnapshot(s)
}

func (m *memStore) Add(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds++
	if winner, ok := m.activeByFingerprint(rec.Fingerprint()); ok {
		return FromSnapshot(winner)
	}
	m.rows[rec.ID()] = rec.Snapshot()
	return rec, nil
}

func (m *memStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.ID()]; !ok {
		return apperr.ErrNotFound.New("file %s", rec.ID())
	}
	if !rec.IsDeleted() {
		if other, ok := m.activeByFingerprint(rec.Fingerprint()); ok && other.ID != rec.ID() {
			return apperr.ErrConflict.New("another active file has the same content")
		}
	}
	m.rows[rec.ID()] = rec.Snapshot()
	return nil
}

func (m *memStore) SoftDelete(ctx context.Context, id, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.OwnerID != ownerID || s.Deleted {
		return false, nil
	}
	s.Deleted = true
	m.rows[id] = s
	return true, nil
}

func (m *memStore) ListByOwner(_ context.Context, q ListQuery) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Snapshot
	for _, s := range m.rows {
		if s.OwnerID == q.OwnerID && (q.IncludeDeleted || !s.Deleted) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less bool
		switch q.Sort {
		case SortByName:
			less = a.OriginalName < b.OriginalName
		case SortBySize:
			less = a.SizeBytes < b.SizeBytes
		default:
			less = a.UploadedAt.Before(b.UploadedAt)
		}
		if q.Desc {
			return !less
		}
		return less
	})

	total := len(matched)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)

	out := make([]*Record, 0, end-start)
	for _, s := range matched[start:end] {
		rec, err := FromSnapshot(s)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

func (m *memStore) snapshot(id string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

// memBackend is an in-memory storage.Backend that counts writes and can be told to fail.
type memBackend struct {
	tag storage.Tag

	mu        sync.Mutex
	objects   map[string][]byte
	saves     int
	saveErr   error
	deleteErr error
	existsErr error
}

func newMemBackend(tag storage.Tag) *memBackend {
	return &memBackend{tag: tag, objects: make(map[string][]byte)}
}

func (b *memBackend) Tag() storage.Tag { return b.tag }

func (b *memBackend) Save(_ context.Context, key string, r io.Reader, size int64, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.saveErr != nil {
		return "", apperr.ErrStorageWriteFailed.Wrap(b.saveErr)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short write: %d of %d", len(data), size)
	}
	b.objects[key] = data
	return "mem://" + strings.ToLower(string(b.tag)) + "/" + key, nil
}

func (b *memBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.existsErr != nil {
		return false, b.existsErr
	}
	_, ok := b.objects[key]
	return ok, nil
}

func (b *memBackend) Fetch(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, apperr.ErrNotFound.New("object %s", key)
	}
	return readSeekCloser{bytes.NewReader(data)}, nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return apperr.ErrStorageDeleteFailed.Wrap(b.deleteErr)
	}
	if _, ok := b.objects[key]; !ok {
		return apperr.ErrStorageDeleteFailed.New("object %s does not exist", key)
	}
	delete(b.objects, key)
	return nil
}

func (b *memBackend) count() (objects, saves int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects), b.saves
}

type readSeekCloser struct{ *bytes.Reader }

func (readSeekCloser) Close() error { return nil }

type fixture struct {
	svc    *Service
	store  *memStore
	backup *memBackend
	public *memBackend
}

var fixedNow = time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		backup: newMemBackend(storage.Backup),
		public: newMemBackend(storage.Public),
	}
	reg, err := storage.NewRegistry(f.backup, f.public)
	require.NoError(t, err)
	f.svc = NewService(f.store, reg, zap.NewNop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

// uploadAndPersist runs the full upload path the way the HTTP handler does.
func (f *fixture) uploadAndPersist(t *testing.T, content, name, mimeType, owner string, target storage.Tag) (*Record, bool) {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, UploadInput{
		Content:      strings.NewReader(content),
		OriginalName: name,
		MIMEType:     mimeType,
		OwnerID:      owner,
		Target:       target,
	})
	require.NoError(t, err)
	if res.Duplicate {
		return res.Record, true
	}
	rec, dup, err := f.svc.Persist(ctx, res.Record)
	require.NoError(t, err)
	return rec, dup
}
