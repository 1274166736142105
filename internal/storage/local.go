package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/metrics"
)

// ErrUnsafeKey is returned when a key would escape the backend root.
var ErrUnsafeKey = errs.Class("unsafe storage key")

// LocalBackend keeps content on a filesystem under a root directory. It serves the Backup tag.
type LocalBackend struct {
	root    string
	baseURL string
	logger  *zap.Logger
}

// NewLocalBackend creates the root directory if needed. baseURL is the public prefix under
// which the service exposes files from this root (see the /files route).
func NewLocalBackend(root, baseURL string, logger *zap.Logger) (*LocalBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, apperr.ErrBackendUnavailable.New("local storage root is not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create local storage root %s: %w", abs, err)
	}

	return &LocalBackend{
		root:    abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("local_storage"),
	}, nil
}

// Tag implements Backend.
func (b *LocalBackend) Tag() Tag { return Backup }

// Root returns the absolute root directory.
func (b *LocalBackend) Root() string { return b.root }

// Save implements Backend. Content is written to a temporary file in the target directory,
// synced and renamed over the key, so readers never observe a partial object.
func (b *LocalBackend) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (url string, err error) {
	defer func() { metrics.ObserveBackend(string(Backup), "save", err) }()

	full, rel, err := b.resolve(key)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("create directory for %s: %w", rel, err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("create temp file for %s: %w", rel, err))
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("write %s: %w", rel, err))
	}
	if size >= 0 && n != size {
		cleanup()
		return "", apperr.ErrStorageWriteFailed.New("write %s: wrote %d of %d bytes", rel, n, size)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("sync %s: %w", rel, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("close %s: %w", rel, err))
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("rename %s: %w", rel, err))
	}

	b.logger.Info("file saved",
		zap.String("key", rel),
		zap.Int64("size", n),
		zap.String("content_type", contentType),
	)
	return b.URL(rel), nil
}

// Exists implements Backend.
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	full, rel, err := b.resolve(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Debug("file does not exist", zap.String("key", rel))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	return !info.IsDir(), nil
}

// Fetch implements Backend. The returned reader is an *os.File and therefore seekable.
func (b *LocalBackend) Fetch(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func() { metrics.ObserveBackend(string(Backup), "fetch", err) }()

	full, rel, err := b.resolve(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.ErrNotFound.New("file %s", rel)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, apperr.ErrNotFound.New("file %s", rel)
	}
	return f, nil
}

// Delete implements Backend. Deleting a key that does not exist is reported as a failure:
// the caller expected an object there.
func (b *LocalBackend) Delete(ctx context.Context, key string) (err error) {
	defer func() { metrics.ObserveBackend(string(Backup), "delete", err) }()

	full, rel, err := b.resolve(key)
	if err != nil {
		return err
	}

	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("delete of missing file", zap.String("key", rel))
		return apperr.ErrStorageDeleteFailed.New("file %s does not exist", rel)
	}
	if err != nil {
		return apperr.ErrStorageDeleteFailed.Wrap(fmt.Errorf("remove %s: %w", rel, err))
	}

	b.logger.Info("file deleted", zap.String("key", rel))
	return nil
}

// URL returns the public URL of key.
func (b *LocalBackend) URL(key string) string {
	return b.baseURL + "/" + strings.TrimLeft(key, "/")
}

// resolve maps key to a path under the root. Keys that are absolute, contain a ".." segment
// or a NUL byte are rejected before the filesystem is touched.
func (b *LocalBackend) resolve(key string) (full, rel string, err error) {
	normalized := strings.ReplaceAll(key, "\\", "/")
	if strings.TrimSpace(normalized) == "" ||
		strings.HasPrefix(normalized, "/") ||
		strings.ContainsRune(normalized, 0) ||
		hasDriveLetter(normalized) {
		return "", "", ErrUnsafeKey.New("%q", key)
	}

	rel = strings.Trim(normalized, "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", "", ErrUnsafeKey.New("%q", key)
		}
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", "", ErrUnsafeKey.New("%q", key)
	}

	return filepath.Join(b.root, local), rel, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
