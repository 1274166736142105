// Package storage defines the backend contract for physical file content and its two
// implementations: a local filesystem backend for backups and an S3-compatible backend for
// public delivery. Backends are looked up by capability tag through a Registry.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/radif/fileservice/internal/apperr"
)

// Tag is the capability a backend advertises.
type Tag string

const (
	// Backup is the internal, durable local store.
	Backup Tag = "Backup"
	// Public is the external object store used for public delivery.
	Public Tag = "Public"
)

// Tags lists every tag that must be registered at startup.
var Tags = []Tag{Backup, Public}

// ParseTag parses a tag case-insensitively.
func ParseTag(s string) (Tag, error) {
	for _, t := range Tags {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", apperr.ErrInvalidInput.New("unsupported storage type %q", s)
}

// Backend stores and retrieves content by key.
type Backend interface {
	// Tag returns the capability this backend serves.
	Tag() Tag
	// Save streams r to key, overwriting any previous object, and returns the URL under which
	// the object is reachable. size is the exact byte count of r.
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	// Exists reports whether key is present. A missing object is (false, nil); any other
	// failure is returned as an error.
	Exists(ctx context.Context, key string) (bool, error)
	// Fetch opens the object at key. The caller must close it. Missing objects fail with
	// apperr.ErrNotFound.
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. A nil error means the backend confirmed removal.
	Delete(ctx context.Context, key string) error
}

// Registry maps every capability tag to exactly one backend.
type Registry struct {
	backends map[Tag]Backend
}

// NewRegistry builds a registry and checks that each tag has exactly one backend.
func NewRegistry(backends ...Backend) (*Registry, error) {
	m := make(map[Tag]Backend, len(Tags))
	for _, b := range backends {
		if b == nil {
			continue
		}
		if _, dup := m[b.Tag()]; dup {
			return nil, fmt.Errorf("storage: backend %s registered twice", b.Tag())
		}
		m[b.Tag()] = b
	}
	for _, t := range Tags {
		if _, ok := m[t]; !ok {
			return nil, apperr.ErrBackendUnavailable.New("no backend registered for %s", t)
		}
	}
	return &Registry{backends: m}, nil
}

// Get returns the backend for t.
func (r *Registry) Get(t Tag) (Backend, error) {
	b, ok := r.backends[t]
	if !ok {
		return nil, apperr.ErrInvalidInput.New("unsupported storage type %q", t)
	}
	return b, nil
}

// MustGet returns the backend for t. Tags in Tags are guaranteed by NewRegistry.
func (r *Registry) MustGet(t Tag) Backend {
	b, err := r.Get(t)
	if err != nil {
		panic(err)
	}
	return b
}
