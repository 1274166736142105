package storage

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/apperr"
)

// fakeS3 is a minimal path-style S3 endpoint holding objects in memory.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	headers     map[string]http.Header
	statusOf    map[string]int // forced status per "METHOD /path"
	lastModTime time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:     make(map[string][]byte),
		headers:     make(map[string]http.Header),
		statusOf:    make(map[string]int),
		lastModTime: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	if status, ok := f.statusOf[r.Method+" "+path]; ok {
		if status < http.StatusMultipleChoices {
			w.WriteHeader(status)
			return
		}
		writeS3Error(w, r, status, "AccessDenied")
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := readPutBody(r)
		if err != nil {
			writeS3Error(w, r, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[path] = body
		f.headers[path] = r.Header.Clone()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		body, ok := f.objects[path]
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", f.lastModTime.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// readPutBody returns the object bytes of a PUT. Signed uploads over plain HTTP arrive in
// aws-chunked framing: "<hex size>[;chunk-signature=...]\r\n<data>\r\n", ending with a
// zero-size chunk and optional trailers.
func readPutBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func newTestS3(t *testing.T) (*S3Backend, *fakeS3) {
	t.Helper()

	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4("test", "testsecret", ""),
		Secure:       false,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
		MaxRetries:   1,
	})
	require.NoError(t, err)

	b := newS3Backend(client, S3Options{
		Bucket:     "media",
		Region:     "us-east-1",
		ServiceURL: srv.URL,
	}, zap.NewNop())
	return b, fake
}

func TestS3BackendSave(t *testing.T) {
	b, fake := newTestS3(t)
	ctx := context.Background()
	key := "2024/01/15/abc12345/20240115_143022_a1b2c3d4.mp3"
	content := []byte("some audio")

	u, err := b.Save(ctx, key, bytes.NewReader(content), int64(len(content)), "audio/mpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/media/"+key), u)

	fake.mu.Lock()
	stored, ok := fake.objects["/media/"+key]
	h := fake.headers["/media/"+key]
	fake.mu.Unlock()

	require.True(t, ok)
	assert.Equal(t, content, stored)
	assert.Equal(t, cacheControl, h.Get("Cache-Control"))
	assert.Equal(t, "AES256", h.Get("X-Amz-Server-Side-Encryption"))
	assert.Equal(t, "audio/mpeg", h.Get("Content-Type"))

	rc, err := b.Fetch(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestReadPutBodyDecodesChunkedUpload(t *testing.T) {
	framed := "5;chunk-signature=aaaa\r\nsome \r\n5;chunk-signature=bbbb\r\naudio\r\n0;chunk-signature=cccc\r\n\r\n"
	r := httptest.NewRequest(http.MethodPut, "/media/k", strings.NewReader(framed))
	r.Header.Set("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")

	body, err := readPutBody(r)
	require.NoError(t, err)
	assert.Equal(t, "some audio", string(body))

	plain := httptest.NewRequest(http.MethodPut, "/media/k", strings.NewReader("as is"))
	body, err = readPutBody(plain)
	require.NoError(t, err)
	assert.Equal(t, "as is", string(body))
}

func TestS3BackendSaveFailure(t *testing.T) {
	b, fake := newTestS3(t)
	fake.statusOf["PUT /media/k.bin"] = http.StatusForbidden

	_, err := b.Save(context.Background(), "k.bin", bytes.NewReader([]byte("x")), 1, "application/octet-stream")
	require.Error(t, err)
	assert.True(t, apperr.ErrStorageWriteFailed.Has(err))
}

func TestS3BackendExists(t *testing.T) {
	b, fake := newTestS3(t)
	ctx := context.Background()
	fake.objects["/media/present.txt"] = []byte("x")

	ok, err := b.Exists(ctx, "present.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, "absent.txt")
	require.NoError(t, err, "missing object is not an error")
	assert.False(t, ok)

	fake.statusOf["HEAD /media/forbidden.txt"] = http.StatusForbidden
	ok, err = b.Exists(ctx, "forbidden.txt")
	require.Error(t, err, "other failures are not reported as absence")
	assert.False(t, ok)

	noBucket := newS3Backend(b.client, S3Options{Bucket: "missing", Region: "us-east-1"}, zap.NewNop())
	ok, err = noBucket.Exists(ctx, "present.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3BackendFetch(t *testing.T) {
	b, fake := newTestS3(t)
	ctx := context.Background()
	fake.objects["/media/a/b.txt"] = []byte("hello")

	rc, err := b.Fetch(ctx, "a/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Fetch(ctx, "a/missing.txt")
	require.Error(t, err)
	assert.True(t, apperr.ErrNotFound.Has(err))
}

func TestS3BackendDelete(t *testing.T) {
	b, fake := newTestS3(t)
	ctx := context.Background()
	fake.objects["/media/gone.txt"] = []byte("x")

	require.NoError(t, b.Delete(ctx, "gone.txt"))
	_, still := fake.objects["/media/gone.txt"]
	assert.False(t, still)

	fake.statusOf["DELETE /media/locked.txt"] = http.StatusForbidden
	err := b.Delete(ctx, "locked.txt")
	require.Error(t, err)
	assert.True(t, apperr.ErrStorageDeleteFailed.Has(err))

	// Only 204 No Content counts as deleted.
	fake.statusOf["DELETE /media/odd.txt"] = http.StatusOK
	err = b.Delete(ctx, "odd.txt")
	require.Error(t, err)
	assert.True(t, apperr.ErrStorageDeleteFailed.Has(err))
}

func TestS3PublicURL(t *testing.T) {
	key := "2024/01/15/abc12345/x y.mp3"

	tests := []struct {
		name string
		opts S3Options
		want string
	}{
		{
			name: "cdn",
			opts: S3Options{Bucket: "media", Region: "eu-west-1", PublicBaseURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/2024/01/15/abc12345/x%20y.mp3",
		},
		{
			name: "custom service",
			opts: S3Options{Bucket: "media", Region: "eu-west-1", ServiceURL: "http://localhost:9000/"},
			want: "http://localhost:9000/media/2024/01/15/abc12345/x%20y.mp3",
		},
		{
			name: "aws path style",
			opts: S3Options{Bucket: "media", Region: "eu-west-1", ForcePathStyle: true},
			want: "https://s3.eu-west-1.amazonaws.com/media/2024/01/15/abc12345/x%20y.mp3",
		},
		{
			name: "aws virtual host",
			opts: S3Options{Bucket: "media", Region: "eu-west-1"},
			want: "https://media.s3.eu-west-1.amazonaws.com/2024/01/15/abc12345/x%20y.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newS3Backend(nil, tt.opts, zap.NewNop())
			assert.Equal(t, tt.want, b.PublicURL(key))
		})
	}
}

func TestS3PublicURLEncodesNonASCII(t *testing.T) {
	b := newS3Backend(nil, S3Options{Bucket: "media", PublicBaseURL: "https://cdn.example.com"}, zap.NewNop())
	u := b.PublicURL("dir/歌.mp3")
	assert.Equal(t, "https://cdn.example.com/dir/%E6%AD%8C.mp3", u)
}

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Options{}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperr.ErrBackendUnavailable.Has(err))
}

func TestResolveEndpoint(t *testing.T) {
	host, secure, err := resolveEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, "s3.amazonaws.com", host)
	assert.True(t, secure)

	host, secure, err = resolveEndpoint("http://minio:9000")
	require.NoError(t, err)
	assert.Equal(t, "minio:9000", host)
	assert.False(t, secure)

	_, _, err = resolveEndpoint("not a url")
	require.Error(t, err)
}
