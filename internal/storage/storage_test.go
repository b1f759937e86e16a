package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePage struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
	Tags    []string            `json:"tags"`
	Created time.Time           `json:"created"`
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "file"))
	require.NoError(t, err)
	level, err := NewLevelDBBackend(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)
	lite, err := NewSQLiteBackend(filepath.Join(dir, "sqlite", "cache.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = level.Close()
		_ = lite.Close()
	})

	return map[string]Backend{
		"file":    file,
		"leveldb": level,
		"sqlite":  lite,
		"memory":  NewMemoryBackend(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := New(backend, "page")
			want := samplePage{
				Status:  200,
				Headers: map[string][]string{"Content-Type": {"text/html"}},
				Body:    []byte("<html>ok</html>"),
				Tags:    []string{"a", "b"},
				Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			}

			require.NoError(t, store.Set(ctx, "https://example.com/", want, 0))

			var got samplePage
			require.NoError(t, store.Get(ctx, "https://example.com/", &got))
			assert.Equal(t, want.Status, got.Status)
			assert.Equal(t, want.Headers, got.Headers)
			assert.Equal(t, want.Body, got.Body)
			assert.Equal(t, want.Tags, got.Tags)
			assert.True(t, want.Created.Equal(got.Created))

			ok, err := store.Has(ctx, "https://example.com/")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, store.Delete(ctx, "https://example.com/"))
			err = store.Get(ctx, "https://example.com/", &got)
			assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

			require.NoError(t, store.Delete(ctx, "https://example.com/"), "删除不存在的键应成功")
		})
	}
}

func TestStoreNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	page := New(NewMemoryBackend(), "page")
	meta := page.Namespace("meta")

	require.NoError(t, page.Set(ctx, "k", "page-value", 0))
	ok, err := meta.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New(backend, "page").WithClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", 1, time.Minute))
	ok, err := store.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len(), "过期条目应被清理")
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend(), "page")

	for _, key := range []any{nil, "", "   ", false, 0, []byte{}, map[string]string{}} {
		err := store.Set(ctx, key, "v", 0)
		var storeErr *Error
		require.True(t, errors.As(err, &storeErr), "key %#v: %v", key, err)
		assert.Equal(t, KindInvalidKey, storeErr.Kind)
		assert.True(t, errors.Is(err, ErrInvalidKey))
	}
}

func TestStoreSurfacesBackendFailures(t *testing.T) {
	ctx := context.Background()
	store := New(failingBackend{err: errors.New("disk full")}, "page")

	err := store.Set(ctx, "k", "v", 0)
	assert.True(t, errors.Is(err, ErrWrite))

	var dest string
	err = store.Get(ctx, "k", &dest)
	assert.True(t, errors.Is(err, ErrRead))

	_, err = store.Has(ctx, "k")
	assert.True(t, errors.Is(err, ErrRead))
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, New(first, "preload").Set(ctx, "state", map[string]int{"retries": 2}, 0))

	second, err := NewFileBackend(dir)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, New(second, "preload").Get(ctx, "state", &got))
	assert.Equal(t, 2, got["retries"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	assert.Error(t, err)
}

type failingBackend struct {
	err error
}

func (f failingBackend) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingBackend) Save(context.Context, string, []byte) error { return f.err }
func (f failingBackend) Remove(context.Context, string) error { return f.err }
func (f failingBackend) Close() error { return nil }
