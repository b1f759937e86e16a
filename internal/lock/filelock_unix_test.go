//go:build unix

package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockerExcludesAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, ".htaccess")

	first := NewFileLocker(dir)
	second := NewFileLocker(dir)

	guard, ok := first.TryAcquire(name, Exclusive)
	require.True(t, ok)

	_, err := second.Acquire(context.Background(), name, Shared, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	guard.Release()
	reader, err := second.Acquire(context.Background(), name, Shared, time.Second)
	require.NoError(t, err)
	reader.Release()
}

func TestFileLockerSeparatesRelativeNames(t *testing.T) {
	locks := NewFileLocker(t.TempDir())

	first, ok := locks.TryAcquire("page:https://a.example.com/blog/", Exclusive)
	require.True(t, ok)
	defer first.Release()

	second, ok := locks.TryAcquire("page:https://b.example.com/blog/", Exclusive)
	require.True(t, ok, "names sharing a trailing segment must not contend")
	second.Release()
}
