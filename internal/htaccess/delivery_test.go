package htaccess

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-cache/internal/lock"
)

func TestCachePathFor(t *testing.T) {
	assert.Equal(t, "/storage/pages", CachePathFor("/var/www/.htaccess", "/var/www/storage/pages"))
	assert.Equal(t, "", CachePathFor("/var/www/.htaccess", "/srv/pages"))
	assert.Equal(t, "", CachePathFor("/var/www/.htaccess", "/var/www"))
}

func TestDeliverySyncAppliesAndRemoves(t *testing.T) {
	ctx := context.Background()
	file, _ := newTestFile(t)
	require.NoError(t, os.WriteFile(file.Path(), []byte(unmanaged), 0o644))
	opts := RuleOptions{CachePath: "/pages", MarkerParam: "any_cache_preload"}

	on := NewDelivery(file, opts, true)
	inSync, err := on.InSync(ctx)
	require.NoError(t, err)
	assert.False(t, inSync)

	ok, err := on.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	inSync, err = on.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync)

	section, found, err := on.Current(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, section, "/pages/%{HTTP_HOST}%{REQUEST_URI}/index.html")

	data, err := os.ReadFile(file.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), unmanaged), "unmanaged rules stay untouched")

	off := NewDelivery(file, opts, false)
	ok, err = off.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	data, err = os.ReadFile(file.Path())
	require.NoError(t, err)
	assert.Equal(t, unmanaged, string(data))

	inSync, err = off.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync)
}

func TestDeliveryCurrentWithoutFile(t *testing.T) {
	file := New(filepath.Join(t.TempDir(), ".htaccess"), lock.NewManager(), 0)
	d := NewDelivery(file, RuleOptions{}, false)
	_, found, err := d.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, found)

	inSync, err := d.InSync(context.Background())
	require.NoError(t, err)
	assert.True(t, inSync)
}

func TestDeliveryRejectsCacheOutsideDocumentRoot(t *testing.T) {
	file, _ := newTestFile(t)
	d := NewDelivery(file, RuleOptions{CachePath: ""}, true)
	_, err := d.Apply(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)
}

func TestDeliveryRemoveWithoutFileDoesNotCreateIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".htaccess")
	d := NewDelivery(New(path, lock.NewManager(), 0), RuleOptions{}, false)

	ok, err := d.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
