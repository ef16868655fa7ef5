package gc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"gotest.tools/v3/assert"

	"github.com/tacgomes/morph-sub000/internal/artifactcache"
)

func TestCleanTempDirRemovesUnlockedDirs(t *testing.T) {
	tempDir := t.TempDir()
	abandoned := filepath.Join(tempDir, "abandoned-area")
	assert.NilError(t, os.MkdirAll(abandoned, 0o755))

	stats, err := CleanTempDir(tempDir, 0)
	assert.NilError(t, err)
	assert.Equal(t, stats.TempDirsRemoved, 1)
	assert.Equal(t, stats.TempDirsLocked, 0)

	_, err = os.Stat(abandoned)
	assert.Assert(t, os.IsNotExist(err))
}

func TestCleanTempDirSkipsLockedDirs(t *testing.T) {
	tempDir := t.TempDir()
	inFlight := filepath.Join(tempDir, "in-flight-area")
	assert.NilError(t, os.MkdirAll(inFlight, 0o755))

	lock := flock.New(inFlight + ".lock")
	locked, err := lock.TryLock()
	assert.NilError(t, err)
	assert.Assert(t, locked)
	defer lock.Unlock()

	stats, err := CleanTempDir(tempDir, 0)
	assert.NilError(t, err)
	assert.Equal(t, stats.TempDirsRemoved, 0)
	assert.Equal(t, stats.TempDirsLocked, 1)

	_, err = os.Stat(inFlight)
	assert.NilError(t, err)
}

func TestCleanTempDirMissingDirIsNotAnError(t *testing.T) {
	stats, err := CleanTempDir(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	assert.NilError(t, err)
	assert.Equal(t, stats.TempDirsRemoved, 0)
}

func TestCleanCacheReportsBytesFreed(t *testing.T) {
	cache, err := artifactcache.New(t.TempDir())
	assert.NilError(t, err)

	assert.NilError(t, cache.Put(context.Background(), "a", strings.NewReader(strings.Repeat("x", 100))))
	assert.NilError(t, cache.Put(context.Background(), "b", strings.NewReader(strings.Repeat("y", 100))))

	stats, err := CleanCache(cache, 100)
	assert.NilError(t, err)
	assert.Equal(t, stats.CacheBytesFreed, int64(100))

	entries, err := cache.List()
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)
}
