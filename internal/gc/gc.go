// Package gc implements the two-phase cleanup pass: reclaim tempdir
// space by deleting abandoned staging areas, then trim the local
// artifact cache down to its configured budget (spec.md §4.11).
package gc

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/tacgomes/morph-sub000"
	"github.com/tacgomes/morph-sub000/internal/artifactcache"
)

// freeBytes reports free space at path via statfs. There is no
// third-party library for this anywhere in the retrieved corpus, so
// this one call is the package's sole stdlib-only exception
// (documented in DESIGN.md).
func freeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// Stats summarises one GC pass.
type Stats struct {
	TempDirsRemoved int
	TempDirsLocked  int
	CacheBytesFreed int64
}

// CleanTempDir removes every staging directory under tempDir whose
// lock file is not currently held, until free space at tempDir meets
// minFreeBytes (0 meaning "remove everything unlocked"). Directories
// still locked by an in-flight build are left untouched, matching the
// staging area manager's own per-directory exclusive lock.
func CleanTempDir(tempDir string, minFreeBytes int64) (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, morph.Wrapf(err, "listing tempdir %s", tempDir)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if minFreeBytes > 0 {
			if free, err := freeBytes(tempDir); err == nil && free >= minFreeBytes {
				break
			}
		}

		dir := filepath.Join(tempDir, e.Name())
		lock := flock.New(dir + ".lock")
		locked, err := lock.TryLock()
		if err != nil || !locked {
			stats.TempDirsLocked++
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			lock.Unlock()
			return stats, morph.Wrapf(err, "removing staging dir %s", dir)
		}
		os.Remove(dir + ".lock")
		lock.Unlock()
		stats.TempDirsRemoved++
	}

	return stats, nil
}

// CleanCache trims the local artifact cache to budget bytes by
// least-recently-used eviction (spec.md §4.7).
func CleanCache(cache *artifactcache.Cache, budget int64) (Stats, error) {
	entries, err := cache.List()
	if err != nil {
		return Stats{}, err
	}
	var before int64
	for _, e := range entries {
		before += e.Size
	}

	if err := cache.EvictLRU(budget); err != nil {
		return Stats{}, err
	}

	after, err := cache.List()
	if err != nil {
		return Stats{}, err
	}
	var remaining int64
	for _, e := range after {
		remaining += e.Size
	}

	return Stats{CacheBytesFreed: before - remaining}, nil
}
