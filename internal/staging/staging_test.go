package staging

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	morph "github.com/tacgomes/morph-sub000"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
)

func TestAcquireCreatesDestAndBuildDirs(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}

	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	info, err := os.Stat(area.DestDir)
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())

	info, err = os.Stat(area.BuildDir)
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())
}

func TestAcquireTwiceDoesNotCollide(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}

	a1, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer a1.Release()

	a2, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer a2.Release()

	assert.Assert(t, a1.Dir != a2.Dir)
}

func TestReleaseRemovesDirAndLock(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}

	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	dir := area.Dir

	assert.NilError(t, area.Release())

	_, err = os.Stat(dir)
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Stat(dir + ".lock")
	assert.Assert(t, os.IsNotExist(err))
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, contents := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg}
		assert.NilError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(contents))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractDependencyReproducesFiles(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}
	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	dt := buildTar(t, map[string]string{
		"bin/hello": "#!/bin/sh\necho hi\n",
	})

	dest, err := area.ExtractDependency("libc", bytes.NewReader(dt))
	assert.NilError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "bin/hello"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "#!/bin/sh\necho hi\n")
}

func TestManifestListsExtractedFilesSorted(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(dir, "usr/bin"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "usr/bin/b"), []byte("b"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "usr/bin/a"), []byte("a"), 0o644))

	stats, err := Manifest(context.Background(), dir)
	assert.NilError(t, err)
	assert.Assert(t, len(stats) >= 2)
	for i := 1; i < len(stats); i++ {
		assert.Assert(t, stats[i-1].Path <= stats[i].Path)
	}
}

func TestEnvSetsFixedOverrides(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}
	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	env := Env(settings, area, "", false)
	assert.Equal(t, env["USER"], "tomjon")
	assert.Equal(t, env["HOME"], "/tmp")
	assert.Equal(t, env["TERM"], "dumb")
	_, hasCcache := env["CCACHE_DIR"]
	assert.Assert(t, !hasCcache)
}

func TestEnvWithCcache(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}
	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	env := Env(settings, area, "/var/cache/ccache", true)
	assert.Equal(t, env["CCACHE_DIR"], "/var/cache/ccache")
	assert.Equal(t, env["CCACHE_PREFIX"], "distcc")
}

func TestPathForStagingMode(t *testing.T) {
	assert.Equal(t, PathFor(morph.BuildModeStaging, ""), "/sbin:/usr/sbin:/bin:/usr/bin")
	assert.Equal(t, PathFor(morph.BuildModeStaging, "/extra/bin"), "/extra/bin:/sbin:/usr/sbin:/bin:/usr/bin")
}

func TestRunCommandSuccess(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}
	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	res, err := RunCommand(context.Background(), area, "echo hello", area.BuildDir, map[string]string{"PATH": os.Getenv("PATH")}, "")
	assert.NilError(t, err)
	assert.Equal(t, res.ExitCode, 0)
}

func TestRunCommandFailureWritesRecoveryShell(t *testing.T) {
	settings := morphconfig.Settings{TempDir: t.TempDir()}
	area, err := Acquire(settings, "gcc")
	assert.NilError(t, err)
	defer area.Release()

	_, err = RunCommand(context.Background(), area, "false", area.BuildDir, map[string]string{"PATH": os.Getenv("PATH")}, "")
	assert.ErrorContains(t, err, "exit status")

	_, statErr := os.Stat(area.Dir + ".sh")
	assert.NilError(t, statErr)
}
