// Package staging implements the Staging Area Manager: for each chunk
// build it assembles an isolated root directory holding the chunk's
// destdir, builddir, and a hard-link tree per dependency artifact
// extracted from the cache (spec.md §4.9).
package staging

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/tonistiigi/fsutil"
	fstypes "github.com/tonistiigi/fsutil/types"

	"github.com/tacgomes/morph-sub000"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
)

// allowedInheritedEnv lists the host environment variables a staging
// area's build environment inherits verbatim (spec.md §4.9).
var allowedInheritedEnv = []string{
	"DISTCC_HOSTS", "LD_PRELOAD", "LD_LIBRARY_PATH",
	"FAKEROOTKEY", "FAKED_MODE", "FAKEROOT_FD_BASE",
}

// Area is one acquired staging directory. Callers obtain one with
// Acquire and must Release it on every exit path.
type Area struct {
	Dir      string
	DestDir  string
	BuildDir string

	lock *flock.Flock
}

// Acquire creates a fresh staging directory under settings.TempDir
// named with a random uuid, holding an exclusive lock on it so a
// concurrent GC pass cannot remove it out from under the build
// (spec.md §4.9, §4.11). The caller must call Release when done.
func Acquire(settings morphconfig.Settings, chunkName string) (*Area, error) {
	dir := filepath.Join(settings.TempDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &morph.StagingError{Dir: dir, Err: err}
	}

	lock := flock.New(dir + ".lock")
	if locked, err := lock.TryLock(); err != nil || !locked {
		return nil, &morph.StagingError{Dir: dir, Err: fmt.Errorf("could not acquire staging lock")}
	}

	destDir := filepath.Join(dir, chunkName+".inst")
	buildDir := filepath.Join(dir, chunkName+".build")
	for _, d := range []string{destDir, buildDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			lock.Unlock()
			return nil, &morph.StagingError{Dir: dir, Err: err}
		}
	}

	return &Area{Dir: dir, DestDir: destDir, BuildDir: buildDir, lock: lock}, nil
}

// Release tears down the staging area entirely and drops its lock.
// GC must take the same per-directory lock before removing a
// directory it finds abandoned, so this and a concurrent GC sweep
// never race.
func (a *Area) Release() error {
	defer a.lock.Unlock()
	if err := os.RemoveAll(a.Dir); err != nil {
		return &morph.StagingError{Dir: a.Dir, Err: err}
	}
	os.Remove(a.Dir + ".lock")
	return nil
}

// ExtractDependency unpacks the tar-format artifact read from r into a
// subdirectory of the staging area named after the artifact. Regular
// files are written out with their mode bits, directories are created,
// and symlinks and hard links are recreated as links rather than
// copies of their targets. Character and block device entries are
// skipped: no device node is created. Existing entries at the
// destination are replaced.
func (a *Area) ExtractDependency(artifactName string, r io.Reader) (string, error) {
	dest := filepath.Join(a.Dir, artifactName)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", &morph.StagingError{Dir: a.Dir, Err: err}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &morph.StagingError{Dir: a.Dir, Err: morph.Wrapf(err, "reading artifact %s", artifactName)}
		}
		if err := reproduceEntry(dest, hdr, tr); err != nil {
			return "", &morph.StagingError{Dir: a.Dir, Err: err}
		}
	}
	return dest, nil
}

// reproduceEntry writes one tar entry into dest according to its
// type, replacing anything already present at that path.
func reproduceEntry(dest string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(dest, hdr.Name)
	os.RemoveAll(target)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		return os.Link(filepath.Join(dest, hdr.Linkname), target)
	case tar.TypeChar, tar.TypeBlock:
		// Device nodes would need a privileged mknod; the entry is
		// skipped and nothing is created for it.
		return nil
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err
	}
}

// Manifest walks dir with fsutil, producing the ordered list of
// fsutil stat entries used to build a tar-format artifact for the
// cache (grounded in the
// teacher's own fsutil-backed FS walking, fs.go, generalised from a
// buildkit LLB state to a plain staging directory).
func Manifest(ctx context.Context, dir string) ([]*fstypes.Stat, error) {
	var stats []*fstypes.Stat
	err := fsutil.Walk(ctx, dir, nil, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if si, ok := info.(*fsutil.StatInfo); ok {
			stats = append(stats, si.Stat)
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, morph.Wrapf(err, "walking %s", dir)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

// Env builds the fixed build environment for a staging area: the
// allow-listed inherited variables plus the fixed overrides spec.md
// §4.9 mandates.
func Env(settings morphconfig.Settings, area *Area, ccacheDir string, useDistcc bool) map[string]string {
	env := map[string]string{}
	for _, k := range allowedInheritedEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	env["TERM"] = "dumb"
	env["SHELL"] = "/bin/sh"
	env["USER"] = "tomjon"
	env["USERNAME"] = "tomjon"
	env["LOGNAME"] = "tomjon"
	env["LC_ALL"] = "C"
	env["HOME"] = "/tmp"
	env["PREFIX"] = "/usr"
	env["BOOTSTRAP"] = "false"
	if ccacheDir != "" {
		env["CCACHE_DIR"] = ccacheDir
		env["CCACHE_EXTRAFILES"] = ""
		if useDistcc {
			env["CCACHE_PREFIX"] = "distcc"
		}
	}
	return env
}

// PathFor returns the PATH a command should run with: bootstrap/test
// builds prepend the staging area's extra paths to the host PATH,
// while staging builds run chrooted and so use a fixed system PATH
// plus any extra path (spec.md §4.9's isolation policy).
func PathFor(mode morph.BuildMode, extraPath string) string {
	switch mode {
	case morph.BuildModeStaging:
		if extraPath != "" {
			return extraPath + ":/sbin:/usr/sbin:/bin:/usr/bin"
		}
		return "/sbin:/usr/sbin:/bin:/usr/bin"
	default:
		if extraPath != "" {
			return extraPath + ":" + os.Getenv("PATH")
		}
		return os.Getenv("PATH")
	}
}

// RunResult captures a build command's outcome.
type RunResult struct {
	ExitCode int
	LogTail  string
}

// RunCommand tokenises and runs one shell command line inside cwd with
// env, optionally tee-ing combined output to logPath. On failure it
// writes a recovery shell wrapper next to the staging area
// (<dir>.sh) reproducing the same cwd/env so a developer can
// re-enter the failed build by hand (spec.md §4.9).
func RunCommand(ctx context.Context, area *Area, argv string, cwd string, env map[string]string, logPath string) (RunResult, error) {
	fields, err := shlex.Split(argv)
	if err != nil {
		return RunResult{}, morph.Wrapf(err, "parsing command %q", argv)
	}
	if len(fields) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	res, runErr := execCommand(ctx, fields, cwd, env, logPath)
	if runErr != nil {
		if err := writeRecoveryShell(area.Dir+".sh", cwd, env); err != nil {
			return res, morph.Wrapf(err, "writing recovery shell after failed command %q", argv)
		}
	}
	return res, runErr
}

// execCommand runs fields[0] with fields[1:] as arguments, streaming
// combined stdout/stderr to logPath when set, and always keeping the
// last few kilobytes in memory for a BuildError's LogTail.
func execCommand(ctx context.Context, fields []string, cwd string, env map[string]string, logPath string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = cwd
	cmd.Env = flattenEnv(env)

	tail := &tailWriter{limit: 4096}
	writers := []io.Writer{tail}
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			return RunResult{}, morph.Wrapf(err, "opening log %s", logPath)
		}
		defer f.Close()
		writers = append(writers, f)
	}
	out := io.MultiWriter(writers...)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := RunResult{LogTail: tail.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, err
	}
	return res, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// tailWriter keeps only the last limit bytes written to it.
type tailWriter struct {
	limit int
	buf   []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string { return string(t.buf) }

func writeRecoveryShell(path, cwd string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	script := "#!/bin/sh\n"
	for _, k := range keys {
		script += fmt.Sprintf("export %s=%q\n", k, env[k])
	}
	script += fmt.Sprintf("cd %q\n", cwd)
	script += "exec /bin/sh\n"
	return os.WriteFile(path, []byte(script), 0o755)
}
