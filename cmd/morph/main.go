// Command morph is the Baserock build tool: it resolves morphologies,
// computes an artifact graph and its cache keys, and drives chunk,
// stratum and system builds through the local/remote caches, in the
// same subcommand-dispatch style as the teacher's own cmd/localdev
// (stdlib flag + a switch on flag.Arg(0), no cobra/viper).
package main

import (
	"archive/tar"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/vito/progrock"

	morph "github.com/tacgomes/morph-sub000"
	"github.com/tacgomes/morph-sub000/internal/artifactcache"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
	"github.com/tacgomes/morph-sub000/internal/distbuild"
	"github.com/tacgomes/morph-sub000/internal/gc"
	"github.com/tacgomes/morph-sub000/internal/remotecache"
	"github.com/tacgomes/morph-sub000/internal/repocache"
	"github.com/tacgomes/morph-sub000/internal/scheduler"
	"github.com/tacgomes/morph-sub000/internal/staging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flag.Parse()

	var err error
	switch flag.Arg(0) {
	case "build":
		err = cmdBuild(ctx, flag.Args()[1:])
	case "build-morphology":
		err = cmdBuildMorphology(ctx, flag.Args()[1:])
	case "list-artifacts":
		err = cmdListArtifacts(ctx, flag.Args()[1:])
	case "gc":
		err = cmdGC(flag.Args()[1:])
	case "certify":
		err = cmdCertify(flag.Args()[1:])
	case "distbuild-start":
		err = cmdDistbuildStart(ctx, flag.Args()[1:])
	case "distbuild":
		err = cmdDistbuild(ctx, flag.Args()[1:])
	case "show-build-log":
		err = cmdShowBuildLog(flag.Args()[1:])
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

// bindSettingsFlags registers the settings flags common to every
// subcommand on fs and returns a closure that reads them into a
// config.Settings. Callers must add any subcommand-specific flags to
// fs *before* calling fs.Parse, then call the closure afterwards;
// Settings is always threaded explicitly rather than read back out of
// globals (spec.md §9 design note).
func bindSettingsFlags(fs *flag.FlagSet) func() morphconfig.Settings {
	cacheDir := fs.String("cachedir", os.Getenv("MORPH_CACHEDIR"), "local cache directory")
	tempDir := fs.String("tempdir", os.Getenv("MORPH_TEMPDIR"), "staging temp directory")
	remote := fs.String("artifact-cache-server", "", "remote artifact cache base URL")
	maxJobs := fs.Int("max-jobs", runtime.NumCPU(), "maximum concurrent chunk builds")
	noUpdate := fs.Bool("no-git-update", false, "do not fetch existing repo mirrors before use")

	return func() morphconfig.Settings {
		if *cacheDir == "" {
			*cacheDir = os.ExpandEnv("$HOME/.cache/morph")
		}
		if *tempDir == "" {
			*tempDir = os.ExpandEnv("$HOME/.cache/morph/tmp")
		}
		return morphconfig.Settings{
			CacheDir:       *cacheDir,
			TempDir:        *tempDir,
			RemoteCacheURL: *remote,
			UpdateRepos:    !*noUpdate,
			MaxJobs:        *maxJobs,
			Env: map[string]string{
				"LOGNAME": os.Getenv("LOGNAME"),
				"USER":    os.Getenv("USER"),
			},
		}
	}
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(log)
}

// cmdBuild resolves repo/ref/filename into a source pool, an artifact
// DAG, and runs the scheduler to completion (spec.md §4.10).
func cmdBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	getSettings := bindSettingsFlags(fs)
	fs.Parse(args)
	settings := getSettings()
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: morph build REPO REF [FILENAME]")
	}
	repo, ref := fs.Arg(0), fs.Arg(1)
	filename := "some-system.morph"
	if fs.NArg() > 2 {
		filename = fs.Arg(2)
	}

	log := newLogger()
	repos := repocache.New(settings)

	pool, err := morph.CreateSourcePool(ctx, repos, repo, ref, filename, func(format string, a ...interface{}) {
		log.Infof(format, a...)
	})
	if err != nil {
		return morph.Wrap(err, "resolving sources")
	}

	dag, err := morph.ResolveArtifacts(pool, morph.DefaultSplitRuleDefaults)
	if err != nil {
		return morph.Wrap(err, "resolving artifacts")
	}

	ckc := morph.NewCacheKeyComputer(dag, morph.BuildEnv{Env: settings.Env})
	keyOf := ckc.ComputeKey

	local, err := artifactcache.New(settings.CacheDir + "/artifacts")
	if err != nil {
		return err
	}

	events := make(chan scheduler.Event, 64)
	go func() {
		for ev := range events {
			log.WithField("artifact", ev.Artifact).WithField("state", ev.State).Info("build event")
		}
	}()

	builder := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		return buildOne(ctx, settings, local, dag, id, keyOf)
	}

	res, err := scheduler.Run(ctx, settings, dag, keyOf, localAdapter{local}, remotecache.New(settings.RemoteCacheURL), builder, events)
	close(events)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d artifact(s) failed to build", len(res.Failed))
	}
	return nil
}

// localAdapter narrows *artifactcache.Cache to the scheduler.LocalCache
// interface.
type localAdapter struct{ c *artifactcache.Cache }

func (a localAdapter) Has(key string) bool { return a.c.Has(key) }

func (a localAdapter) Put(ctx context.Context, key string, r io.Reader) error {
	return a.c.Put(ctx, key, r)
}

// buildOne builds a single chunk artifact's phases inside a fresh
// staging area and packages its destdir into the local cache. Stratum
// and system artifacts are assembled by repacking already-cached
// child artifacts instead of running build phases.
func buildOne(ctx context.Context, settings morphconfig.Settings, local *artifactcache.Cache, dag *morph.ArtifactDAG, id morph.ArtifactID, keyOf func(morph.ArtifactID) string) error {
	a := dag.Get(id)
	src := dag.SourceOf(id)
	if src == nil || src.Morphology == nil || src.Morphology.Kind != morph.KindChunk {
		// Strata/systems have nothing to compile: they are assembled
		// purely by walking their already-cached child artifacts into a
		// fresh staging area and repacking (spec.md §4.10 step 4).
		return assembleComposite(ctx, local, settings, dag, a, keyOf)
	}

	area, err := staging.Acquire(settings, a.Name)
	if err != nil {
		return err
	}
	defer area.Release()

	for _, depID := range a.Dependencies {
		dep := dag.Get(depID)
		rc, err := local.Open(keyOf(depID))
		if err != nil {
			return err
		}
		_, err = area.ExtractDependency(dep.Name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	baseEnv := staging.Env(settings, area, "", false)
	chunk := src.Morphology.Chunk
	for _, phase := range morph.AllPhases {
		env := baseEnv
		if phase == morph.PhaseInstall {
			env = cloneEnv(baseEnv)
			env["DESTDIR"] = area.DestDir
		}
		cmds := chunk.CommandsFor(phase)
		for _, cmd := range cmds.Pre {
			if err := runPhaseCommand(ctx, area, cmd, env, a, phase); err != nil {
				return err
			}
		}
		for _, cmd := range cmds.Main {
			mainEnv := env
			if phase == morph.PhaseBuild && settings.MaxJobs > 0 {
				mainEnv = cloneEnv(env)
				mainEnv["MAKEFLAGS"] = fmt.Sprintf("-j%d", settings.MaxJobs)
			}
			if err := runPhaseCommand(ctx, area, cmd, mainEnv, a, phase); err != nil {
				return err
			}
		}
		for _, cmd := range cmds.Post {
			if err := runPhaseCommand(ctx, area, cmd, env, a, phase); err != nil {
				return err
			}
		}
	}

	return packageArtifact(ctx, local, area, src, a, keyOf(id))
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	return out
}

func runPhaseCommand(ctx context.Context, area *staging.Area, cmd string, env map[string]string, a *morph.Artifact, phase morph.Phase) error {
	if _, err := staging.RunCommand(ctx, area, cmd, area.BuildDir, env, ""); err != nil {
		return &morph.BuildError{Artifact: a.Name, Phase: string(phase), Err: err}
	}
	return nil
}

// packageArtifact walks the staging area's destdir, uses the source's
// split rules to pick out the files belonging to artifact a, and
// writes them as a tar blob into the local cache under key (spec.md
// §4.10 step e).
func packageArtifact(ctx context.Context, local *artifactcache.Cache, area *staging.Area, src *morph.Source, a *morph.Artifact, key string) error {
	stats, err := staging.Manifest(ctx, area.DestDir)
	if err != nil {
		return err
	}

	var paths []string
	byPath := map[string]string{}
	for _, st := range stats {
		rel := "/" + st.Path
		paths = append(paths, rel)
		byPath[rel] = st.Path
	}

	matches, _, _ := src.SplitRules.PartitionFiles(paths)
	ours := matches[a.Name]

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, rel := range ours {
		full := filepath.Join(area.DestDir, byPath[rel])
		info, err := os.Lstat(full)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = byPath[rel]
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return local.Put(ctx, key, &buf)
}

// assembleComposite builds a stratum or system artifact by extracting
// every dependency artifact already sitting in the local cache into a
// fresh staging area and repacking the combined tree (spec.md §4.10
// step 4). Unlike a chunk, there are no split rules to apply: a
// stratum's artifact is its full set of chunk artifacts, and a system's
// is its full set of strata artifacts.
func assembleComposite(ctx context.Context, local *artifactcache.Cache, settings morphconfig.Settings, dag *morph.ArtifactDAG, a *morph.Artifact, keyOf func(morph.ArtifactID) string) error {
	area, err := staging.Acquire(settings, a.Name)
	if err != nil {
		return err
	}
	defer area.Release()

	for _, depID := range a.Dependencies {
		dep := dag.Get(depID)
		rc, err := local.Open(keyOf(depID))
		if err != nil {
			return &morph.BuildError{Artifact: a.Name, Phase: "assemble", Err: err}
		}
		_, err = area.ExtractDependency(dep.Name, rc)
		rc.Close()
		if err != nil {
			return &morph.BuildError{Artifact: a.Name, Phase: "assemble", Err: err}
		}
	}

	return packageTree(ctx, local, area.Dir, keyOf(a.ID))
}

// packageTree tars the entire contents of dir and writes it into the
// local cache under key, with no split-rule partitioning: used for
// composite stratum/system artifacts, whose artifact boundary is the
// whole assembled tree rather than a named slice of it.
func packageTree(ctx context.Context, local *artifactcache.Cache, dir string, key string) error {
	stats, err := staging.Manifest(ctx, dir)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, st := range stats {
		full := filepath.Join(dir, st.Path)
		info, err := os.Lstat(full)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = st.Path
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return local.Put(ctx, key, &buf)
}

func cmdBuildMorphology(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build-morphology", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: morph build-morphology FILE")
	}
	dt, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	m, err := morph.Load(dt)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %s morphology %q\n", m.Kind, m.Name())
	return nil
}

func cmdListArtifacts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-artifacts", flag.ExitOnError)
	getSettings := bindSettingsFlags(fs)
	fs.Parse(args)
	settings := getSettings()
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: morph list-artifacts REPO REF [FILENAME]")
	}
	repo, ref := fs.Arg(0), fs.Arg(1)
	filename := "some-system.morph"
	if fs.NArg() > 2 {
		filename = fs.Arg(2)
	}

	repos := repocache.New(settings)
	pool, err := morph.CreateSourcePool(ctx, repos, repo, ref, filename, nil)
	if err != nil {
		return err
	}
	dag, err := morph.ResolveArtifacts(pool, morph.DefaultSplitRuleDefaults)
	if err != nil {
		return err
	}
	for _, a := range dag.All() {
		fmt.Printf("%s\t%s\n", a.Kind, a.Name)
	}
	return nil
}

func cmdGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	getSettings := bindSettingsFlags(fs)
	budget := fs.Int64("cache-budget-bytes", 10<<30, "local artifact cache size budget in bytes")
	fs.Parse(args)
	settings := getSettings()

	tempStats, err := gc.CleanTempDir(settings.TempDir, 0)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale staging directories (%d still locked)\n", tempStats.TempDirsRemoved, tempStats.TempDirsLocked)

	local, err := artifactcache.New(settings.CacheDir + "/artifacts")
	if err != nil {
		return err
	}
	cacheStats, err := gc.CleanCache(local, *budget)
	if err != nil {
		return err
	}
	fmt.Printf("freed %d bytes from the local artifact cache\n", cacheStats.CacheBytesFreed)
	return nil
}

func cmdCertify(args []string) error {
	fs := flag.NewFlagSet("certify", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: morph certify FILE")
	}
	dt, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if _, err := morph.Load(dt); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func cmdDistbuildStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("distbuild-start", flag.ExitOnError)
	addr := fs.String("listen", ":9797", "controller listen address")
	getSettings := bindSettingsFlags(fs)
	fs.Parse(args)
	settings := getSettings()

	log := newLogger()
	repos := repocache.New(settings)
	local, err := artifactcache.New(settings.CacheDir + "/artifacts")
	if err != nil {
		return err
	}

	runner := func(ctx context.Context, req distbuild.BuildRequest, events chan<- scheduler.Event) error {
		pool, err := morph.CreateSourcePool(ctx, repos, req.RepoURL, req.OriginalRef, req.Filename, nil)
		if err != nil {
			return err
		}
		dag, err := morph.ResolveArtifacts(pool, morph.DefaultSplitRuleDefaults)
		if err != nil {
			return err
		}
		ckc := morph.NewCacheKeyComputer(dag, morph.BuildEnv{Env: settings.Env})
		builder := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
			return buildOne(ctx, settings, local, dag, id, ckc.ComputeKey)
		}
		_, err = scheduler.Run(ctx, settings, dag, ckc.ComputeKey, localAdapter{local}, remotecache.New(settings.RemoteCacheURL), builder, events)
		return err
	}

	controller := distbuild.NewController(runner, log)
	log.Infof("controller listening on %s", *addr)
	return http.ListenAndServe(*addr, controller)
}

func cmdDistbuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("distbuild", flag.ExitOnError)
	controllerURL := fs.String("controller", "http://localhost:9797", "controller base URL")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: morph distbuild REPO REF [FILENAME]")
	}
	filename := "some-system.morph"
	if fs.NArg() > 2 {
		filename = fs.Arg(2)
	}

	initiator := distbuild.NewInitiator(*controllerURL)
	buildID, err := initiator.Submit(ctx, distbuild.BuildRequest{
		RepoURL:     fs.Arg(0),
		OriginalRef: fs.Arg(1),
		Filename:    filename,
	})
	if err != nil {
		return err
	}
	fmt.Printf("build %s accepted\n", buildID)

	return initiator.Stream(ctx, buildID, func(update *progrock.StatusUpdate) {
		for _, v := range update.Vertexes {
			state := "building"
			if v.Cached {
				state = "cached"
			} else if v.Error != nil {
				state = "failed: " + *v.Error
			}
			fmt.Printf("%s\t%s\n", v.Name, state)
		}
	})
}

func cmdShowBuildLog(args []string) error {
	fs := flag.NewFlagSet("show-build-log", flag.ExitOnError)
	getSettings := bindSettingsFlags(fs)
	fs.Parse(args)
	settings := getSettings()
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: morph show-build-log CACHE_KEY")
	}
	local, err := artifactcache.New(settings.CacheDir + "/artifacts")
	if err != nil {
		return err
	}
	rc, err := local.Open(fs.Arg(0) + ".log")
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(os.Stdout, rc)
	return err
}
