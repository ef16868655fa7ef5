// Package scheduler drives an Artifact DAG to completion: it computes
// build order and build groups, elides artifacts already cached
// locally or remotely, and runs the remainder through a worker pool
// with at-most-one build in flight per cache key (spec.md §4.10).
package scheduler

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tacgomes/morph-sub000"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
)

// LocalCache is the subset of artifactcache.Cache the scheduler needs;
// named as an interface here so tests can substitute a fake. Put is
// what a remote-cache hit is downloaded into, so a dependent artifact
// can later extract it purely from the local cache.
type LocalCache interface {
	Has(key string) bool
	Put(ctx context.Context, key string, r io.Reader) error
}

// RemoteCache is a read-through source the scheduler checks before
// deciding an artifact needs building (spec.md §4.8).
type RemoteCache interface {
	Has(ctx context.Context, key string) (bool, error)
	FetchInto(ctx context.Context, key string, local LocalCache) error
}

// Builder builds exactly one artifact, given its dependencies are
// already present in the local cache. It is supplied by the caller
// (cmd/morph) since it wires staging, repocache and cachekey
// together; the scheduler only owns ordering and concurrency.
type Builder func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error

// Event reports scheduler progress, mirroring the
// status/log-update split the teacher's own progress conversion uses
// for buildkit solve events (cmd/localdev/progress.go), generalised
// from a single solve to a whole build-group run.
type Event struct {
	Artifact string
	Key      string
	State    string // "cached", "building", "built", "failed", "skipped"
	Err      error
}

// Result is the outcome of a full Run.
type Result struct {
	Failed  map[morph.ArtifactID]error
	Skipped map[morph.ArtifactID][]string
}

// Run builds every artifact in dag reachable from roots, in build-group
// order, using up to settings.MaxJobs workers per group (0 or less
// meaning runtime.NumCPU()). A failed build is recorded in
// Result.Failed and its dependents in Result.Skipped; it does not make
// Run return an error.
func Run(ctx context.Context, settings morphconfig.Settings, dag *morph.ArtifactDAG, keyOf func(morph.ArtifactID) string, local LocalCache, remote RemoteCache, build Builder, events chan<- Event) (Result, error) {
	order, err := dag.TopologicalSort()
	if err != nil {
		return Result{}, err
	}
	groups := dag.BuildGroups(order)

	maxJobs := int64(settings.MaxJobs)
	if maxJobs <= 0 {
		maxJobs = int64(runtime.NumCPU())
	}
	sem := semaphore.NewWeighted(maxJobs)

	res := Result{Failed: map[morph.ArtifactID]error{}, Skipped: map[morph.ArtifactID][]string{}}
	var mu sync.Mutex

	built := map[morph.ArtifactID]bool{}
	inFlight := map[string]*sync.Once{}
	var inFlightMu sync.Mutex

	emit := func(ev Event) {
		if events != nil {
			events <- ev
		}
	}

	for _, group := range groups {
		g, gctx := errgroup.WithContext(ctx)

		for _, id := range group {
			id := id
			key := keyOf(id)
			name := dag.Get(id).Name

			mu.Lock()
			failedDeps := failedDependencies(dag, id, res.Failed, res.Skipped)
			mu.Unlock()
			if len(failedDeps) > 0 {
				mu.Lock()
				res.Skipped[id] = failedDeps
				mu.Unlock()
				emit(Event{Artifact: name, Key: key, State: "skipped"})
				continue
			}

			if local.Has(key) {
				built[id] = true
				emit(Event{Artifact: name, Key: key, State: "cached"})
				continue
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}

			g.Go(func() error {
				defer sem.Release(1)

				inFlightMu.Lock()
				once, dup := inFlight[key]
				if !dup {
					once = &sync.Once{}
					inFlight[key] = once
				}
				inFlightMu.Unlock()

				var buildErr error
				once.Do(func() {
					if remote != nil {
						if hit, err := remote.Has(gctx, key); err == nil && hit {
							if err := remote.FetchInto(gctx, key, local); err == nil {
								emit(Event{Artifact: name, Key: key, State: "cached"})
								return
							}
							// Remote advertised the key but the fetch
							// failed (network blip, evicted between Has
							// and FetchInto): fall through to building
							// it locally instead of failing the build.
						}
					}
					emit(Event{Artifact: name, Key: key, State: "building"})
					buildErr = build(gctx, dag, id, key)
				})

				mu.Lock()
				if buildErr != nil {
					res.Failed[id] = buildErr
				} else {
					built[id] = true
				}
				mu.Unlock()

				if buildErr != nil {
					emit(Event{Artifact: name, Key: key, State: "failed", Err: buildErr})
					return nil
				}
				emit(Event{Artifact: name, Key: key, State: "built"})
				return nil
			})
		}

		// Build failures are recorded in res.Failed rather than
		// returned, so later groups still run and skip the failed
		// artifacts' dependents. errgroup.Wait blocks until every
		// build of this group has finished; only cancellation of ctx
		// ends the run early.
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return res, fmt.Errorf("build group failed: %w", err)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	return res, nil
}

// failedDependencies returns the names of id's direct dependencies
// that are recorded as failed or themselves skipped, so id can be
// reported as skipped rather than attempted. A dependency that was
// skipped (rather than built or failed outright) still means id
// cannot proceed: its own required input never landed in the cache,
// and the skip must cascade to every transitive dependent (spec.md §7
// cascade), not just the artifacts adjacent to the original failure.
func failedDependencies(dag *morph.ArtifactDAG, id morph.ArtifactID, failed map[morph.ArtifactID]error, skipped map[morph.ArtifactID][]string) []string {
	var names []string
	for _, depID := range dag.Get(id).Dependencies {
		if _, ok := failed[depID]; ok {
			names = append(names, dag.Get(depID).Name)
			continue
		}
		if _, ok := skipped[depID]; ok {
			names = append(names, dag.Get(depID).Name)
		}
	}
	return names
}
