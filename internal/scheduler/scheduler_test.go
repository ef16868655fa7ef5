package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	morph "github.com/tacgomes/morph-sub000"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
)

// fakeLocal is an in-memory LocalCache.
type fakeLocal struct {
	mu   sync.Mutex
	have map[string]bool
}

func newFakeLocal(keys ...string) *fakeLocal {
	f := &fakeLocal{have: map[string]bool{}}
	for _, k := range keys {
		f.have[k] = true
	}
	return f
}

func (f *fakeLocal) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.have[key]
}

func (f *fakeLocal) Put(ctx context.Context, key string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.have[key] = true
	return nil
}

// fakeRemote reports a hit for every key in have and records which
// keys were fetched into the local cache.
type fakeRemote struct {
	mu      sync.Mutex
	have    map[string]bool
	fetched []string
}

func (r *fakeRemote) Has(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.have[key], nil
}

func (r *fakeRemote) FetchInto(ctx context.Context, key string, local LocalCache) error {
	r.mu.Lock()
	r.fetched = append(r.fetched, key)
	r.mu.Unlock()
	return local.Put(ctx, key, nil)
}

// linearDAG returns a 3-node chain a -> b -> c (c depends on nothing, b
// depends on c, a depends on b), with cache keys equal to names.
func linearDAG(t *testing.T) (*morph.ArtifactDAG, func(morph.ArtifactID) string) {
	t.Helper()
	dag := morph.NewArtifactDAG()
	cID := dag.AddArtifact(morph.Artifact{Name: "c"})
	bID := dag.AddArtifact(morph.Artifact{Name: "b"})
	aID := dag.AddArtifact(morph.Artifact{Name: "a"})
	dag.AddDependency(bID, cID)
	dag.AddDependency(aID, bID)

	names := map[morph.ArtifactID]string{aID: "a", bID: "b", cID: "c"}
	return dag, func(id morph.ArtifactID) string { return names[id] }
}

func TestRunBuildsEveryArtifactInDependencyOrder(t *testing.T) {
	dag, keyOf := linearDAG(t)
	local := newFakeLocal()

	var mu sync.Mutex
	var built []string

	build := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		mu.Lock()
		built = append(built, key)
		mu.Unlock()
		local.mu.Lock()
		local.have[key] = true
		local.mu.Unlock()
		return nil
	}

	res, err := Run(context.Background(), morphconfig.Settings{MaxJobs: 1}, dag, keyOf, local, nil, build, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(res.Failed), 0)
	assert.DeepEqual(t, built, []string{"c", "b", "a"})
}

func TestRunSkipsAlreadyCachedArtifacts(t *testing.T) {
	dag, keyOf := linearDAG(t)
	local := newFakeLocal("c", "b", "a")

	build := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		t.Fatalf("build should not be called for cached artifact %s", key)
		return nil
	}

	res, err := Run(context.Background(), morphconfig.Settings{MaxJobs: 2}, dag, keyOf, local, nil, build, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(res.Failed), 0)
}

func TestRunFetchesRemoteHitsIntoLocalCache(t *testing.T) {
	dag, keyOf := linearDAG(t)
	local := newFakeLocal()
	remote := &fakeRemote{have: map[string]bool{"c": true}}

	var mu sync.Mutex
	var built []string
	build := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		mu.Lock()
		built = append(built, key)
		mu.Unlock()
		return local.Put(ctx, key, nil)
	}

	res, err := Run(context.Background(), morphconfig.Settings{MaxJobs: 1}, dag, keyOf, local, remote, build, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(res.Failed), 0)

	// "c" is a remote hit, so it must never be built locally, but it
	// still has to end up fetched into the local cache so "b" can
	// extract it as a dependency.
	assert.DeepEqual(t, built, []string{"b", "a"})
	assert.DeepEqual(t, remote.fetched, []string{"c"})
	assert.Assert(t, local.Has("c"))
}

func TestRunSkipsDependentsOfFailedBuild(t *testing.T) {
	dag, keyOf := linearDAG(t)
	local := newFakeLocal()

	build := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		if key == "c" {
			return fmt.Errorf("boom")
		}
		return nil
	}

	res, err := Run(context.Background(), morphconfig.Settings{MaxJobs: 1}, dag, keyOf, local, nil, build, nil)
	assert.NilError(t, err)

	var failedID, skippedBID, skippedAID morph.ArtifactID
	for _, a := range dag.All() {
		switch a.Name {
		case "c":
			failedID = a.ID
		case "b":
			skippedBID = a.ID
		case "a":
			skippedAID = a.ID
		}
	}

	assert.Assert(t, res.Failed[failedID] != nil)
	assert.DeepEqual(t, res.Skipped[skippedBID], []string{"c"})
	assert.DeepEqual(t, res.Skipped[skippedAID], []string{"b"})
}

func TestRunEmitsEvents(t *testing.T) {
	dag, keyOf := linearDAG(t)
	local := newFakeLocal()

	build := func(ctx context.Context, dag *morph.ArtifactDAG, id morph.ArtifactID, key string) error {
		return nil
	}

	events := make(chan Event, 16)
	_, err := Run(context.Background(), morphconfig.Settings{MaxJobs: 1}, dag, keyOf, local, nil, build, events)
	close(events)
	assert.NilError(t, err)

	var sawBuilding, sawBuilt int
	for ev := range events {
		switch ev.State {
		case "building":
			sawBuilding++
		case "built":
			sawBuilt++
		}
	}
	assert.Equal(t, sawBuilding, 3)
	assert.Equal(t, sawBuilt, 3)
}
