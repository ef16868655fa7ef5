package morph

import (
	"testing"

	"gotest.tools/v3/assert"
)

// chunkSource builds a minimal chunk Source with a single artifact
// named after the chunk itself (no products, so chunkSplitRules falls
// back to one catch-all artifact).
func chunkSource(repo, name string) *Source {
	return &Source{
		RepoName:    repo,
		OriginalRef: "",
		Filename:    name + ".morph",
		Morphology: &Morphology{
			Kind:  KindChunk,
			Chunk: &ChunkMorphology{Name: name, Kind: KindChunk},
		},
	}
}

func stratumSource(repo, name string, chunks []StratumChunkSpec, buildDepends []StratumBuildDependSpec) *Source {
	return &Source{
		RepoName:    repo,
		OriginalRef: "",
		Filename:    name + ".morph",
		Morphology: &Morphology{
			Kind: KindStratum,
			Stratum: &StratumMorphology{
				Name:         name,
				Kind:         KindStratum,
				Chunks:       chunks,
				BuildDepends: buildDepends,
			},
		},
	}
}

func systemSource(repo, name string, strata []SystemStratumSpec) *Source {
	return &Source{
		RepoName:    repo,
		OriginalRef: "",
		Filename:    name + ".morph",
		Morphology: &Morphology{
			Kind: KindSystem,
			System: &SystemMorphology{
				Name:   name,
				Kind:   KindSystem,
				Arch:   ArchX86_64,
				Strata: strata,
			},
		},
	}
}

// noDefaults forces every chunk/stratum source down to exactly one
// catch-all artifact sharing the source's own name, so these tests can
// assert on precise dependency edges without the built-in -devel/-doc/
// etc. suffix artifacts also appearing in the graph.
var noDefaults = SplitRuleDefaults{}

func TestResolveArtifactsWiresChunkIntoStratum(t *testing.T) {
	pool := NewSourcePool()
	gcc := chunkSource("", "gcc")
	core := stratumSource("", "core", []StratumChunkSpec{{Name: "gcc"}}, nil)
	pool.Add(gcc)
	pool.Add(core)

	dag, err := ResolveArtifacts(pool, noDefaults)
	assert.NilError(t, err)
	assert.Equal(t, dag.Len(), 2)

	var coreID, gccID ArtifactID
	for _, a := range dag.All() {
		switch a.Name {
		case "core":
			coreID = a.ID
		case "gcc":
			gccID = a.ID
		}
	}

	assert.DeepEqual(t, dag.Get(coreID).Dependencies, []ArtifactID{gccID})
}

func TestResolveArtifactsWiresStratumIntoSystem(t *testing.T) {
	pool := NewSourcePool()
	gcc := chunkSource("", "gcc")
	core := stratumSource("", "core", []StratumChunkSpec{{Name: "gcc"}}, nil)
	sys := systemSource("", "my-system", []SystemStratumSpec{{Morph: "core.morph"}})
	pool.Add(gcc)
	pool.Add(core)
	pool.Add(sys)

	dag, err := ResolveArtifacts(pool, noDefaults)
	assert.NilError(t, err)

	var sysID, coreID ArtifactID
	for _, a := range dag.All() {
		switch a.Name {
		case "my-system-rootfs":
			sysID = a.ID
		case "core":
			coreID = a.ID
		}
	}

	assert.DeepEqual(t, dag.Get(sysID).Dependencies, []ArtifactID{coreID})
}

func TestResolveArtifactsStratumBuildDependsWiresEdge(t *testing.T) {
	pool := NewSourcePool()
	base := stratumSource("", "base", nil, nil)
	core := stratumSource("", "core", nil, []StratumBuildDependSpec{{Morph: "base.morph"}})
	pool.Add(base)
	pool.Add(core)

	dag, err := ResolveArtifacts(pool, noDefaults)
	assert.NilError(t, err)

	var baseID, coreID ArtifactID
	for _, a := range dag.All() {
		switch a.Name {
		case "base":
			baseID = a.ID
		case "core":
			coreID = a.ID
		}
	}
	assert.DeepEqual(t, dag.Get(coreID).Dependencies, []ArtifactID{baseID})
}

func TestResolveArtifactsMutualStratumDependencyIsGraphError(t *testing.T) {
	pool := NewSourcePool()
	a := stratumSource("", "a", nil, []StratumBuildDependSpec{{Morph: "b.morph"}})
	b := stratumSource("", "b", nil, []StratumBuildDependSpec{{Morph: "a.morph"}})
	pool.Add(a)
	pool.Add(b)

	_, err := ResolveArtifacts(pool, noDefaults)
	assert.Assert(t, err != nil)
	ge, ok := err.(*GraphError)
	assert.Assert(t, ok)
	assert.Equal(t, ge.Kind, MutualDependencyError)
}

func TestResolveArtifactsUnknownChunkBuildDependIsGraphError(t *testing.T) {
	pool := NewSourcePool()
	gcc := chunkSource("", "gcc")
	core := stratumSource("", "core", []StratumChunkSpec{
		{Name: "gcc", BuildDepends: []string{"missing"}},
	}, nil)
	pool.Add(gcc)
	pool.Add(core)

	_, err := ResolveArtifacts(pool, noDefaults)
	assert.Assert(t, err != nil)
	ge, ok := err.(*GraphError)
	assert.Assert(t, ok)
	assert.Equal(t, ge.Kind, UnknownDependencyError)
}

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	dag := NewArtifactDAG()
	cID := dag.AddArtifact(Artifact{Name: "c"})
	bID := dag.AddArtifact(Artifact{Name: "b"})
	aID := dag.AddArtifact(Artifact{Name: "a"})
	dag.AddDependency(bID, cID)
	dag.AddDependency(aID, bID)

	order, err := dag.TopologicalSort()
	assert.NilError(t, err)
	assert.DeepEqual(t, order, []ArtifactID{cID, bID, aID})
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	dag := NewArtifactDAG()
	aID := dag.AddArtifact(Artifact{Name: "a"})
	bID := dag.AddArtifact(Artifact{Name: "b"})
	dag.AddDependency(aID, bID)
	dag.AddDependency(bID, aID)

	_, err := dag.TopologicalSort()
	assert.Assert(t, err != nil)
	ge, ok := err.(*GraphError)
	assert.Assert(t, ok)
	assert.Equal(t, ge.Kind, CyclicDependencyChainError)
}

func TestBuildGroupsSeparatesDependentArtifacts(t *testing.T) {
	dag := NewArtifactDAG()
	cID := dag.AddArtifact(Artifact{Name: "c"})
	bID := dag.AddArtifact(Artifact{Name: "b"})
	aID := dag.AddArtifact(Artifact{Name: "a"})
	dag.AddDependency(bID, cID)
	dag.AddDependency(aID, bID)

	order, err := dag.TopologicalSort()
	assert.NilError(t, err)
	groups := dag.BuildGroups(order)

	assert.Equal(t, len(groups), 3)
	assert.DeepEqual(t, groups[0], []ArtifactID{cID})
	assert.DeepEqual(t, groups[1], []ArtifactID{bID})
	assert.DeepEqual(t, groups[2], []ArtifactID{aID})
}

func TestBuildGroupsKeepsIndependentArtifactsTogether(t *testing.T) {
	dag := NewArtifactDAG()
	aID := dag.AddArtifact(Artifact{Name: "a"})
	bID := dag.AddArtifact(Artifact{Name: "b"})

	order, err := dag.TopologicalSort()
	assert.NilError(t, err)
	groups := dag.BuildGroups(order)

	assert.Equal(t, len(groups), 1)
	assert.Equal(t, len(groups[0]), 2)
	assert.Assert(t, groups[0][0] == aID || groups[0][0] == bID)
}

func TestRootsReturnsArtifactsWithNoDependents(t *testing.T) {
	dag := NewArtifactDAG()
	cID := dag.AddArtifact(Artifact{Name: "c"})
	bID := dag.AddArtifact(Artifact{Name: "b"})
	dag.AddDependency(bID, cID)

	roots := dag.Roots()
	assert.Equal(t, len(roots), 1)
	assert.Equal(t, roots[0].Name, "b")
}
