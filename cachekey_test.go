package morph

import (
	"testing"

	"gotest.tools/v3/assert"
)

// cacheKeyFixture builds a 2-node chunk DAG (parent depends on dep)
// with just enough Source data populated for calculate() to run.
func cacheKeyFixture(t *testing.T) (*ArtifactDAG, ArtifactID, ArtifactID) {
	t.Helper()
	dag := NewArtifactDAG()
	depID := dag.AddArtifact(Artifact{Name: "dep", Kind: KindChunk})
	parentID := dag.AddArtifact(Artifact{Name: "parent", Kind: KindChunk})
	dag.AddDependency(parentID, depID)

	dag.source[depID] = &Source{
		Tree:       "dep-tree-sha",
		SplitRules: &SplitRuleSet{},
		Morphology: &Morphology{Kind: KindChunk, Chunk: &ChunkMorphology{Name: "dep"}},
	}
	dag.source[parentID] = &Source{
		Tree:       "parent-tree-sha",
		SplitRules: &SplitRuleSet{},
		Morphology: &Morphology{Kind: KindChunk, Chunk: &ChunkMorphology{Name: "parent"}},
	}

	return dag, parentID, depID
}

func TestComputeKeyIsStableAcrossCalls(t *testing.T) {
	dag, parentID, _ := cacheKeyFixture(t)
	c := NewCacheKeyComputer(dag, BuildEnv{})

	first := c.ComputeKey(parentID)
	second := c.ComputeKey(parentID)
	assert.Equal(t, first, second)
	assert.Assert(t, first != "")
}

func TestComputeKeyChangesWhenDependencyTreeChanges(t *testing.T) {
	dag, parentID, depID := cacheKeyFixture(t)
	c1 := NewCacheKeyComputer(dag, BuildEnv{})
	before := c1.ComputeKey(parentID)

	dag.source[depID].Tree = "dep-tree-sha-changed"
	c2 := NewCacheKeyComputer(dag, BuildEnv{})
	after := c2.ComputeKey(parentID)

	assert.Assert(t, before != after)
}

func TestComputeKeyUnaffectedByNonWhitelistedEnv(t *testing.T) {
	dag, parentID, _ := cacheKeyFixture(t)

	c1 := NewCacheKeyComputer(dag, BuildEnv{Env: map[string]string{"PATH": "/usr/bin"}})
	c2 := NewCacheKeyComputer(dag, BuildEnv{Env: map[string]string{"PATH": "/opt/bin"}})

	assert.Equal(t, c1.ComputeKey(parentID), c2.ComputeKey(parentID))
}

func TestComputeKeyChangesWithWhitelistedEnv(t *testing.T) {
	dag, parentID, _ := cacheKeyFixture(t)

	c1 := NewCacheKeyComputer(dag, BuildEnv{Env: map[string]string{"MORPH_ARCH": "x86_64"}})
	c2 := NewCacheKeyComputer(dag, BuildEnv{Env: map[string]string{"MORPH_ARCH": "armv7"}})

	assert.Assert(t, c1.ComputeKey(parentID) != c2.ComputeKey(parentID))
}

func TestComputeKeyChangesWithBuildModeAndPrefix(t *testing.T) {
	dag, parentID, _ := cacheKeyFixture(t)
	c1 := NewCacheKeyComputer(dag, BuildEnv{})
	before := c1.ComputeKey(parentID)

	dag.source[parentID].BuildMode = BuildModeBootstrap
	dag.source[parentID].Prefix = "/tools"
	c2 := NewCacheKeyComputer(dag, BuildEnv{})
	after := c2.ComputeKey(parentID)

	assert.Assert(t, before != after)
}

func TestHashIDIsOrderIndependentForMapKeys(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": 2, "c": []interface{}{"x", "y"}}
	b := map[string]interface{}{"c": []interface{}{"x", "y"}, "b": 2, "a": 1}

	assert.Equal(t, hashID(a), hashID(b))
}

func TestHashIDDiffersOnListOrder(t *testing.T) {
	a := map[string]interface{}{"kids": []interface{}{"x", "y"}}
	b := map[string]interface{}{"kids": []interface{}{"y", "x"}}

	assert.Assert(t, hashID(a) != hashID(b))
}

func TestStratumCacheIDIncludesFormatVersion(t *testing.T) {
	dag := NewArtifactDAG()
	id := dag.AddArtifact(Artifact{Name: "core", Kind: KindStratum})
	dag.source[id] = &Source{
		SplitRules: &SplitRuleSet{},
		Morphology: &Morphology{Kind: KindStratum, Stratum: &StratumMorphology{Name: "core", Kind: KindStratum}},
	}

	c := NewCacheKeyComputer(dag, BuildEnv{})
	cacheID := c.CacheID(id)
	assert.Equal(t, cacheID["stratum-format-version"], StratumFormatVersion)
	assert.Equal(t, cacheID["name"], "core")
}

func TestSystemCacheIDIncludesCompatibilityVersion(t *testing.T) {
	dag := NewArtifactDAG()
	id := dag.AddArtifact(Artifact{Name: "my-system-rootfs", Kind: KindSystem})
	dag.source[id] = &Source{
		SplitRules: &SplitRuleSet{},
		Morphology: &Morphology{Kind: KindSystem, System: &SystemMorphology{Name: "my-system", Kind: KindSystem, Arch: ArchX86_64}},
	}

	c := NewCacheKeyComputer(dag, BuildEnv{})
	cacheID := c.CacheID(id)
	assert.Equal(t, cacheID["system-compatibility-version"], SystemCompatibilityVersion)
	assert.Equal(t, cacheID["arch"], "x86_64")
}
