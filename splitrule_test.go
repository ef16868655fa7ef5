package morph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestPartitionFilesFirstRuleWins(t *testing.T) {
	rules := &SplitRuleSet{}
	rules.add("gcc-libs", newFileMatch([]string{`.*\.so(\..*)?$`}))
	rules.add("gcc", newFileMatch([]string{".*"}))

	matches, overlaps, unmatched := rules.PartitionFiles([]string{
		"/usr/lib/libgcc_s.so.1",
		"/usr/bin/gcc",
		"/usr/share/doc/gcc/README",
	})

	assert.DeepEqual(t, matches["gcc-libs"], []string{"/usr/lib/libgcc_s.so.1"})
	assert.DeepEqual(t, matches["gcc"], []string{"/usr/bin/gcc", "/usr/share/doc/gcc/README"})
	assert.DeepEqual(t, overlaps, map[string][]string{"/usr/lib/libgcc_s.so.1": {"gcc-libs", "gcc"}})
	assert.Equal(t, len(unmatched), 0)
}

func TestPartitionFilesOverlapAndUnmatched(t *testing.T) {
	rules := &SplitRuleSet{}
	rules.add("a", newFileMatch([]string{`.*bin.*`}))
	rules.add("b", newFileMatch([]string{`.*bin.*`}))

	matches, overlaps, unmatched := rules.PartitionFiles([]string{"/usr/bin/foo", "/etc/nothing"})

	// first matching rule wins, but the overlap is still reported.
	assert.DeepEqual(t, matches["a"], []string{"/usr/bin/foo"})
	if diff := cmp.Diff([]string{"a", "b"}, overlaps["/usr/bin/foo"]); diff != "" {
		t.Errorf("overlaps mismatch (-want +got):\n%s", diff)
	}
	assert.DeepEqual(t, unmatched, []string{"/etc/nothing"})
}

func TestChunkSplitRulesExplicitProductTakesPriorityOverDefault(t *testing.T) {
	chunk := &ChunkMorphology{
		Name: "gcc",
		Products: []ProductSpec{
			{Artifact: "gcc-libs", Include: []string{`.*\.so.*`}},
		},
	}
	defaults := []SplitRuleDefault{
		{Suffix: "-doc", Include: []string{".*/doc/.*"}},
		{Suffix: "", Include: []string{".*"}},
	}

	rules := chunkSplitRules(chunk, defaults)
	artifacts := rules.Artifacts()

	assert.DeepEqual(t, artifacts, []string{"gcc-libs", "gcc-doc", "gcc"})

	matches, _, _ := rules.PartitionFiles([]string{
		"/usr/lib/libgcc.so",
		"/usr/bin/gcc",
		"/usr/share/doc/gcc/README",
	})
	assert.DeepEqual(t, matches["gcc-libs"], []string{"/usr/lib/libgcc.so"})
	assert.DeepEqual(t, matches["gcc"], []string{"/usr/bin/gcc"})
	assert.DeepEqual(t, matches["gcc-doc"], []string{"/usr/share/doc/gcc/README"})
}

func TestChunkSplitRulesEmptyDefaultsCatchesEverything(t *testing.T) {
	chunk := &ChunkMorphology{Name: "zlib"}
	rules := chunkSplitRules(chunk, nil)
	assert.DeepEqual(t, rules.Artifacts(), []string{"zlib"})

	matches, _, unmatched := rules.PartitionFiles([]string{"/usr/lib/libz.so"})
	assert.DeepEqual(t, matches["zlib"], []string{"/usr/lib/libz.so"})
	assert.Equal(t, len(unmatched), 0)
}

func TestStratumSplitRulesExplicitArtifactAssignBeatsProductMatch(t *testing.T) {
	stratum := &StratumMorphology{
		Name: "core",
		Chunks: []StratumChunkSpec{
			{Name: "gcc", Artifacts: map[string]string{"gcc-libs": "core-libs"}},
		},
		Products: []ProductSpec{
			{Artifact: "core-tools", Include: []string{".*"}},
		},
	}

	rules := stratumSplitRules(stratum, nil)
	matches, _, _ := rules.PartitionArtifacts([]artifactRef{
		{sourceName: "gcc", artifactName: "gcc-libs"},
		{sourceName: "gcc", artifactName: "gcc-bin"},
	})

	assert.Equal(t, len(matches["core-libs"]), 1)
	assert.Equal(t, matches["core-libs"][0].artifactName, "gcc-libs")
	assert.Equal(t, len(matches["core-tools"]), 1)
	assert.Equal(t, matches["core-tools"][0].artifactName, "gcc-bin")
}

func TestSystemSplitRulesDefaultsToSourceAssignWhenNoArtifactsListed(t *testing.T) {
	sys := &SystemMorphology{
		Name: "my-system",
		Strata: []SystemStratumSpec{
			{Morph: "core.morph"},
		},
	}

	rules := systemSplitRules(sys, func(s SystemStratumSpec) string { return sourceNameFromMorphPath(s.Morph) })
	matches, _, _ := rules.PartitionArtifacts([]artifactRef{
		{sourceName: "core", artifactName: "core-libs"},
		{sourceName: "core", artifactName: "core-bin"},
	})

	assert.Equal(t, len(matches["my-system-rootfs"]), 2)
}

func TestSystemSplitRulesExplicitArtifactList(t *testing.T) {
	sys := &SystemMorphology{
		Name: "my-system",
		Strata: []SystemStratumSpec{
			{Morph: "core.morph", Artifacts: []string{"core-libs"}},
		},
	}

	rules := systemSplitRules(sys, func(s SystemStratumSpec) string { return sourceNameFromMorphPath(s.Morph) })
	matches, _, unmatched := rules.PartitionArtifacts([]artifactRef{
		{sourceName: "core", artifactName: "core-libs"},
		{sourceName: "core", artifactName: "core-bin"},
	})

	assert.Equal(t, len(matches["my-system-rootfs"]), 1)
	assert.Equal(t, matches["my-system-rootfs"][0].artifactName, "core-libs")
	assert.Equal(t, len(unmatched), 1)
	assert.Equal(t, unmatched[0].artifactName, "core-bin")
}

func TestSourceNameFromMorphPath(t *testing.T) {
	cases := map[string]string{
		"core.morph":              "core",
		"strata/core.morph":       "core",
		"strata/core":             "core",
		"deeply/nested/core.morph": "core",
	}
	for in, want := range cases {
		assert.Equal(t, sourceNameFromMorphPath(in), want)
	}
}
