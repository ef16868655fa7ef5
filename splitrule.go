package morph

import (
	"regexp"
	"strings"
)

// artifactRef is what an ArtifactMatch/ArtifactAssign/SourceAssign
// rule is tested against: the name of the source an artifact was
// built from, and the artifact's own name.
type artifactRef struct {
	sourceName   string
	artifactName string
}

// splitMatcher is the common interface of the four rule kinds a
// SplitRuleSet entry can use (spec.md §4.4, grounded in
// morphlib.artifactsplitrule.Rule and its subclasses).
type splitMatcher interface {
	matchFile(path string) bool
	matchArtifact(ref artifactRef) bool
}

// fileMatch matches a file path against a list of regexes. Used for
// chunk product rules, which route files in a chunk's destdir.
type fileMatch struct {
	patterns []*regexp.Regexp
}

func newFileMatch(regexes []string) fileMatch {
	return fileMatch{patterns: compileAll(regexes)}
}

func (m fileMatch) matchFile(path string) bool {
	return anyMatch(m.patterns, path)
}
func (m fileMatch) matchArtifact(artifactRef) bool { return false }

// artifactMatch matches an artifact's name against a list of regexes.
// Used for stratum and system product rules that route a chunk's
// named artifacts by pattern rather than explicit assignment.
type artifactMatch struct {
	patterns []*regexp.Regexp
}

func newArtifactMatch(regexes []string) artifactMatch {
	return artifactMatch{patterns: compileAll(regexes)}
}

func (m artifactMatch) matchFile(string) bool { return false }
func (m artifactMatch) matchArtifact(ref artifactRef) bool {
	return anyMatch(m.patterns, ref.artifactName)
}

// artifactAssign matches only the exact (source, artifact) pair named,
// for an explicit "artifacts:" mapping in a stratum chunk spec or
// system stratum spec.
type artifactAssign struct {
	sourceName, artifactName string
}

func (m artifactAssign) matchFile(string) bool { return false }
func (m artifactAssign) matchArtifact(ref artifactRef) bool {
	return ref.sourceName == m.sourceName && ref.artifactName == m.artifactName
}

// sourceAssign matches every artifact produced by the named source,
// used when a system stratum spec declares no explicit artifact list.
type sourceAssign struct {
	sourceName string
}

func (m sourceAssign) matchFile(string) bool { return false }
func (m sourceAssign) matchArtifact(ref artifactRef) bool {
	return ref.sourceName == m.sourceName
}

func compileAll(regexes []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(regexes))
	for _, r := range regexes {
		if re, err := regexp.Compile(r); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// splitRuleEntry pairs a produced artifact name with the matcher that
// routes things into it.
type splitRuleEntry struct {
	artifact string
	matcher  splitMatcher
}

// SplitRuleSet is an ordered rules engine for splitting a source's
// outputs into named artifacts: the first rule that matches wins
// (spec.md §4.4, grounded in morphlib.artifactsplitrule.SplitRules).
type SplitRuleSet struct {
	entries []splitRuleEntry
}

func (s *SplitRuleSet) add(artifact string, m splitMatcher) {
	s.entries = append(s.entries, splitRuleEntry{artifact, m})
}

// Artifacts returns the artifact names in first-added order, without
// repeats.
func (s *SplitRuleSet) Artifacts() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range s.entries {
		if !seen[e.artifact] {
			seen[e.artifact] = true
			out = append(out, e.artifact)
		}
	}
	return out
}

// MatchFile returns every artifact name whose rule matches path, in
// rule order.
func (s *SplitRuleSet) MatchFile(path string) []string {
	var out []string
	for _, e := range s.entries {
		if e.matcher.matchFile(path) {
			out = append(out, e.artifact)
		}
	}
	return out
}

// MatchArtifact returns every artifact name whose rule matches ref, in
// rule order.
func (s *SplitRuleSet) MatchArtifact(ref artifactRef) []string {
	var out []string
	for _, e := range s.entries {
		if e.matcher.matchArtifact(ref) {
			out = append(out, e.artifact)
		}
	}
	return out
}

// PartitionFiles groups paths by the first artifact they match.
// overlaps reports paths that matched more than one rule; unmatched
// reports paths that matched none.
func (s *SplitRuleSet) PartitionFiles(paths []string) (matches map[string][]string, overlaps map[string][]string, unmatched []string) {
	matches = map[string][]string{}
	overlaps = map[string][]string{}
	for _, p := range paths {
		m := s.MatchFile(p)
		switch {
		case len(m) == 0:
			unmatched = append(unmatched, p)
		default:
			if len(m) > 1 {
				overlaps[p] = m
			}
			matches[m[0]] = append(matches[m[0]], p)
		}
	}
	return matches, overlaps, unmatched
}

// PartitionArtifacts groups artifact refs by the first artifact they
// match, with the same overlap/unmatched semantics as PartitionFiles.
func (s *SplitRuleSet) PartitionArtifacts(refs []artifactRef) (matches map[string][]artifactRef, overlaps map[string][]string, unmatched []artifactRef) {
	matches = map[string][]artifactRef{}
	overlaps = map[string][]string{}
	for _, ref := range refs {
		m := s.MatchArtifact(ref)
		switch {
		case len(m) == 0:
			unmatched = append(unmatched, ref)
		default:
			if len(m) > 1 {
				overlaps[ref.sourceName+"/"+ref.artifactName] = m
			}
			matches[m[0]] = append(matches[m[0]], ref)
		}
	}
	return matches, overlaps, unmatched
}

// emptySplitRuleDefault is the no-op default used when a source kind
// has no applicable default list: one rule that matches everything
// into the source's bare name, preventing an artifact from silently
// losing all of its files (morphlib.artifactsplitrule.EMPTY_RULES).
var emptySplitRuleDefault = []SplitRuleDefault{{Suffix: "", Include: []string{".*"}}}

// chunkSplitRules builds the FileMatch rule set for a chunk: its own
// "products" entries first, then whichever entries from defaults are
// not already claimed by an explicit product name — the override is
// all-or-nothing per suffix, never additive (spec.md §4.4, grounded in
// morphlib.artifactsplitrule.unify_chunk_matches).
func chunkSplitRules(c *ChunkMorphology, defaults []SplitRuleDefault) *SplitRuleSet {
	if len(defaults) == 0 {
		defaults = emptySplitRuleDefault
	}
	rules := &SplitRuleSet{}
	for _, p := range c.Products {
		rules.add(p.Artifact, newFileMatch(p.Include))
	}
	claimed := map[string]bool{}
	for _, a := range rules.Artifacts() {
		claimed[a] = true
	}
	for _, d := range defaults {
		name := c.Name + d.Suffix
		if !claimed[name] {
			rules.add(name, newFileMatch(d.Include))
		}
	}
	return rules
}

// stratumSplitRules builds the rule set for a stratum: explicit
// "artifacts:" assignments from its chunk specs first (as exact
// ArtifactAssign rules), then ArtifactMatch rules from the stratum's
// own "products" plus whichever default suffixes are not already
// claimed (spec.md §4.4, grounded in
// morphlib.artifactsplitrule.unify_stratum_matches).
func stratumSplitRules(s *StratumMorphology, defaults []SplitRuleDefault) *SplitRuleSet {
	if len(defaults) == 0 {
		defaults = emptySplitRuleDefault
	}

	assign := &SplitRuleSet{}
	for _, c := range s.Chunks {
		for caName, staName := range c.Artifacts {
			assign.add(staName, artifactAssign{sourceName: c.Name, artifactName: caName})
		}
	}

	match := &SplitRuleSet{}
	for _, p := range s.Products {
		match.add(p.Artifact, newArtifactMatch(p.Include))
	}
	claimed := map[string]bool{}
	for _, a := range match.Artifacts() {
		claimed[a] = true
	}
	for _, d := range defaults {
		name := s.Name + d.Suffix
		if !claimed[name] {
			match.add(name, newArtifactMatch(d.Include))
		}
	}

	out := &SplitRuleSet{}
	out.entries = append(out.entries, assign.entries...)
	out.entries = append(out.entries, match.entries...)
	return out
}

// systemSplitRules builds the rule set that assigns every stratum
// artifact to the system's single "-rootfs" artifact: an explicit
// "artifacts:" list on a SystemStratumSpec becomes per-artifact
// ArtifactAssign rules, and its absence becomes a catch-all
// SourceAssign rule for that stratum (spec.md §4.4, grounded in
// morphlib.artifactsplitrule.unify_system_matches). sourceNameOf
// resolves a SystemStratumSpec to the source name it was registered
// under in the SourcePool (normally its morph filename without the
// stratum's own declared name, which this package does not track
// separately).
func systemSplitRules(sys *SystemMorphology, sourceNameOf func(SystemStratumSpec) string) *SplitRuleSet {
	name := sys.Name + "-rootfs"
	rules := &SplitRuleSet{}
	for _, st := range sys.Strata {
		sourceName := sourceNameOf(st)
		if st.Artifacts == nil {
			rules.add(name, sourceAssign{sourceName: sourceName})
			continue
		}
		for _, artifactName := range st.Artifacts {
			rules.add(name, artifactAssign{sourceName: sourceName, artifactName: artifactName})
		}
	}
	return rules
}

// sourceNameFromMorphPath derives the stand-in source identity used by
// systemSplitRules when a SystemStratumSpec carries no separate
// "name" field: the morph path's base name with any .morph suffix
// removed.
func sourceNameFromMorphPath(morphPath string) string {
	base := morphPath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.TrimSuffix(base, ".morph")
}
