package morph

import "encoding/json"

// serialisedArtifact is the wire form of one Artifact: dependencies
// are written as cache keys rather than in-process IDs, so the graph
// can be decoded without the originating ArtifactDAG (spec.md §4.13).
type serialisedArtifact struct {
	Name           string   `json:"name"`
	Kind           Kind     `json:"kind"`
	SourceRepo     string   `json:"source-repo"`
	SourceRef      string   `json:"source-ref"`
	SourceFilename string   `json:"source-filename"`
	CacheKey       string   `json:"cache-key"`
	Dependencies   []string `json:"dependencies"`
}

// SerialisedDAG is the wire form of an entire ArtifactDAG: every
// artifact plus the cache keys of the roots requested for the build.
type SerialisedDAG struct {
	Artifacts []serialisedArtifact `json:"artifacts"`
	Roots     []string             `json:"roots"`
}

// Serialise converts dag into its wire form, resolving every
// dependency edge to the dependency's cache key (spec.md §4.13,
// grounded in the artifact-serialiser design note: a DAG must
// round-trip through a cache-key-addressed, not pointer-addressed,
// representation so it can cross a process boundary).
func Serialise(dag *ArtifactDAG, keyOf func(ArtifactID) string) SerialisedDAG {
	out := SerialisedDAG{Artifacts: make([]serialisedArtifact, 0, dag.Len())}
	for _, a := range dag.All() {
		deps := make([]string, 0, len(a.Dependencies))
		for _, depID := range a.Dependencies {
			deps = append(deps, keyOf(depID))
		}
		out.Artifacts = append(out.Artifacts, serialisedArtifact{
			Name:           a.Name,
			Kind:           a.Kind,
			SourceRepo:     a.SourceRepo,
			SourceRef:      a.SourceRef,
			SourceFilename: a.SourceFilename,
			CacheKey:       keyOf(a.ID),
			Dependencies:   deps,
		})
	}
	for _, root := range dag.Roots() {
		out.Roots = append(out.Roots, keyOf(root.ID))
	}
	return out
}

// Marshal encodes a SerialisedDAG as JSON.
func (d SerialisedDAG) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// DeserialisedArtifact is a decoded artifact addressed by cache key
// rather than ArtifactID, with its dependencies resolved to the same
// addressing scheme (spec.md §4.13).
type DeserialisedArtifact struct {
	Name           string
	Kind           Kind
	SourceRepo     string
	SourceRef      string
	SourceFilename string
	CacheKey       string
	Dependencies   []*DeserialisedArtifact
}

// Deserialise decodes JSON produced by Marshal into a graph of
// cache-key-addressed artifacts plus the requested roots.
func Deserialise(dt []byte) ([]*DeserialisedArtifact, []*DeserialisedArtifact, error) {
	var wire SerialisedDAG
	if err := json.Unmarshal(dt, &wire); err != nil {
		return nil, nil, &ProtocolError{Op: "deserialise", Err: Wrap(err, "parsing artifact graph")}
	}

	byKey := make(map[string]*DeserialisedArtifact, len(wire.Artifacts))
	for _, sa := range wire.Artifacts {
		byKey[sa.CacheKey] = &DeserialisedArtifact{
			Name:           sa.Name,
			Kind:           sa.Kind,
			SourceRepo:     sa.SourceRepo,
			SourceRef:      sa.SourceRef,
			SourceFilename: sa.SourceFilename,
			CacheKey:       sa.CacheKey,
		}
	}
	all := make([]*DeserialisedArtifact, 0, len(wire.Artifacts))
	for _, sa := range wire.Artifacts {
		a := byKey[sa.CacheKey]
		for _, depKey := range sa.Dependencies {
			dep, ok := byKey[depKey]
			if !ok {
				return nil, nil, &ProtocolError{Op: "deserialise", Err: Wrapf(errMissingDependency, "artifact %s references unknown cache key %s", sa.Name, depKey)}
			}
			a.Dependencies = append(a.Dependencies, dep)
		}
		all = append(all, a)
	}

	roots := make([]*DeserialisedArtifact, 0, len(wire.Roots))
	for _, key := range wire.Roots {
		root, ok := byKey[key]
		if !ok {
			return nil, nil, &ProtocolError{Op: "deserialise", Err: Wrapf(errMissingDependency, "root references unknown cache key %s", key)}
		}
		roots = append(roots, root)
	}

	return all, roots, nil
}
