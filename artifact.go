package morph

import "fmt"

// ArtifactID indexes an Artifact within an ArtifactDAG. Using an index
// rather than a pointer keeps the graph trivially serialisable and
// gives stable, comparable identities independent of any particular
// Go object's address (spec.md §9 design note on arena-based graphs).
type ArtifactID int

// Artifact is one buildable, cacheable output: a named slice of a
// chunk's destdir, a named slice of a stratum's chunk artifacts, or a
// system's single rootfs (spec.md §3, §4.5).
type Artifact struct {
	ID   ArtifactID
	Name string
	Kind Kind

	// SourceRepo, SourceRef, SourceFilename identify the Source this
	// artifact was produced from.
	SourceRepo     string
	SourceRef      string
	SourceFilename string

	Dependencies []ArtifactID
	Dependents   []ArtifactID

	// CacheKey is filled in by CacheKeyComputer.ComputeKey once every
	// dependency's own key is known (cachekey.go).
	CacheKey string
}

// ArtifactDAG is the arena holding every Artifact discovered for one
// build, plus the adjacency needed to topologically sort them.
type ArtifactDAG struct {
	nodes []Artifact
	// source maps each artifact back to the Source it was produced
	// from, used by the Cache-Key Computer to read build-mode, prefix,
	// tree, split rules, and morphology contents.
	source map[ArtifactID]*Source
}

// NewArtifactDAG returns an empty DAG for programmatic construction,
// for callers building an artifact graph without a full morphology
// resolve pass (internal/scheduler's tests, most notably).
func NewArtifactDAG() *ArtifactDAG {
	return &ArtifactDAG{source: map[ArtifactID]*Source{}}
}

// AddArtifact adds a new artifact node to the DAG and returns its
// assigned ID, overwriting whatever ID field a carried.
func (g *ArtifactDAG) AddArtifact(a Artifact) ArtifactID {
	return g.add(a)
}

// AddDependency records that from depends on to; both IDs must already
// have been returned by AddArtifact on this DAG.
func (g *ArtifactDAG) AddDependency(from, to ArtifactID) {
	g.addEdge(from, to)
}

// SourceOf returns the Source an artifact was produced from.
func (g *ArtifactDAG) SourceOf(id ArtifactID) *Source { return g.source[id] }

// Get returns the artifact at id.
func (g *ArtifactDAG) Get(id ArtifactID) *Artifact { return &g.nodes[id] }

// Len reports how many artifacts the DAG holds.
func (g *ArtifactDAG) Len() int { return len(g.nodes) }

// All returns every artifact in the DAG in creation order.
func (g *ArtifactDAG) All() []*Artifact {
	out := make([]*Artifact, len(g.nodes))
	for i := range g.nodes {
		out[i] = &g.nodes[i]
	}
	return out
}

func (g *ArtifactDAG) add(a Artifact) ArtifactID {
	id := ArtifactID(len(g.nodes))
	a.ID = id
	g.nodes = append(g.nodes, a)
	return id
}

// addEdge records that `from` depends on `to`: `from` cannot build
// until `to` has been built.
func (g *ArtifactDAG) addEdge(from, to ArtifactID) {
	g.nodes[from].Dependencies = append(g.nodes[from].Dependencies, to)
	g.nodes[to].Dependents = append(g.nodes[to].Dependents, from)
}

// Roots returns every artifact nothing else depends on: the final
// outputs requested for the build (spec.md §4.5
// resolve_root_artifacts).
func (g *ArtifactDAG) Roots() []*Artifact {
	var out []*Artifact
	for i := range g.nodes {
		if len(g.nodes[i].Dependents) == 0 {
			out = append(out, &g.nodes[i])
		}
	}
	return out
}

// SplitRuleDefaults bundles the default split-rule lists the Artifact
// Resolver consults per source kind, so callers can pass
// DEFAULTS-file overrides in instead of the built-in tables.
type SplitRuleDefaults struct {
	Chunk   []SplitRuleDefault
	Stratum []SplitRuleDefault
}

// DefaultSplitRuleDefaults is the built-in fallback used when a
// definitions tree carries no DEFAULTS file split-rules section.
var DefaultSplitRuleDefaults = SplitRuleDefaults{
	Chunk:   builtinChunkSplitRules,
	Stratum: builtinStratumSplitRules,
}

// artifactResolver expands a SourcePool into an ArtifactDAG (spec.md
// §4.5, grounded in morphlib.artifactresolver.ArtifactResolver).
type artifactResolver struct {
	pool     *SourcePool
	defaults SplitRuleDefaults
	dag      *ArtifactDAG
}

// ResolveArtifacts expands every source in pool into its artifacts and
// wires the build-dependency edges between them (spec.md §4.5).
// It returns GraphError{MutualDependencyError} for two strata that
// build-depend on each other, and GraphError{UnknownDependencyError}
// for a chunk's build-depends entry naming a sibling not declared in
// the same stratum.
func ResolveArtifacts(pool *SourcePool, defaults SplitRuleDefaults) (*ArtifactDAG, error) {
	r := &artifactResolver{pool: pool, defaults: defaults, dag: &ArtifactDAG{}}

	r.dag.source = map[ArtifactID]*Source{}
	for _, src := range pool.All() {
		r.createArtifacts(src)
	}
	for _, src := range pool.All() {
		if err := r.wireDependencies(src); err != nil {
			return nil, err
		}
	}

	return r.dag, nil
}

// createArtifacts computes a source's split rules and instantiates one
// Artifact per name the rule set produces.
func (r *artifactResolver) createArtifacts(src *Source) {
	switch src.Morphology.Kind {
	case KindChunk:
		src.SplitRules = chunkSplitRules(src.Morphology.Chunk, r.defaults.Chunk)
	case KindStratum:
		src.SplitRules = stratumSplitRules(src.Morphology.Stratum, r.defaults.Stratum)
	case KindSystem:
		src.SplitRules = systemSplitRules(src.Morphology.System, func(st SystemStratumSpec) string {
			return sourceNameFromMorphPath(st.Morph)
		})
	default:
		src.SplitRules = &SplitRuleSet{}
	}

	src.Artifacts = map[string]ArtifactID{}
	for _, name := range src.SplitRules.Artifacts() {
		id := r.dag.add(Artifact{
			Name:           name,
			Kind:           src.Morphology.Kind,
			SourceRepo:     src.RepoName,
			SourceRef:      src.OriginalRef,
			SourceFilename: src.Filename,
		})
		src.Artifacts[name] = id
		r.dag.source[id] = src
	}
}

// wireDependencies adds the dependency edges that originate from src,
// per spec.md §4.5's per-kind rules.
func (r *artifactResolver) wireDependencies(src *Source) error {
	switch src.Morphology.Kind {
	case KindSystem:
		return r.wireSystemDependencies(src)
	case KindStratum:
		return r.wireStratumDependencies(src)
	default:
		return nil
	}
}

// wireSystemDependencies makes the system's single rootfs artifact
// depend on every stratum artifact its split rules assign to it
// (grounded in _resolve_system_dependencies).
func (r *artifactResolver) wireSystemDependencies(src *Source) error {
	sys := src.Morphology.System
	for _, st := range sys.Strata {
		repo := st.Repo
		if repo == "" {
			repo = src.RepoName
		}
		ref := st.Ref
		if ref == "" {
			ref = src.OriginalRef
		}
		stratumSrc, ok := r.pool.Lookup(repo, ref, sanitiseMorphPath(st.Morph))
		if !ok {
			continue
		}
		for rootfsName, refs := range r.stratumArtifactRefs(src, stratumSrc) {
			sysID, ok := src.Artifacts[rootfsName]
			if !ok {
				continue
			}
			for _, ref := range refs {
				if id, ok := stratumSrc.Artifacts[ref.artifactName]; ok {
					r.dag.addEdge(sysID, id)
				}
			}
		}
	}
	return nil
}

// stratumArtifactRefs partitions a referenced stratum source's
// artifact names using the system source's own split rules, returning
// which of the system's artifact names each stratum artifact belongs
// to.
func (r *artifactResolver) stratumArtifactRefs(systemSrc, stratumSrc *Source) map[string][]artifactRef {
	stratumName := stratumSrc.Name()
	var refs []artifactRef
	for _, staName := range stratumSrc.SplitRules.Artifacts() {
		refs = append(refs, artifactRef{sourceName: stratumName, artifactName: staName})
	}
	matches, _, _ := systemSrc.SplitRules.PartitionArtifacts(refs)
	return matches
}

// wireStratumDependencies wires a stratum's build-depends edges
// (stratum-to-stratum, with mutual-dependency detection) and its
// chunks' build-depends edges (chunk-to-chunk within the stratum,
// chunk-to-build-depended-stratum, and stratum-to-produced-chunk),
// grounded in _resolve_stratum_dependencies.
func (r *artifactResolver) wireStratumDependencies(src *Source) error {
	stratum := src.Morphology.Stratum

	var stratumBuildDepends []*Source
	for _, bd := range stratum.BuildDepends {
		repo := bd.Repo
		if repo == "" {
			repo = src.RepoName
		}
		ref := bd.Ref
		if ref == "" {
			ref = src.OriginalRef
		}
		otherSrc, ok := r.pool.Lookup(repo, ref, sanitiseMorphPath(bd.Morph))
		if !ok {
			continue
		}
		if otherSrc.DependsOn(src) {
			return &GraphError{Kind: MutualDependencyError, Msg: fmt.Sprintf("%s and %s depend on each other", src.Name(), otherSrc.Name())}
		}
		src.AddDependency(otherSrc)
		stratumBuildDepends = append(stratumBuildDepends, otherSrc)

		for _, staName := range otherSrc.SplitRules.Artifacts() {
			otherID, ok := otherSrc.Artifacts[staName]
			if !ok {
				continue
			}
			for _, myID := range src.Artifacts {
				r.dag.addEdge(myID, otherID)
			}
		}
	}

	nameToArtifacts := map[string][]ArtifactID{}
	chunkSources := map[string]*Source{}
	for _, spec := range stratum.Chunks {
		chunkSrc, ok := r.pool.Lookup(spec.Repo, spec.Ref, sanitiseMorphPath(chunkMorphName(spec)))
		if !ok {
			continue
		}
		chunkSrc.BuildMode = spec.BuildMode
		chunkSrc.Prefix = spec.Prefix
		chunkSources[spec.Name] = chunkSrc

		var ids []ArtifactID
		for _, name := range chunkSrc.SplitRules.Artifacts() {
			if id, ok := chunkSrc.Artifacts[name]; ok {
				ids = append(ids, id)
			}
		}
		nameToArtifacts[spec.Name] = ids
	}

	for _, spec := range stratum.Chunks {
		chunkSrc, ok := chunkSources[spec.Name]
		if !ok {
			continue
		}

		for _, other := range stratumBuildDepends {
			chunkSrc.AddDependency(other)
			for _, staName := range other.SplitRules.Artifacts() {
				otherID, ok := other.Artifacts[staName]
				if !ok {
					continue
				}
				for _, chunkID := range nameToArtifacts[spec.Name] {
					r.dag.addEdge(chunkID, otherID)
				}
			}
		}

		for _, depName := range spec.BuildDepends {
			others, ok := nameToArtifacts[depName]
			if !ok {
				return &GraphError{Kind: UnknownDependencyError, Msg: fmt.Sprintf("in stratum %s, chunk %s references unknown dependency %s", src.Name(), spec.Name, depName)}
			}
			for _, chunkID := range nameToArtifacts[spec.Name] {
				for _, otherID := range others {
					r.dag.addEdge(chunkID, otherID)
				}
			}
		}

		var refs []artifactRef
		for _, name := range chunkSrc.SplitRules.Artifacts() {
			refs = append(refs, artifactRef{sourceName: spec.Name, artifactName: name})
		}
		matches, _, _ := src.SplitRules.PartitionArtifacts(refs)
		for staName, refs := range matches {
			staID, ok := src.Artifacts[staName]
			if !ok {
				continue
			}
			for _, ref := range refs {
				if chunkID, ok := chunkSrc.Artifacts[ref.artifactName]; ok {
					r.dag.addEdge(staID, chunkID)
				}
			}
		}
	}

	return nil
}

// chunkMorphName resolves the morph file a StratumChunkSpec points at,
// defaulting to the chunk's own name when "morph" is omitted (spec.md
// §4.3).
func chunkMorphName(spec StratumChunkSpec) string {
	if spec.Morph != "" {
		return spec.Morph
	}
	return spec.Name
}

// TopologicalSort computes a build order for the DAG using Kahn's
// algorithm: artifacts enter the order only once every dependency has
// already been placed (spec.md §9 design note; grounded precisely in
// morphlib.buildorder.BuildOrder._compute_topological_sorting). It
// returns GraphError{CyclicDependencyChainError} if the graph is not
// a DAG.
func (g *ArtifactDAG) TopologicalSort() ([]ArtifactID, error) {
	satisfied := make([]int, len(g.nodes))
	order := make([]ArtifactID, 0, len(g.nodes))

	queue := make([]ArtifactID, 0)
	for i := range g.nodes {
		if len(g.nodes[i].Dependencies) == 0 {
			queue = append(queue, ArtifactID(i))
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, depID := range g.nodes[id].Dependents {
			satisfied[depID]++
			if satisfied[depID] == len(g.nodes[depID].Dependencies) {
				queue = append(queue, depID)
			}
		}
	}

	if len(order) < len(g.nodes) {
		return nil, &GraphError{Kind: CyclicDependencyChainError, Msg: "cyclic dependency chain detected"}
	}
	return order, nil
}

// BuildGroups partitions a topological order into groups: artifacts in
// the same group have no dependency relationship between them and so
// may build in parallel, while each group as a whole must wait for
// every artifact in the previous group (spec.md §5, grounded precisely
// in morphlib.buildorder.BuildOrder._create_build_groups).
func (g *ArtifactDAG) BuildGroups(order []ArtifactID) [][]ArtifactID {
	if len(order) == 0 {
		return nil
	}

	var groups [][]ArtifactID
	group := []ArtifactID{}
	inGroup := map[ArtifactID]bool{}

	for _, id := range order {
		createGroup := false
		for _, dep := range g.nodes[id].Dependencies {
			if inGroup[dep] {
				createGroup = true
				break
			}
		}
		if createGroup {
			groups = append(groups, group)
			group = []ArtifactID{}
			inGroup = map[ArtifactID]bool{}
		}
		group = append(group, id)
		inGroup[id] = true
	}
	groups = append(groups, group)

	return groups
}
