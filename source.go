package morph

import (
	"context"
	"fmt"
)

// RepoRef names a commit to resolve: a repository URL (or alias) and a
// ref within it, as written in a morphology (spec.md §4.3).
type RepoRef struct {
	Repo string
	Ref  string
}

// Source is one morphology found while walking the definitions tree,
// pinned to the exact commit and tree it was read from (spec.md §4.3,
// grounded in morphlib.source.Source).
type Source struct {
	RepoName     string
	OriginalRef  string
	SHA1         string
	Tree         string
	Filename     string
	Morphology   *Morphology
	BuildDepends []*Source

	// BuildMode and Prefix are resolved from the parent stratum's chunk
	// spec once this source is reached while processing that stratum's
	// "chunks" list (spec.md §4.5, grounded in
	// artifactresolver.py:_resolve_stratum_dependencies setting
	// chunk_source.build_mode / .prefix).
	BuildMode BuildMode
	Prefix    string

	// SplitRules and Artifacts are filled in by the Artifact Resolver:
	// SplitRules is this source's own rule set (chunkSplitRules,
	// stratumSplitRules, or systemSplitRules depending on kind), and
	// Artifacts maps each rule-set artifact name to the ArtifactID
	// created for it.
	SplitRules *SplitRuleSet
	Artifacts  map[string]ArtifactID

	dependsOn map[*Source]bool
}

// Name returns the identity the split-rule engine and the Artifact
// Resolver use for this source: the morphology's own declared name.
func (s *Source) Name() string {
	if s.Morphology == nil {
		return ""
	}
	return s.Morphology.Name()
}

// AddDependency records that s depends on dep, used by the Artifact
// Resolver while wiring stratum/chunk build-dependency edges.
func (s *Source) AddDependency(dep *Source) {
	if s.dependsOn == nil {
		s.dependsOn = map[*Source]bool{}
	}
	s.dependsOn[dep] = true
}

// DependsOn reports whether s has been recorded as depending on dep.
func (s *Source) DependsOn(dep *Source) bool {
	return s.dependsOn[dep]
}

// sourceKey is the triple a SourcePool looks sources up by: the repo a
// morphology was declared in, the ref it was declared at (before
// resolution), and the path to the morphology file within that repo.
type sourceKey struct {
	repo     string
	origRef  string
	filename string
}

func keyOf(s *Source) sourceKey {
	return sourceKey{s.RepoName, s.OriginalRef, s.Filename}
}

// SourcePool is the insertion-ordered set of Sources discovered by the
// Source Resolver for one build (spec.md §4.3, grounded in
// morphlib.sourcepool.SourcePool).
type SourcePool struct {
	order []*Source
	index map[sourceKey]*Source
}

// NewSourcePool returns an empty SourcePool.
func NewSourcePool() *SourcePool {
	return &SourcePool{index: map[sourceKey]*Source{}}
}

// Add inserts a source. Re-adding a source already present at the same
// key is a no-op, matching repeated visits of a shared build-depends
// stratum.
func (p *SourcePool) Add(s *Source) {
	k := keyOf(s)
	if _, ok := p.index[k]; ok {
		return
	}
	p.index[k] = s
	p.order = append(p.order, s)
}

// Lookup finds a previously added source by its declaration key.
func (p *SourcePool) Lookup(repo, originalRef, filename string) (*Source, bool) {
	s, ok := p.index[sourceKey{repo, originalRef, filename}]
	return s, ok
}

// All returns the pool's sources in the order they were added.
func (p *SourcePool) All() []*Source {
	return p.order
}

// Len reports how many sources the pool holds.
func (p *SourcePool) Len() int { return len(p.order) }

// RepoCache abstracts the repository cache infra (internal/repocache)
// that the Source Resolver depends on: resolving refs to commits and
// trees, and reading a file out of a resolved tree. Kept as an
// interface here so this package stays free of git and network code
// (spec.md §4.2).
type RepoCache interface {
	// Resolve resolves ref within repo to an absolute commit sha1 and
	// the sha1 of its root tree, cloning or updating the repo's local
	// mirror as needed.
	Resolve(ctx context.Context, repo, ref string) (commit, tree string, err error)
	// ReadFile returns the contents of filename as it exists in the
	// tree at commit. An absent file is reported either as an error
	// satisfying os.IsNotExist or as nil contents with a nil error.
	ReadFile(ctx context.Context, repo, commit, filename string) ([]byte, error)
	// ListFiles lists every path present at the top level of the tree
	// at commit, used to detect a build system when no morphology file
	// is present (spec.md §4.3 "morphology inference").
	ListFiles(ctx context.Context, repo, commit string) ([]string, error)
}

// StatusFunc receives human-readable progress narration from the
// Source Resolver, mirroring morphlib's status_cb callback convention.
type StatusFunc func(format string, args ...interface{})

// SourceResolver walks a tree of morphologies starting from a system
// (or stratum, or chunk) morphology, resolving every repo/ref pair it
// references into pinned Sources (spec.md §4.3, grounded in
// morphlib.sourceresolver.SourceResolver).
type SourceResolver struct {
	cache  RepoCache
	status StatusFunc

	resolvedRefs        map[RepoRef]resolvedRef
	resolvedMorphologies map[morphKey]*Morphology
}

type resolvedRef struct {
	commit string
	tree   string
}

type morphKey struct {
	repo, commit, filename string
}

// NewSourceResolver constructs a resolver backed by cache. status may
// be nil, in which case progress narration is discarded.
func NewSourceResolver(cache RepoCache, status StatusFunc) *SourceResolver {
	if status == nil {
		status = func(string, ...interface{}) {}
	}
	return &SourceResolver{
		cache:                cache,
		status:               status,
		resolvedRefs:         map[RepoRef]resolvedRef{},
		resolvedMorphologies: map[morphKey]*Morphology{},
	}
}

func (r *SourceResolver) resolve(ctx context.Context, repo, ref string) (resolvedRef, error) {
	key := RepoRef{repo, ref}
	if rr, ok := r.resolvedRefs[key]; ok {
		return rr, nil
	}
	commit, tree, err := r.cache.Resolve(ctx, repo, ref)
	if err != nil {
		return resolvedRef{}, &ResolveError{Repo: repo, Ref: ref, Err: err}
	}
	rr := resolvedRef{commit, tree}
	r.resolvedRefs[key] = rr
	return rr, nil
}

// loadMorphology reads and parses filename out of repo at commit,
// falling back to build-system inference (inferChunkMorphology) when
// the file is absent, memoised per (repo, commit, filename).
func (r *SourceResolver) loadMorphology(ctx context.Context, repo, commit, filename string) (*Morphology, error) {
	key := morphKey{repo, commit, filename}
	if m, ok := r.resolvedMorphologies[key]; ok {
		return m, nil
	}

	text, err := r.cache.ReadFile(ctx, repo, commit, filename)
	if err != nil || text == nil {
		files, listErr := r.cache.ListFiles(ctx, repo, commit)
		if listErr != nil {
			if err == nil {
				err = listErr
			}
			return nil, &ResolveError{Repo: repo, Ref: commit, Err: err}
		}
		m, inferErr := inferChunkMorphology(filename, files)
		if inferErr != nil {
			return nil, &ResolveError{Repo: repo, Ref: commit, Err: inferErr}
		}
		r.resolvedMorphologies[key] = m
		return m, nil
	}

	m, err := Load(text)
	if err != nil {
		return nil, err
	}
	r.resolvedMorphologies[key] = m
	return m, nil
}

// VisitFunc is called once for every morphology reached during a
// traversal, with the repo/ref it was declared at and its pinned
// commit and tree.
type VisitFunc func(repo, originalRef, filename, commit, tree string, m *Morphology)

// chunkRef is a (repo, ref, filename) triple queued for chunk
// resolution, deferred until every stratum/system morphology has been
// visited (mirrors SourceResolver.traverse_morphs's two-pass queue
// split).
type chunkRef struct {
	repo, ref, filename string
}

// Traverse walks every morphology reachable from filename in repo at
// ref, invoking visit for each one it reads. It raises an error for
// cluster morphologies, which cannot be built (spec.md §4.3, §1
// Non-goals).
func (r *SourceResolver) Traverse(ctx context.Context, repo, ref, filename string, visit VisitFunc) error {
	rootQueue := []string{filename}
	var chunkQueue []chunkRef

	rootRR, err := r.resolve(ctx, repo, ref)
	if err != nil {
		return err
	}

	for len(rootQueue) > 0 {
		fn := rootQueue[0]
		rootQueue = rootQueue[1:]

		m, err := r.loadMorphology(ctx, repo, rootRR.commit, fn)
		if err != nil {
			return err
		}
		visit(repo, ref, fn, rootRR.commit, rootRR.tree, m)

		switch m.Kind {
		case KindCluster:
			return &InputError{Morphology: m.Name(), Err: fmt.Errorf("cannot build a morphology of kind 'cluster'")}
		case KindSystem:
			for _, s := range m.System.Strata {
				rootQueue = append(rootQueue, sanitiseMorphPath(s.Morph))
			}
		case KindStratum:
			for _, bd := range m.Stratum.BuildDepends {
				rootQueue = append(rootQueue, sanitiseMorphPath(bd.Morph))
			}
			for _, c := range m.Stratum.Chunks {
				morphPath := c.Morph
				if morphPath == "" {
					morphPath = c.Name
				}
				chunkQueue = append(chunkQueue, chunkRef{c.Repo, c.Ref, sanitiseMorphPath(morphPath)})
			}
		}
	}

	for _, cr := range chunkQueue {
		crr, err := r.resolve(ctx, cr.repo, cr.ref)
		if err != nil {
			return err
		}
		m, err := r.loadMorphology(ctx, cr.repo, crr.commit, cr.filename)
		if err != nil {
			return err
		}
		visit(cr.repo, cr.ref, cr.filename, crr.commit, crr.tree, m)
	}

	return nil
}

// sanitiseMorphPath appends the .morph suffix to a bare morphology
// name if the caller omitted it, mirroring
// morphlib.util.sanitise_morphology_path.
func sanitiseMorphPath(name string) string {
	if len(name) > 6 && name[len(name)-6:] == ".morph" {
		return name
	}
	return name + ".morph"
}

// inferChunkMorphology detects a build system from a repo's top-level
// file listing and synthesises the chunk morphology that bs.get_morphology
// would have produced in the original implementation (spec.md §4.3).
func inferChunkMorphology(filename string, files []string) (*Morphology, error) {
	bsName, name := detectBuildSystem(filename, files)
	if bsName == "" {
		return nil, &InputError{Morphology: filename, Err: fmt.Errorf("no morphology file and no recognisable build system")}
	}
	cm := &ChunkMorphology{
		Name:        name,
		Kind:        KindChunk,
		BuildSystem: bsName,
	}
	return &Morphology{Kind: KindChunk, Chunk: cm}, nil
}

// CreateSourcePool runs a full traversal from a root morphology and
// collects every Source reached into a SourcePool (spec.md §4.3,
// grounded in morphlib.sourceresolver.create_source_pool).
func CreateSourcePool(ctx context.Context, cache RepoCache, repo, ref, filename string, status StatusFunc) (*SourcePool, error) {
	resolver := NewSourceResolver(cache, status)
	pool := NewSourcePool()

	err := resolver.Traverse(ctx, repo, ref, filename, func(repo, originalRef, filename, commit, tree string, m *Morphology) {
		for _, src := range makeSources(repo, originalRef, filename, commit, tree, m) {
			pool.Add(src)
		}
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// makeSources turns one resolved morphology into the Source(s) it
// contributes to a build. Every kind produces exactly one Source in
// this implementation (the original's plural return exists for a
// since-removed chunk/submodule split).
func makeSources(repo, originalRef, filename, commit, tree string, m *Morphology) []*Source {
	return []*Source{{
		RepoName:    repo,
		OriginalRef: originalRef,
		SHA1:        commit,
		Tree:        tree,
		Filename:    filename,
		Morphology:  m,
	}}
}
