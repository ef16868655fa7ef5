// Package morph implements the core of Baserock Morph: a morphology
// model, a source resolver that walks a tree of morphologies across git
// repositories, a split-rule engine, an artifact resolver that expands
// sources into a build-dependency DAG, and a cache-key computer that
// assigns each artifact a content-addressed identity.
//
// Infrastructure concerns that require network, disk, or process access
// (the repository cache's git plumbing, the local/remote artifact
// caches, the staging area manager, the scheduler, and the distributed
// build protocol) live under ./internal, implemented against the
// interfaces declared here.
package morph
