// Package repocache implements morph.RepoCache on top of local bare
// git mirrors, fetched and read with go-git. Repos are addressed by
// their resolved pull URL (internal/config.Settings.PullURL) and
// mirrored once under CacheDir/gits/<sha1-of-url>.git; subsequent
// resolves reuse the mirror, updating it first unless the caller has
// disabled that.
package repocache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gofrs/flock"

	"github.com/tacgomes/morph-sub000"
	morphconfig "github.com/tacgomes/morph-sub000/internal/config"
)

// Cache is a morph.RepoCache backed by on-disk bare git mirrors.
type Cache struct {
	settings morphconfig.Settings

	mu      sync.Mutex
	updated map[string]bool
}

// New returns a Cache rooted at settings.CacheDir/gits.
func New(settings morphconfig.Settings) *Cache {
	return &Cache{settings: settings, updated: map[string]bool{}}
}

func (c *Cache) mirrorPath(pullURL string) string {
	sum := sha1.Sum([]byte(pullURL))
	return filepath.Join(c.settings.CacheDir, "gits", hex.EncodeToString(sum[:])+".git")
}

// ensureMirror clones pullURL into its mirror directory if absent, or
// fetches into it if present and updates are enabled. Each mirror is
// guarded by a flock so concurrent builds never race a clone/fetch
// against each other.
func (c *Cache) ensureMirror(ctx context.Context, pullURL string) (*git.Repository, error) {
	dir := c.mirrorPath(pullURL)

	c.mu.Lock()
	already := c.updated[dir]
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, morph.Wrapf(err, "creating mirror parent for %s", pullURL)
	}

	lock := flock.New(dir + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, morph.Wrapf(err, "locking mirror of %s", pullURL)
	}
	defer lock.Unlock()

	repo, err := git.PlainOpen(dir)
	switch {
	case err == git.ErrRepositoryNotExists:
		repo, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:  pullURL,
			Tags: git.AllTags,
		})
		if err != nil {
			return nil, &morph.ResolveError{Repo: pullURL, Err: morph.Wrapf(err, "cloning mirror")}
		}
		already = true
	case err != nil:
		return nil, &morph.ResolveError{Repo: pullURL, Err: morph.Wrapf(err, "opening mirror")}
	}

	if !already && c.settings.UpdateRepos {
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Tags:       git.AllTags,
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/heads/*"},
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return nil, &morph.ResolveError{Repo: pullURL, Err: morph.Wrapf(err, "fetching mirror")}
		}
	}

	c.mu.Lock()
	c.updated[dir] = true
	c.mu.Unlock()

	return repo, nil
}

// Resolve implements morph.RepoCache: repo is a name that may carry an
// alias prefix, resolved through settings.PullURL before being mirrored.
func (c *Cache) Resolve(ctx context.Context, repo, ref string) (commit, tree string, err error) {
	pullURL := c.settings.PullURL(repo)
	gitRepo, err := c.ensureMirror(ctx, pullURL)
	if err != nil {
		return "", "", err
	}

	hash, err := resolveRevision(gitRepo, ref)
	if err != nil {
		return "", "", &morph.ResolveError{Repo: repo, Ref: ref, Err: err}
	}

	commitObj, err := gitRepo.CommitObject(hash)
	if err != nil {
		return "", "", &morph.ResolveError{Repo: repo, Ref: ref, Err: morph.Wrapf(err, "loading commit %s", hash)}
	}

	return commitObj.Hash.String(), commitObj.TreeHash.String(), nil
}

// resolveRevision tries ref as a direct revision first (SHA1, branch,
// tag, HEAD-relative) and falls back to the remote-tracking branch
// refs/remotes/origin/<ref>, where a clone records the remote's
// branches.
func resolveRevision(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if hash, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
		return *hash, nil
	}
	if hash, err := repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + ref)); err == nil {
		return *hash, nil
	}
	return plumbing.Hash{}, fmt.Errorf("revision %q not found", ref)
}

// ReadFile implements morph.RepoCache by reading filename out of the
// tree of commit.
func (c *Cache) ReadFile(ctx context.Context, repo, commit, filename string) ([]byte, error) {
	gitRepo, err := c.ensureMirror(ctx, c.settings.PullURL(repo))
	if err != nil {
		return nil, err
	}
	commitObj, err := gitRepo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, &morph.ResolveError{Repo: repo, Ref: commit, Err: morph.Wrapf(err, "loading commit")}
	}
	file, err := commitObj.File(filename)
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, nil
		}
		return nil, morph.Wrapf(err, "reading %s from %s", filename, repo)
	}
	rc, err := file.Reader()
	if err != nil {
		return nil, morph.Wrapf(err, "opening %s from %s", filename, repo)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ListFiles implements morph.RepoCache by listing the files at the top
// level of the tree of commit; subdirectories are not descended into.
func (c *Cache) ListFiles(ctx context.Context, repo, commit string) ([]string, error) {
	gitRepo, err := c.ensureMirror(ctx, c.settings.PullURL(repo))
	if err != nil {
		return nil, err
	}
	commitObj, err := gitRepo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, &morph.ResolveError{Repo: repo, Ref: commit, Err: morph.Wrapf(err, "loading commit")}
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, morph.Wrapf(err, "loading tree of %s", repo)
	}

	var files []string
	walker := object.NewTreeWalker(tree, false, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, morph.Wrapf(err, "walking tree of %s", repo)
		}
		if !entry.Mode.IsFile() {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}
