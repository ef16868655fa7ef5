// Package config holds the Settings a Morph build is parameterised by:
// cache directories, the repo-alias table, the remote cache URL, and
// the subset of the build environment that participates in cache keys.
// Settings is always threaded explicitly through constructors rather
// than read from package-level globals (spec.md §9 design note).
package config

import (
	"fmt"
	"strings"
)

// Settings is the full set of knobs a build run is configured with.
// cmd/morph builds one of these from flags and environment variables
// and passes it down into every component it constructs.
type Settings struct {
	// CacheDir is the root of the local repository mirror and
	// artifact cache trees ($CacheDir/gits, $CacheDir/artifacts).
	CacheDir string
	// TempDir is where staging areas are built before being promoted
	// or torn down.
	TempDir string
	// RemoteCacheURL is the base URL of a morph-cache-server-compatible
	// remote artifact/repo cache, or "" to disable remote lookups.
	RemoteCacheURL string
	// Aliases is the repo-alias table, in the order morphologies
	// should be resolved against it (first match wins).
	Aliases []RepoAlias
	// UpdateRepos controls whether stale local mirrors are
	// fetched/updated before use (the "--no-git-update" flag negates
	// this).
	UpdateRepos bool
	// MaxJobs bounds how many chunks may build concurrently within a
	// build group, 0 meaning "use runtime.NumCPU()".
	MaxJobs int
	// Env is the whitelisted build environment participating in cache
	// keys (LOGNAME, MORPH_ARCH, TARGET, TARGET_STAGE1, USER,
	// USERNAME).
	Env map[string]string
}

// RepoAlias is one entry of the repo-alias table: a prefix name, and
// the pull/push URL patterns it expands to, each containing at most
// one "%s" placeholder for the repo name after the colon (spec.md
// §4.2, grounded in morphlib.repoaliasresolver.RepoAliasResolver).
type RepoAlias struct {
	Prefix   string
	PullURL  string
	PushURL  string
}

// ParseAlias parses one DEFAULTS-style alias line of the form
// "prefix=pull-pattern#push-pattern". Malformed lines (missing "=" or
// "#") are ignored, matching the original resolver's tolerance of bad
// entries rather than failing the whole load.
func ParseAlias(line string) (RepoAlias, bool) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return RepoAlias{}, false
	}
	prefix, rest := line[:eq], line[eq+1:]
	hash := strings.IndexByte(rest, '#')
	if hash < 0 {
		return RepoAlias{}, false
	}
	return RepoAlias{Prefix: prefix, PullURL: rest[:hash], PushURL: rest[hash+1:]}, true
}

// ParseAliases parses every line, discarding malformed ones.
func ParseAliases(lines []string) []RepoAlias {
	out := make([]RepoAlias, 0, len(lines))
	for _, l := range lines {
		if a, ok := ParseAlias(l); ok {
			out = append(out, a)
		}
	}
	return out
}

// PullURL resolves a repo name that may carry an "alias:name" prefix
// into a full pull URL, expanding the alias's "%s" placeholder with
// the name. A repo with no matching alias, or no colon at all, is
// returned unchanged.
func (s Settings) PullURL(repo string) string { return resolve(s.Aliases, repo, true) }

// PushURL is PullURL for the push-side URL pattern.
func (s Settings) PushURL(repo string) string { return resolve(s.Aliases, repo, false) }

func resolve(aliases []RepoAlias, repo string, pull bool) string {
	colon := strings.IndexByte(repo, ':')
	if colon < 0 {
		return repo
	}
	prefix, name := repo[:colon], repo[colon+1:]
	for _, a := range aliases {
		if a.Prefix != prefix {
			continue
		}
		pattern := a.PushURL
		if pull {
			pattern = a.PullURL
		}
		if strings.Contains(pattern, "%s") {
			return fmt.Sprintf(pattern, name)
		}
		return pattern + name
	}
	return repo
}
