package morph

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	digest "github.com/opencontainers/go-digest"
)

// MetadataVersion is stamped into every cache key's "metadata-version"
// field, bumped whenever the shape of the cache ID itself changes in a
// way that should invalidate every existing cached artifact.
const MetadataVersion = 1

// StratumFormatVersion and SystemCompatibilityVersion are constants
// folded into a stratum's and a system's cache ID respectively,
// mirroring cachekeycomputer.py's literal version markers.
const StratumFormatVersion = 1

const SystemCompatibilityVersion = "2~ (upgradable, root rw)"

// BuildEnv is the subset of the ambient build environment that
// participates in a chunk's cache key: everything else (PATH, HOME,
// and so on) is deliberately excluded so that unrelated environment
// differences between two machines do not cause cache misses (spec.md
// §4.6, grounded in CacheKeyComputer._filterenv).
type BuildEnv struct {
	Env map[string]string
}

// cacheKeyEnvWhitelist names the only environment variables a cache
// key is sensitive to.
var cacheKeyEnvWhitelist = []string{
	"LOGNAME", "MORPH_ARCH", "TARGET", "TARGET_STAGE1", "USER", "USERNAME",
}

func (e BuildEnv) filtered() map[string]interface{} {
	out := map[string]interface{}{}
	for _, k := range cacheKeyEnvWhitelist {
		if v, ok := e.Env[k]; ok {
			out[k] = v
		}
	}
	return out
}

// CacheKeyComputer assigns each artifact in a DAG a content-addressed
// identity: the SHA-256 of a canonical dictionary built from its own
// build-relevant inputs plus the already-computed keys of its
// dependencies (spec.md §4.6, grounded in
// morphlib.cachekeycomputer.CacheKeyComputer). Keys are memoised per
// artifact for the lifetime of the computer.
type CacheKeyComputer struct {
	env BuildEnv
	dag *ArtifactDAG

	ids  map[ArtifactID]map[string]interface{}
	keys map[ArtifactID]string
}

// NewCacheKeyComputer returns a computer for dag using env as the
// environment whitelist source.
func NewCacheKeyComputer(dag *ArtifactDAG, env BuildEnv) *CacheKeyComputer {
	return &CacheKeyComputer{
		env:  env,
		dag:  dag,
		ids:  map[ArtifactID]map[string]interface{}{},
		keys: map[ArtifactID]string{},
	}
}

// ComputeKey returns the cache key for id, computing and memoising the
// keys of every dependency first. Dependencies are visited
// depth-first, so this is safe to call on any artifact in the DAG
// regardless of topological position.
func (c *CacheKeyComputer) ComputeKey(id ArtifactID) string {
	if key, ok := c.keys[id]; ok {
		return key
	}
	key := hashID(c.CacheID(id))
	c.keys[id] = key
	c.dag.Get(id).CacheKey = key
	return key
}

// CacheID returns the canonical dictionary a cache key is hashed from,
// without hashing it. Exposed mainly for tests and diagnostics.
func (c *CacheKeyComputer) CacheID(id ArtifactID) map[string]interface{} {
	if cached, ok := c.ids[id]; ok {
		return cached
	}
	cacheID := c.calculate(id)
	c.ids[id] = cacheID
	return cacheID
}

func (c *CacheKeyComputer) calculate(id ArtifactID) map[string]interface{} {
	a := c.dag.Get(id)
	src := c.dag.SourceOf(id)

	kids := make([]interface{}, 0, len(a.Dependencies))
	for _, depID := range a.Dependencies {
		kids = append(kids, map[string]interface{}{
			"artifact":  c.dag.Get(depID).Name,
			"cache-key": c.ComputeKey(depID),
		})
	}

	keys := map[string]interface{}{
		"env":              c.env.filtered(),
		"kids":             kids,
		"metadata-version": MetadataVersion,
	}

	switch a.Kind {
	case KindChunk:
		chunk := src.Morphology.Chunk
		keys["build-mode"] = string(src.BuildMode)
		keys["prefix"] = src.Prefix
		keys["tree"] = src.Tree
		keys["split-rules"] = splitRulesCacheValue(src.SplitRules)

		for _, prefix := range []string{"pre-", "", "post-"} {
			for _, phase := range []string{"configure", "build", "test", "install"} {
				field := prefix + phase + "-commands"
				keys[field] = commandsField(chunk, prefix, phase)
			}
		}
		keys["devices"] = devicesCacheValue(chunk.Devices)
		keys["max-jobs"] = maxJobsCacheValue(chunk.MaxJobs)
		keys["system-integration"] = chunk.SystemIntegration

	case KindStratum, KindSystem:
		for k, v := range morphologyFieldsForCacheKey(src.Morphology) {
			keys[k] = v
		}
		if a.Kind == KindStratum {
			keys["stratum-format-version"] = StratumFormatVersion
		} else {
			keys["system-compatibility-version"] = SystemCompatibilityVersion
		}
	}

	return keys
}

// commandsField looks up the pre/main/post command list named by
// prefix+phase on a chunk, matching morphlib's "pre-configure-commands"
// style field naming.
func commandsField(c *ChunkMorphology, prefix, phase string) []string {
	var ph Phase
	switch phase {
	case "configure":
		ph = PhaseConfigure
	case "build":
		ph = PhaseBuild
	case "test":
		ph = PhaseTest
	case "install":
		ph = PhaseInstall
	}
	cmds := c.commandsFor(ph)
	switch prefix {
	case "pre-":
		return cmds.Pre
	case "post-":
		return cmds.Post
	default:
		return cmds.Main
	}
}

func splitRulesCacheValue(rules *SplitRuleSet) []interface{} {
	if rules == nil {
		return nil
	}
	out := make([]interface{}, 0, len(rules.entries))
	for _, e := range rules.entries {
		var patterns []string
		switch m := e.matcher.(type) {
		case fileMatch:
			for _, p := range m.patterns {
				patterns = append(patterns, p.String())
			}
		case artifactMatch:
			for _, p := range m.patterns {
				patterns = append(patterns, p.String())
			}
		}
		out = append(out, []interface{}{e.artifact, patterns})
	}
	return out
}

func devicesCacheValue(devs []DeviceSpec) []interface{} {
	out := make([]interface{}, 0, len(devs))
	for _, d := range devs {
		out = append(out, map[string]interface{}{
			"name": d.Name, "type": d.Type, "major": d.Major, "minor": d.Minor,
			"permissions": d.Permissions, "user": d.User, "group": d.Group,
		})
	}
	return out
}

func maxJobsCacheValue(j *int) interface{} {
	if j == nil {
		return nil
	}
	return *j
}

// morphologyFieldsForCacheKey returns every top-level field of a
// stratum or system morphology except the fields that already
// determine dependencies (and so are covered by "kids") and the purely
// cosmetic description field (grounded in cachekeycomputer.py's
// ignored_fields).
func morphologyFieldsForCacheKey(m *Morphology) map[string]interface{} {
	switch m.Kind {
	case KindStratum:
		s := m.Stratum
		return map[string]interface{}{
			"name": s.Name,
			"kind": string(s.Kind),
		}
	case KindSystem:
		s := m.System
		return map[string]interface{}{
			"name":                     s.Name,
			"kind":                     string(s.Kind),
			"arch":                     string(s.Arch),
			"configuration-extensions": s.ConfigurationExtensions,
		}
	default:
		return nil
	}
}

// hashID hashes a canonical dictionary with SHA-256 and returns the
// digest string ("sha256:" followed by the hex digest), hashing the
// structure the way CacheKeyComputer._hash_id does: dict keys are sorted, list
// elements are hashed in order, and everything else is hashed by its
// string form.
func hashID(v interface{}) string {
	h := sha256.New()
	hashValue(h, v)
	return digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil)).String()
}

func hashValue(w io.Writer, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			hashValue(w, k)
			hashValue(w, t[k])
		}
	case []interface{}:
		for _, item := range t {
			hashValue(w, item)
		}
	case []string:
		for _, item := range t {
			hashValue(w, item)
		}
	case nil:
		fmt.Fprint(w, "None")
	default:
		fmt.Fprintf(w, "%v", t)
	}
}
