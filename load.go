package morph

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

// kindProbe is decoded first so Load knows which concrete struct to
// decode the rest of the document into.
type kindProbe struct {
	Kind Kind `yaml:"kind"`
}

// Load parses a single morphology document, validates it against its
// kind's invariants, and applies build-system and stratum chunk-order defaults
// (spec.md §4.1, grounded in morphlib.morphloader.MorphologyLoader).
func Load(dt []byte) (*Morphology, error) {
	var probe kindProbe
	if err := yaml.Unmarshal(dt, &probe); err != nil {
		return nil, &InputError{Err: Wrap(err, "parsing morphology")}
	}
	if !probe.Kind.valid() {
		return nil, &InputError{Field: "kind", Err: fmt.Errorf("unknown kind %q", probe.Kind)}
	}

	m := &Morphology{Kind: probe.Kind}

	switch probe.Kind {
	case KindChunk:
		var c ChunkMorphology
		if err := yaml.UnmarshalWithOptions(dt, &c, yaml.Strict()); err != nil {
			return nil, &InputError{Err: Wrap(err, "parsing chunk morphology")}
		}
		m.Chunk = &c
	case KindStratum:
		var s StratumMorphology
		if err := yaml.UnmarshalWithOptions(dt, &s, yaml.Strict()); err != nil {
			return nil, &InputError{Err: Wrap(err, "parsing stratum morphology")}
		}
		m.Stratum = &s
	case KindSystem:
		var s SystemMorphology
		if err := yaml.UnmarshalWithOptions(dt, &s, yaml.Strict()); err != nil {
			return nil, &InputError{Err: Wrap(err, "parsing system morphology")}
		}
		m.System = &s
	case KindCluster:
		var c ClusterMorphology
		if err := yaml.UnmarshalWithOptions(dt, &c, yaml.Strict()); err != nil {
			return nil, &InputError{Err: Wrap(err, "parsing cluster morphology")}
		}
		m.Cluster = &c
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	ApplyDefaults(m)
	return m, nil
}

// Validate checks the structural invariants spec.md §4.1 requires
// regardless of build-system defaults: a non-empty name, no duplicate
// child names, and kind-specific required fields.
func Validate(m *Morphology) error {
	name := m.Name()
	if strings.TrimSpace(name) == "" {
		return &InputError{Morphology: name, Field: "name", Err: fmt.Errorf("name must not be empty")}
	}

	switch m.Kind {
	case KindChunk:
		c := m.Chunk
		if c.BuildSystem != "" && !c.BuildSystem.valid() {
			return &InputError{Morphology: name, Field: "build-system", Err: fmt.Errorf("unknown build system %q", c.BuildSystem)}
		}
		seen := map[string]bool{}
		for i, p := range c.Products {
			if p.Artifact == "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("products[%d].artifact", i), Err: fmt.Errorf("must not be empty")}
			}
			if seen[p.Artifact] {
				return &InputError{Morphology: name, Field: "products", Err: fmt.Errorf("duplicate artifact %q", p.Artifact)}
			}
			seen[p.Artifact] = true
		}
	case KindStratum:
		s := m.Stratum
		if len(s.Chunks) == 0 && len(s.BuildDepends) == 0 {
			return &InputError{Morphology: name, Field: "chunks", Err: fmt.Errorf("stratum must declare at least one chunk or build-depends")}
		}
		for i, bd := range s.BuildDepends {
			if bd.Repo == "" && sourceNameFromMorphPath(bd.Morph) == name {
				return &InputError{Morphology: name, Field: fmt.Sprintf("build-depends[%d]", i), Err: fmt.Errorf("stratum %q may not build-depend on itself", name)}
			}
		}
		seen := map[string]bool{}
		for i, c := range s.Chunks {
			if c.Name == "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d].name", i), Err: fmt.Errorf("must not be empty")}
			}
			if seen[c.Name] {
				return &InputError{Morphology: name, Field: "chunks", Err: fmt.Errorf("duplicate chunk name %q", c.Name)}
			}
			seen[c.Name] = true
			if c.Repo == "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d].repo", i), Err: fmt.Errorf("must not be empty")}
			}
			if c.Ref == "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d].ref", i), Err: fmt.Errorf("must not be empty")}
			}
			if c.BuildMode != "" && !c.BuildMode.valid() {
				return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d].build-mode", i), Err: fmt.Errorf("unknown build mode %q", c.BuildMode)}
			}
			if c.Morph != "" && c.BuildSystem != "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d]", i), Err: fmt.Errorf("chunk %q must not declare both morph and build-system", c.Name)}
			}
			for _, dep := range c.BuildDepends {
				if !seen[dep] {
					return &InputError{Morphology: name, Field: fmt.Sprintf("chunks[%d].build-depends", i), Err: fmt.Errorf("chunk %q depends on unknown sibling chunk %q", c.Name, dep)}
				}
			}
		}
	case KindSystem:
		s := m.System
		if !s.Arch.valid() {
			return &InputError{Morphology: name, Field: "arch", Err: fmt.Errorf("unknown or missing arch %q", s.Arch)}
		}
		if len(s.Strata) == 0 {
			return &InputError{Morphology: name, Field: "strata", Err: fmt.Errorf("system must declare at least one stratum")}
		}
		seen := map[string]bool{}
		for i, st := range s.Strata {
			if st.Morph == "" {
				return &InputError{Morphology: name, Field: fmt.Sprintf("strata[%d].morph", i), Err: fmt.Errorf("must not be empty")}
			}
			key := st.Repo + "\x00" + st.Morph
			if seen[key] {
				return &InputError{Morphology: name, Field: "strata", Err: fmt.Errorf("duplicate stratum %q", st.Morph)}
			}
			seen[key] = true
		}
	case KindCluster:
		c := m.Cluster
		if len(c.Systems) == 0 {
			return &InputError{Morphology: name, Field: "systems", Err: fmt.Errorf("cluster must declare at least one system")}
		}
		seenDeploy := map[string]bool{}
		for i, sys := range c.Systems {
			for deployName := range sys.Deploy {
				if seenDeploy[deployName] {
					return &InputError{Morphology: name, Field: fmt.Sprintf("systems[%d].deploy", i), Err: fmt.Errorf("duplicate deployment name %q", deployName)}
				}
				seenDeploy[deployName] = true
			}
		}
	}

	return nil
}

// ApplyDefaults fills in a chunk's build-system commands using the
// built-in table, when the morphology specified no commands of its
// own, and fills in a stratum's implicit chunk build order (spec.md
// §4.4). It is a no-op for system and cluster morphologies.
func ApplyDefaults(m *Morphology) {
	ApplyDefaultsWithOverrides(m, nil)
}

// ApplyDefaultsWithOverrides is ApplyDefaults, but prefers a command
// set from a loaded DEFAULTS file over the built-in table when both
// define the same build-system name.
func ApplyDefaultsWithOverrides(m *Morphology, overrides *DefaultsFile) {
	switch m.Kind {
	case KindChunk:
		applyChunkDefaults(m.Chunk, overrides)
	case KindStratum:
		applyImplicitChunkOrder(m.Stratum)
	}
}

func applyChunkDefaults(c *ChunkMorphology, overrides *DefaultsFile) {
	if c.BuildSystem == "" {
		c.BuildSystem = BuildSystemManual
	}
	if c.hasExplicitCommands() {
		return
	}
	bs, ok := buildSystemCommandsFor(c.BuildSystem, overrides)
	if !ok {
		return
	}
	c.ConfigureCommands = bs.Configure.Main
	c.BuildCommands = bs.Build.Main
	c.TestCommands = bs.Test.Main
	c.InstallCommands = bs.Install.Main
	c.StripCommands = bs.Strip.Main
}

// applyImplicitChunkOrder fills in spec.md §8 scenario S3: a chunk
// spec that omits build-depends entirely (the yaml key absent, so the
// field decodes as nil) depends on every chunk declared earlier in the
// same stratum, mirroring morphlib's morphloader.set_defaults. A chunk
// spec with an explicit empty build-depends list means "depends on
// nothing" and is left untouched.
func applyImplicitChunkOrder(s *StratumMorphology) {
	var preceding []string
	for i := range s.Chunks {
		c := &s.Chunks[i]
		if c.BuildDepends == nil {
			c.BuildDepends = append([]string(nil), preceding...)
		}
		preceding = append(preceding, c.Name)
	}
}

// detectBuildSystem infers a build system from a repo's top-level file
// listing, in the priority order morphlib.buildsystem historically
// checked them in, and derives a chunk name from filename.
func detectBuildSystem(filename string, files []string) (BuildSystemName, string) {
	has := map[string]bool{}
	for _, f := range files {
		has[f] = true
	}

	name := strings.TrimSuffix(filename, ".morph")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}

	switch {
	case has["configure"] || has["configure.ac"] || has["configure.in"] || has["autogen.sh"]:
		return BuildSystemAutotools, name
	case has["CMakeLists.txt"]:
		return BuildSystemCMake, name
	case has["setup.py"]:
		return BuildSystemPythonDistutils, name
	case has["Build.PL"]:
		return BuildSystemModuleBuild, name
	case has["Makefile.PL"]:
		return BuildSystemCPAN, name
	case hasSuffix(files, ".pro"):
		return BuildSystemQMake, name
	default:
		return "", name
	}
}

func hasSuffix(files []string, suffix string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, suffix) {
			return true
		}
	}
	return false
}
