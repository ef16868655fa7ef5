package morph

// Kind identifies which of the four morphology document types a
// Morphology carries. A Morphology is exactly one kind (spec.md §3).
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
	KindCluster Kind = "cluster"
)

func (k Kind) valid() bool {
	switch k {
	case KindChunk, KindStratum, KindSystem, KindCluster:
		return true
	default:
		return false
	}
}

// BuildMode is the isolation policy a chunk build runs under (spec.md
// §4.9).
type BuildMode string

const (
	BuildModeBootstrap BuildMode = "bootstrap"
	BuildModeStaging   BuildMode = "staging"
	BuildModeTest      BuildMode = "test"
)

func (m BuildMode) valid() bool {
	switch m {
	case BuildModeBootstrap, BuildModeStaging, BuildModeTest:
		return true
	default:
		return false
	}
}

// BuildSystemName names one of the predefined build systems a chunk may
// request instead of specifying explicit commands, mirroring
// morphlib.buildsystem.BuildSystem subclasses in the original Python
// implementation.
type BuildSystemName string

const (
	BuildSystemManual          BuildSystemName = "manual"
	BuildSystemAutotools       BuildSystemName = "autotools"
	BuildSystemPythonDistutils BuildSystemName = "python-distutils"
	BuildSystemCPAN            BuildSystemName = "cpan"
	BuildSystemModuleBuild     BuildSystemName = "module-build"
	BuildSystemCMake           BuildSystemName = "cmake"
	BuildSystemQMake           BuildSystemName = "qmake"
	BuildSystemDummy           BuildSystemName = "dummy"
)

func (b BuildSystemName) valid() bool {
	switch b {
	case BuildSystemManual, BuildSystemAutotools, BuildSystemPythonDistutils,
		BuildSystemCPAN, BuildSystemModuleBuild, BuildSystemCMake,
		BuildSystemQMake, BuildSystemDummy:
		return true
	default:
		return false
	}
}

// Arch is one of the architectures a system morphology may target.
// The set matches the architectures Baserock definitions historically
// build for.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchARMv7   Arch = "armv7"
	ArchARM64   Arch = "aarch64"
	ArchPPC64   Arch = "ppc64"
	ArchPPC64LE Arch = "ppc64le"
)

func (a Arch) valid() bool {
	switch a {
	case ArchX86_64, ArchARMv7, ArchARM64, ArchPPC64, ArchPPC64LE:
		return true
	default:
		return false
	}
}

// Phase is one of the build phases a chunk's commands are grouped into.
type Phase string

const (
	PhaseConfigure Phase = "configure"
	PhaseBuild     Phase = "build"
	PhaseTest      Phase = "test"
	PhaseInstall   Phase = "install"
	PhaseStrip     Phase = "strip"
)

// AllPhases is the execution order of a chunk build (spec.md §4.10).
var AllPhases = []Phase{PhaseConfigure, PhaseBuild, PhaseTest, PhaseInstall, PhaseStrip}

// PhaseCommands holds the pre/main/post command lists for one build
// phase. Each is run in order: Pre, then Main, then Post (spec.md
// §4.10).
type PhaseCommands struct {
	Pre  []string `yaml:"pre-commands,omitempty" json:"pre-commands,omitempty"`
	Main []string `yaml:"commands,omitempty" json:"commands,omitempty"`
	Post []string `yaml:"post-commands,omitempty" json:"post-commands,omitempty"`
}

func (c PhaseCommands) isEmpty() bool {
	return len(c.Pre) == 0 && len(c.Main) == 0 && len(c.Post) == 0
}

// ProductSpec names a chunk (or stratum) artifact and the file/artifact
// patterns that should be routed into it (spec.md §3 "Split Rule").
type ProductSpec struct {
	Artifact string   `yaml:"artifact" json:"artifact"`
	Include  []string `yaml:"include" json:"include"`
}

// DeviceSpec describes a device node a chunk build expects to exist in
// its destdir (used for bootstrap-mode system chunks, e.g. /dev/console).
type DeviceSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // "char" or "block"
	Major       int    `yaml:"major" json:"major"`
	Minor       int    `yaml:"minor" json:"minor"`
	Permissions string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	User        string `yaml:"user,omitempty" json:"user,omitempty"`
	Group       string `yaml:"group,omitempty" json:"group,omitempty"`
}

// ChunkMorphology is the "chunk" kind of Morphology: a single buildable
// unit, typically one upstream project (spec.md §3).
type ChunkMorphology struct {
	Name        string          `yaml:"name" json:"name"`
	Kind        Kind            `yaml:"kind" json:"kind"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	BuildSystem BuildSystemName `yaml:"build-system,omitempty" json:"build-system,omitempty"`
	Prefix      string          `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	PreConfigureCommands  []string `yaml:"pre-configure-commands,omitempty" json:"pre-configure-commands,omitempty"`
	ConfigureCommands     []string `yaml:"configure-commands,omitempty" json:"configure-commands,omitempty"`
	PostConfigureCommands []string `yaml:"post-configure-commands,omitempty" json:"post-configure-commands,omitempty"`
	PreBuildCommands      []string `yaml:"pre-build-commands,omitempty" json:"pre-build-commands,omitempty"`
	BuildCommands         []string `yaml:"build-commands,omitempty" json:"build-commands,omitempty"`
	PostBuildCommands     []string `yaml:"post-build-commands,omitempty" json:"post-build-commands,omitempty"`
	PreTestCommands       []string `yaml:"pre-test-commands,omitempty" json:"pre-test-commands,omitempty"`
	TestCommands          []string `yaml:"test-commands,omitempty" json:"test-commands,omitempty"`
	PostTestCommands      []string `yaml:"post-test-commands,omitempty" json:"post-test-commands,omitempty"`
	PreInstallCommands    []string `yaml:"pre-install-commands,omitempty" json:"pre-install-commands,omitempty"`
	InstallCommands       []string `yaml:"install-commands,omitempty" json:"install-commands,omitempty"`
	PostInstallCommands   []string `yaml:"post-install-commands,omitempty" json:"post-install-commands,omitempty"`
	PreStripCommands      []string `yaml:"pre-strip-commands,omitempty" json:"pre-strip-commands,omitempty"`
	StripCommands         []string `yaml:"strip-commands,omitempty" json:"strip-commands,omitempty"`
	PostStripCommands     []string `yaml:"post-strip-commands,omitempty" json:"post-strip-commands,omitempty"`

	MaxJobs           *int                       `yaml:"max-jobs,omitempty" json:"max-jobs,omitempty"`
	Products          []ProductSpec              `yaml:"products,omitempty" json:"products,omitempty"`
	SystemIntegration map[string]map[string]any  `yaml:"system-integration,omitempty" json:"system-integration,omitempty"`
	Devices           []DeviceSpec               `yaml:"devices,omitempty" json:"devices,omitempty"`
}

// CommandsFor is the exported form of commandsFor, for callers outside
// this package (the scheduler and staging area manager) that need to
// read a chunk's resolved per-phase commands to execute a build.
func (c *ChunkMorphology) CommandsFor(phase Phase) PhaseCommands { return c.commandsFor(phase) }

// commandsFor returns the pre/main/post commands for a build phase as
// they will actually be executed, in declared order.
func (c *ChunkMorphology) commandsFor(phase Phase) PhaseCommands {
	switch phase {
	case PhaseConfigure:
		return PhaseCommands{c.PreConfigureCommands, c.ConfigureCommands, c.PostConfigureCommands}
	case PhaseBuild:
		return PhaseCommands{c.PreBuildCommands, c.BuildCommands, c.PostBuildCommands}
	case PhaseTest:
		return PhaseCommands{c.PreTestCommands, c.TestCommands, c.PostTestCommands}
	case PhaseInstall:
		return PhaseCommands{c.PreInstallCommands, c.InstallCommands, c.PostInstallCommands}
	case PhaseStrip:
		return PhaseCommands{c.PreStripCommands, c.StripCommands, c.PostStripCommands}
	default:
		return PhaseCommands{}
	}
}

// hasExplicitCommands reports whether the user specified any command for
// any phase, meaning the build-system defaults should not be applied.
func (c *ChunkMorphology) hasExplicitCommands() bool {
	for _, p := range AllPhases {
		if !c.commandsFor(p).isEmpty() {
			return true
		}
	}
	return false
}

// StratumBuildDependSpec references another stratum morphology that
// this stratum build-depends on (spec.md §3).
type StratumBuildDependSpec struct {
	Repo  string `yaml:"repo,omitempty" json:"repo,omitempty"`
	Ref   string `yaml:"ref,omitempty" json:"ref,omitempty"`
	Morph string `yaml:"morph" json:"morph"`
}

// StratumChunkSpec references a chunk morphology from within a stratum,
// along with chunk-local build configuration (spec.md §3). BuildSystem
// is an alternate, inline build-instruction source to Morph: a chunk
// spec may name a build system directly instead of pointing at a
// separate chunk morphology file, but not both (spec.md §3 invariants,
// grounded in morphlib.morphloader's chunk-spec "morph" vs
// "build-system" mutual exclusion).
type StratumChunkSpec struct {
	Name         string            `yaml:"name" json:"name"`
	Repo         string            `yaml:"repo,omitempty" json:"repo,omitempty"`
	Ref          string            `yaml:"ref,omitempty" json:"ref,omitempty"`
	Morph        string            `yaml:"morph,omitempty" json:"morph,omitempty"`
	BuildSystem  BuildSystemName   `yaml:"build-system,omitempty" json:"build-system,omitempty"`
	BuildMode    BuildMode         `yaml:"build-mode,omitempty" json:"build-mode,omitempty"`
	Prefix       string            `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	BuildDepends []string          `yaml:"build-depends,omitempty" json:"build-depends,omitempty"`
	Artifacts    map[string]string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// StratumMorphology is the "stratum" kind of Morphology: a named
// aggregate of chunks plus stratum build-dependencies (spec.md §3).
type StratumMorphology struct {
	Name         string                    `yaml:"name" json:"name"`
	Kind         Kind                      `yaml:"kind" json:"kind"`
	Description  string                    `yaml:"description,omitempty" json:"description,omitempty"`
	BuildDepends []StratumBuildDependSpec  `yaml:"build-depends,omitempty" json:"build-depends,omitempty"`
	Chunks       []StratumChunkSpec        `yaml:"chunks,omitempty" json:"chunks,omitempty"`
	Products     []ProductSpec             `yaml:"products,omitempty" json:"products,omitempty"`
}

// SystemStratumSpec references a stratum morphology from within a
// system, with an optional explicit artifact selection (spec.md §3).
type SystemStratumSpec struct {
	Repo      string   `yaml:"repo,omitempty" json:"repo,omitempty"`
	Ref       string   `yaml:"ref,omitempty" json:"ref,omitempty"`
	Morph     string   `yaml:"morph" json:"morph"`
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// SystemMorphology is the "system" kind of Morphology: a bootable or
// deployable root filesystem composed of strata (spec.md §3).
type SystemMorphology struct {
	Name                    string               `yaml:"name" json:"name"`
	Kind                    Kind                 `yaml:"kind" json:"kind"`
	Description             string               `yaml:"description,omitempty" json:"description,omitempty"`
	Arch                    Arch                 `yaml:"arch" json:"arch"`
	Strata                  []SystemStratumSpec  `yaml:"strata,omitempty" json:"strata,omitempty"`
	ConfigurationExtensions []string             `yaml:"configuration-extensions,omitempty" json:"configuration-extensions,omitempty"`
}

// ClusterSystemSpec references a system morphology to deploy, plus the
// named deployment targets for it. Cluster deployment semantics are out
// of CORE scope; the loader only validates structure and name
// uniqueness.
type ClusterSystemSpec struct {
	Morph  string                    `yaml:"morph" json:"morph"`
	Deploy map[string]map[string]any `yaml:"deploy,omitempty" json:"deploy,omitempty"`
}

// ClusterMorphology is the "cluster" kind of Morphology: a deployment
// recipe referencing systems. Out of CORE build scope (spec.md §1); the
// loader validates but the rest of this package never builds one.
type ClusterMorphology struct {
	Name        string               `yaml:"name" json:"name"`
	Kind        Kind                 `yaml:"kind" json:"kind"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Systems     []ClusterSystemSpec  `yaml:"systems,omitempty" json:"systems,omitempty"`
}

// Morphology is a validated document of exactly one kind (spec.md §3).
// Exactly one of Chunk, Stratum, System, Cluster is non-nil, matching
// Kind.
type Morphology struct {
	Kind Kind

	Chunk   *ChunkMorphology
	Stratum *StratumMorphology
	System  *SystemMorphology
	Cluster *ClusterMorphology
}

// Name returns the morphology's name regardless of kind.
func (m *Morphology) Name() string {
	switch m.Kind {
	case KindChunk:
		return m.Chunk.Name
	case KindStratum:
		return m.Stratum.Name
	case KindSystem:
		return m.System.Name
	case KindCluster:
		return m.Cluster.Name
	default:
		return ""
	}
}
