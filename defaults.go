package morph

import "github.com/goccy/go-yaml"

// DefinitionsVersion is the VERSION file's supported schema version
// (spec.md §6). Only this value is accepted; anything else is rejected
// with an InputError.
const DefinitionsVersion = 7

// VersionFile is the decoded form of the VERSION file that must exist
// at the root of a definitions tree.
type VersionFile struct {
	Version int `yaml:"version" json:"version"`
}

// Validate rejects an unsupported definitions version.
func (v VersionFile) Validate() error {
	if v.Version != DefinitionsVersion {
		return &InputError{
			Morphology: "VERSION",
			Field:      "version",
			Err:        Wrapf(errUnsupportedVersion, "got %d, want %d", v.Version, DefinitionsVersion),
		}
	}
	return nil
}

// SplitRuleDefault is one entry of a built-in or DEFAULTS-file split
// rule list: an artifact name suffix (appended to the source's own
// name) and the list of regexes that route files/artifacts into it.
// Spec.md §4.4 calls this "a version-keyed list of (suffix, [regex])
// pairs"; suffix here is literally the trailing part of the produced
// artifact name (e.g. a chunk named "zlib" with suffix "-devel"
// produces artifact "zlib-devel").
type SplitRuleDefault struct {
	Suffix  string
	Include []string
}

// DefaultsFile is the decoded form of the DEFAULTS file: predefined
// build-system command sets and default split rules, only honoured
// when the definitions version is >= 7 (spec.md §6).
type DefaultsFile struct {
	BuildSystems map[string]BuildSystemCommands `yaml:"build-systems,omitempty" json:"build-systems,omitempty"`
	SplitRules   map[Kind][]ProductSpec         `yaml:"split-rules,omitempty" json:"split-rules,omitempty"`
}

// BuildSystemCommands is the raw command-list form of a user-overridden
// build system entry in a DEFAULTS file.
type BuildSystemCommands struct {
	Configure PhaseCommands `yaml:"configure,omitempty" json:"configure,omitempty"`
	Build     PhaseCommands `yaml:"build,omitempty" json:"build,omitempty"`
	Test      PhaseCommands `yaml:"test,omitempty" json:"test,omitempty"`
	Install   PhaseCommands `yaml:"install,omitempty" json:"install,omitempty"`
	Strip     PhaseCommands `yaml:"strip,omitempty" json:"strip,omitempty"`
}

// builtinBuildSystems mirrors morphlib.buildsystem's predefined command
// sets (original_source/morphlib/buildsystem.py): manual has none,
// dummy echoes its phase name, and the rest wrap the well-known
// project convention for that ecosystem.
var builtinBuildSystems = map[BuildSystemName]BuildSystemCommands{
	BuildSystemManual: {},
	BuildSystemDummy: {
		Configure: PhaseCommands{Main: []string{"echo dummy configure"}},
		Build:     PhaseCommands{Main: []string{"echo dummy build"}},
		Test:      PhaseCommands{Main: []string{"echo dummy test"}},
		Install:   PhaseCommands{Main: []string{"echo dummy install"}},
	},
	BuildSystemAutotools: {
		Configure: PhaseCommands{Main: []string{
			`export NOCONFIGURE=1; if [ -e autogen ]; then ./autogen; ` +
				`elif [ -e autogen.sh ]; then ./autogen.sh; ` +
				`elif [ -e bootstrap ]; then ./bootstrap; ` +
				`elif [ -e bootstrap.sh ]; then ./bootstrap.sh; ` +
				`elif [ ! -e ./configure ]; then autoreconf -ivf; fi`,
			`./configure --prefix="$PREFIX"`,
		}},
		Build:   PhaseCommands{Main: []string{"make"}},
		Install: PhaseCommands{Main: []string{`make DESTDIR="$DESTDIR" install`}},
		Strip:   PhaseCommands{Main: []string{stripCommand}},
	},
	BuildSystemPythonDistutils: {
		Build:   PhaseCommands{Main: []string{"python setup.py build"}},
		Install: PhaseCommands{Main: []string{`python setup.py install --prefix "$PREFIX" --root "$DESTDIR"`}},
		Strip:   PhaseCommands{Main: []string{stripCommand}},
	},
	BuildSystemCPAN: {
		Configure: PhaseCommands{Main: []string{`perl Makefile.PL PREFIX=$DESTDIR$PREFIX`}},
		Build:     PhaseCommands{Main: []string{"make"}},
		Install:   PhaseCommands{Main: []string{"make install"}},
		Strip:     PhaseCommands{Main: []string{stripCommand}},
	},
	BuildSystemModuleBuild: {
		Configure: PhaseCommands{Main: []string{`perl Build.PL --prefix "$DESTDIR$PREFIX"`}},
		Build:     PhaseCommands{Main: []string{"./Build"}},
		Test:      PhaseCommands{Main: []string{"./Build test"}},
		Install:   PhaseCommands{Main: []string{"./Build install"}},
	},
	BuildSystemCMake: {
		Configure: PhaseCommands{Main: []string{`cmake -DCMAKE_INSTALL_PREFIX="$PREFIX"`}},
		Build:     PhaseCommands{Main: []string{"make"}},
		Install:   PhaseCommands{Main: []string{`make DESTDIR="$DESTDIR" install`}},
		Strip:     PhaseCommands{Main: []string{stripCommand}},
	},
	BuildSystemQMake: {
		Configure: PhaseCommands{Main: []string{"qmake"}},
		Build:     PhaseCommands{Main: []string{"make"}},
		Install:   PhaseCommands{Main: []string{`make INSTALL_ROOT="$DESTDIR" install`}},
		Strip:     PhaseCommands{Main: []string{stripCommand}},
	},
}

// stripCommand mirrors morphlib.buildsystem._STRIP_COMMAND: it strips
// debug symbols from ELF binaries and libraries under $DESTDIR into a
// parallel /usr/lib/debug tree.
const stripCommand = `find "$DESTDIR" -type f ` +
	`'(' -perm -111 -o -name '*.so*' ')' ` +
	`-exec sh -ec 'read -n4 hdr <"$1"; ` +
	`if [ "$hdr" != "$(printf \x7fELF)" ]; then exit 0; fi; ` +
	`debugfile="$DESTDIR$PREFIX/lib/debug/$(basename "$1")"; ` +
	`mkdir -p "$(dirname "$debugfile")"; ` +
	`objcopy --only-keep-debug "$1" "$debugfile"; ` +
	`strip --remove-section=.comment --remove-section=.note --strip-unneeded "$1"; ` +
	`objcopy --add-gnu-debuglink "$debugfile" "$1"' - {} ';'`

// builtinChunkSplitRules is the fallback split-rule list used for a
// chunk whose morphology does not declare an artifact of the same
// name (spec.md §4.4: "Default rules are an all-or-nothing fallback,
// not additive").
var builtinChunkSplitRules = []SplitRuleDefault{
	{Suffix: "-bins", Include: []string{`.*/s?bin/.*`, `.*/libexec/.*`}},
	{Suffix: "-libs", Include: []string{`.*/lib\d*/lib.*\.so.*`}},
	{Suffix: "-devel", Include: []string{
		`.*/include/.*`, `.*/lib\d*/.*\.a$`, `.*/lib\d*/.*\.so$`,
		`.*/lib\d*/pkgconfig/.*`,
	}},
	{Suffix: "-doc", Include: []string{`.*/share/doc/.*`, `.*/share/man/.*`}},
	{Suffix: "-locale", Include: []string{`.*/share/locale/.*`, `.*/share/i18n/.*`}},
	{Suffix: "-debug", Include: []string{`.*/lib/debug/.*`}},
	{Suffix: "", Include: []string{".*"}},
}

// builtinStratumSplitRules is the fallback split-rule list used for a
// stratum artifact that the morphology's own products do not claim.
var builtinStratumSplitRules = []SplitRuleDefault{
	{Suffix: "-devel", Include: []string{`.*-devel$`}},
	{Suffix: "-debug", Include: []string{`.*-debug$`}},
	{Suffix: "", Include: []string{".*"}},
}

// LoadVersionFile parses a definitions tree's VERSION file and
// validates it.
func LoadVersionFile(dt []byte) (VersionFile, error) {
	var v VersionFile
	if err := yaml.Unmarshal(dt, &v); err != nil {
		return VersionFile{}, &InputError{Morphology: "VERSION", Err: Wrap(err, "parsing")}
	}
	return v, v.Validate()
}

// LoadDefaultsFile parses a definitions tree's optional DEFAULTS file.
// A tree without one uses builtinBuildSystems and
// builtinChunkSplitRules/builtinStratumSplitRules unmodified.
func LoadDefaultsFile(dt []byte) (*DefaultsFile, error) {
	var d DefaultsFile
	if err := yaml.Unmarshal(dt, &d); err != nil {
		return nil, &InputError{Morphology: "DEFAULTS", Err: Wrap(err, "parsing")}
	}
	return &d, nil
}

// buildSystemCommandsFor resolves the effective default commands for a
// build system name, preferring an override from a loaded DEFAULTS
// file over the built-in table.
func buildSystemCommandsFor(name BuildSystemName, overrides *DefaultsFile) (BuildSystemCommands, bool) {
	if overrides != nil {
		if bs, ok := overrides.BuildSystems[string(name)]; ok {
			return bs, true
		}
	}
	bs, ok := builtinBuildSystems[name]
	return bs, ok
}
