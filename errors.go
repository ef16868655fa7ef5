package morph

import (
	"fmt"

	"github.com/pkg/errors"
)

// errUnsupportedVersion is the sentinel wrapped by a VERSION file whose
// declared schema version this package does not understand.
var errUnsupportedVersion = errors.New("unsupported definitions version")

// errMissingDependency is wrapped by a ProtocolError when a serialised
// artifact graph references a cache key that is not present among the
// artifacts it was decoded with.
var errMissingDependency = errors.New("missing dependency")

// InputError reports a morphology syntax or schema violation: an unknown
// kind, an invalid or missing field, an empty stratum, or a duplicate
// name. InputErrors are never retried.
type InputError struct {
	// Morphology is the name of the offending morphology, if known.
	Morphology string
	// Field is the offending field path, e.g. "products[0].include[2]".
	Field string
	Err   error
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Morphology, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Morphology, e.Field, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ResolveError reports a ref that could not be resolved, a file absent
// at a resolved ref, or an unreachable repository.
type ResolveError struct {
	Repo string
	Ref  string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving %s at %s: %v", e.Repo, e.Ref, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// GraphError reports a fatal defect in the artifact dependency graph:
// a mutual stratum dependency, a reference to an as-yet-undefined
// sibling chunk, or a dependency cycle found during topological sort.
type GraphError struct {
	Kind GraphErrorKind
	Msg  string
}

// GraphErrorKind enumerates the GraphError variants named in spec §4.5
// and §8 invariant 2.
type GraphErrorKind int

const (
	MutualDependencyError GraphErrorKind = iota
	UnknownDependencyError
	CyclicDependencyChainError
)

func (k GraphErrorKind) String() string {
	switch k {
	case MutualDependencyError:
		return "MutualDependencyError"
	case UnknownDependencyError:
		return "UnknownDependencyError"
	case CyclicDependencyChainError:
		return "CyclicDependencyChainError"
	default:
		return "GraphError"
	}
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// CacheError reports a read/write failure in the local or remote
// artifact cache. Errors from the local cache are fatal; remote cache
// errors should be degraded by the caller to "not cached".
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// BuildError reports a non-zero exit from a build phase.
type BuildError struct {
	Artifact string
	Phase    string
	Argv     []string
	ExitCode int
	LogTail  string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s phase %s failed (exit %d): %v", e.Artifact, e.Phase, e.ExitCode, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StagingError reports a hard-link or mount failure while constructing
// or tearing down a staging area. Fatal for the affected build.
type StagingError struct {
	Dir string
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging area %s: %v", e.Dir, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// ProtocolError reports a distributed build protocol failure: the
// controller rejected the request, the transport was interrupted, or a
// worker timed out.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("distbuild protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SkippedDueToDependencyFailure reports that an artifact was not built
// because one of its dependencies failed.
type SkippedDueToDependencyFailure struct {
	Artifact   string
	FailedDeps []string
}

func (e *SkippedDueToDependencyFailure) Error() string {
	return fmt.Sprintf("skipped %s: dependencies failed: %v", e.Artifact, e.FailedDeps)
}

// Wrap is a thin alias over github.com/pkg/errors.Wrap kept so the rest
// of the package has one place to change error-wrapping behaviour.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
