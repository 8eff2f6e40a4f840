package dist

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedDependency is returned when a required package has no installed metadata.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	// ErrVersionConflict is returned when constraints on one package cannot all be satisfied.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNoCompatibleArtifact is returned when no artifact fits the target platform tag.
	ErrNoCompatibleArtifact = errors.New("no compatible artifact")
	// ErrMissingManifest is returned when a resolved package has no usable file-set manifest.
	ErrMissingManifest = errors.New("missing manifest")
	// ErrCollision is returned when two dependencies claim one destination path.
	ErrCollision = errors.New("destination collision")

	// ErrInvalidRequirement is returned for requirement strings that are not PEP 508.
	ErrInvalidRequirement = errors.New("invalid requirement")
	// ErrInvalidMarker is returned for environment markers that cannot be parsed.
	ErrInvalidMarker = errors.New("invalid environment marker")
	// ErrInvalidRuntime is returned for runtime identifiers other than pythonX.Y.
	ErrInvalidRuntime = errors.New("invalid runtime")
	// ErrInvalidWheelName is returned for wheel file names that do not follow PEP 427.
	ErrInvalidWheelName = errors.New("invalid wheel file name")
	// ErrUnknownAppType is returned for application types outside the enumeration.
	ErrUnknownAppType = errors.New("unknown application type")

	errDuplicateEntry = errors.New("duplicate resolution entry")
)

// UnresolvedDependencyError names the missing package and whoever required it.
type UnresolvedDependencyError struct {
	Name       string
	RequiredBy string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("%s: %s (required by %s) is not installed", ErrUnresolvedDependency, e.Name, e.RequiredBy)
}

func (e *UnresolvedDependencyError) Unwrap() error {
	return ErrUnresolvedDependency
}

// Constraint is a version specifier together with the package that declared it.
type Constraint struct {
	// Source is the normalized name of the requiring package, or a pseudo source
	// such as "declared" or "installed".
	Source string
	// Specifier is the PEP 440 specifier text, empty for "any version".
	Specifier string
}

func (c Constraint) String() string {
	spec := c.Specifier
	if spec == "" {
		spec = "*"
	}

	return c.Source + " requires " + spec
}

// VersionConflictError names both constraint sources so the user can pin a version.
type VersionConflictError struct {
	Name      string
	Installed string
	First     Constraint
	Second    Constraint
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s on %s (installed %s): %s, %s",
		ErrVersionConflict, e.Name, e.Installed, e.First, e.Second)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// NoCompatibleArtifactError reports the package and target that could not be matched.
type NoCompatibleArtifactError struct {
	Name    string
	Version string
	Tag     PlatformTag
	Cause   error
}

func (e *NoCompatibleArtifactError) Error() string {
	msg := fmt.Sprintf("%s for %s==%s on %s", ErrNoCompatibleArtifact, e.Name, e.Version, e.Tag)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *NoCompatibleArtifactError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNoCompatibleArtifact}
	}

	return []error{ErrNoCompatibleArtifact, e.Cause}
}

// MissingManifestError reports a package whose file set cannot be determined safely.
type MissingManifestError struct {
	Name     string
	Location string
}

func (e *MissingManifestError) Error() string {
	return fmt.Sprintf("%s: %s has no top_level.txt or RECORD under %s", ErrMissingManifest, e.Name, e.Location)
}

func (e *MissingManifestError) Unwrap() error {
	return ErrMissingManifest
}

// CollisionError reports two dependencies writing different content to one path.
type CollisionError struct {
	Path   string
	First  string
	Second string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s: %s is provided by both %s and %s", ErrCollision, e.Path, e.First, e.Second)
}

func (e *CollisionError) Unwrap() error {
	return ErrCollision
}
