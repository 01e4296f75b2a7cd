package ml

import (
	"errors"
	"fmt"

	"diamond-pricer/internal/schema"
)

// Kind classifies a serving failure. The set is closed.
type Kind int

const (
	KindSchemaViolation Kind = iota + 1
	KindBundleUnavailable
	KindEnsembleEmpty
	KindScoringFailure
)

func (k Kind) String() string {
	switch k {
	case KindSchemaViolation:
		return "schema_violation"
	case KindBundleUnavailable:
		return "bundle_unavailable"
	case KindEnsembleEmpty:
		return "ensemble_empty"
	case KindScoringFailure:
		return "scoring_failure"
	default:
		return "unknown"
	}
}

var (
	// ErrBundleAbsent is wrapped by every LoadBundle failure.
	ErrBundleAbsent = errors.New("model bundle absent")
	// ErrBundleUnavailable means no bundle has been loaded yet.
	ErrBundleUnavailable = errors.New("no model bundle loaded")
	// ErrEnsembleEmpty means the loaded bundle declares no models.
	ErrEnsembleEmpty = errors.New("model bundle declares no models")
	// ErrArtifactNotFound is returned by an ArtifactSource for a name it
	// does not hold.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Error is the error type returned by the serving path. Model is set for
// scoring failures attributable to one ensemble member.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: model %q: %v", e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err. A bare schema violation maps
// to KindSchemaViolation.
func KindOf(err error) (Kind, bool) {
	var mlErr *Error
	if errors.As(err, &mlErr) {
		return mlErr.Kind, true
	}
	if schema.IsViolation(err) {
		return KindSchemaViolation, true
	}
	return 0, false
}
