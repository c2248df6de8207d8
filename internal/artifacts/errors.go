package artifacts

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/seal"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

// ErrMalformedInput is wrapped by errors reporting a problem with what the
// client sent, detected before any registry call was made.
const ErrMalformedInput = staticError("malformed input")

// Malformed returns an error wrapping [ErrMalformedInput].
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// Step identifies a stage of the publish sequence. Each is named for the
// state reached once the stage succeeds.
type Step string

const (
	StepValidated            Step = "Validated"
	StepGrantAcquired        Step = "GrantAcquired"
	StepBlobsUploaded        Step = "BlobsUploaded"
	StepManifestBuilt        Step = "ManifestBuilt"
	StepManifestUploaded     Step = "ManifestUploaded"
	StepRepositoryKindTagged Step = "RepositoryKindTagged"
)

// StepError reports which stage of a publish failed. The stages after it
// did not run, and nothing done by earlier stages was undone.
type StepError struct {
	Step Step
	Err  error
}

func (err *StepError) Error() string {
	return fmt.Sprintf("publish did not reach %s: %s", err.Step, err.Err)
}

func (err *StepError) Unwrap() error {
	return err.Err
}

// FailedStep returns the step at which a publish failed, if err came from
// a publish.
func FailedStep(err error) (Step, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step, true
	}
	return "", false
}

// StatusCode returns the HTTP status code that best describes err to a
// protocol client.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, ocidist.ErrMalformedManifest):
		return http.StatusBadGateway
	case errors.Is(err, ocidist.ErrUnauthorized), errors.Is(err, ocidist.ErrInvalidGrant),
		errors.Is(err, seal.ErrInvalid), errors.Is(err, seal.ErrExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ocidist.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
