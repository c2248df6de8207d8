package ocidist

import (
	"fmt"

	"oras.land/oras-go/v2/registry/remote/errcode"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

const ErrUnauthorized = staticError("unauthorized")
const ErrNotFound = staticError("not found")
const ErrUploadRejected = staticError("upload rejected")
const ErrInvalidGrant = staticError("invalid grant token")
const ErrMalformedManifest = staticError("malformed manifest")

// RegistryError reports a response from the registry whose status code was
// not one the operation expected.
//
// Response carries whatever the registry said in its error body, which is
// usually a list of OCI distribution error codes.
type RegistryError struct {
	Op       string
	Response *errcode.ErrorResponse
}

func (err *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", err.Op, err.Response)
}

func (err *RegistryError) Unwrap() error {
	return err.Response
}

// RequestError reports that a request to the registry could not be completed
// at all, such as when the registry is unreachable.
type RequestError struct {
	Wrapped error
}

func (err RequestError) Error() string {
	return fmt.Sprintf("request failed: %s", err.Wrapped)
}

func (err RequestError) Unwrap() error {
	return err.Wrapped
}
