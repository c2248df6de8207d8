// Package auth decides who is making an inbound package-protocol request.
//
// The host application owns the real credential stores; this package only
// extracts credentials from a request, hands them to a validator, and
// reports the outcome as a [Result] that the grant resolver can act on.
package auth

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

// Kind identifies how a request was authenticated.
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindBasic     Kind = "basic"
	KindToken     Kind = "token"
)

// Result is the outcome of validating the credentials on a request.
//
// A request that presented no credentials at all has Missing set. A request
// whose credentials were rejected has a non-empty Error. Only a result with
// neither is [Result.Authenticated].
type Result struct {
	Kind     Kind
	User     string
	ReadOnly bool
	Missing  bool
	Error    string
}

// MissingResult is the result for a request with no credentials.
func MissingResult() Result {
	return Result{Kind: KindAnonymous, Missing: true}
}

// FailedResult is the result for credentials of the given kind that were
// rejected for the given reason.
func FailedResult(kind Kind, reason string) Result {
	return Result{Kind: kind, Error: reason}
}

// Authenticated returns true if the request presented valid credentials.
func (r Result) Authenticated() bool {
	return !r.Missing && r.Error == "" && r.User != ""
}

// Invalid returns true if the request presented credentials that were
// rejected.
func (r Result) Invalid() bool {
	return r.Error != ""
}

// CredentialValidator checks a username and password.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context, username, password string) Result
}

// TokenValidator checks a bearer token presented from the given client
// address.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string, remote netip.Addr) Result
}

// Authenticator extracts credentials from requests and validates them.
//
// Basic credentials go to Users. Bearer tokens go to Tokens, and are
// rejected if Tokens is nil.
type Authenticator struct {
	Users  CredentialValidator
	Tokens TokenValidator
}

// Authenticate validates whatever credentials the request carries.
//
// Every outcome other than missing credentials is counted in the
// authentication metrics.
func (a *Authenticator) Authenticate(req *http.Request) Result {
	header := req.Header.Get("Authorization")
	if header == "" {
		return MissingResult()
	}

	var result Result
	switch {
	case strings.HasPrefix(header, "Basic "):
		username, password, ok := req.BasicAuth()
		switch {
		case !ok:
			result = FailedResult(KindBasic, "malformed basic credentials")
		case a.Users == nil:
			result = FailedResult(KindBasic, "basic credentials not accepted")
		default:
			result = a.Users.ValidateCredentials(req.Context(), username, password)
		}
	case strings.HasPrefix(header, "Bearer "):
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if a.Tokens == nil {
			result = FailedResult(KindToken, "bearer tokens not accepted")
		} else {
			result = a.Tokens.ValidateToken(req.Context(), token, RemoteAddr(req))
		}
	default:
		result = FailedResult(KindAnonymous, "unsupported authorization scheme")
	}
	Observe(result)
	return result
}

// ValidateCredentials checks a username and password directly, as used by
// protocol login endpoints that carry credentials in the request body.
func (a *Authenticator) ValidateCredentials(ctx context.Context, username, password string) Result {
	var result Result
	if a.Users == nil {
		result = FailedResult(KindBasic, "password login not accepted")
	} else {
		result = a.Users.ValidateCredentials(ctx, username, password)
	}
	Observe(result)
	return result
}

// RemoteAddr returns the address of the client that made the request, or
// the zero address if it cannot be determined.
func RemoteAddr(req *http.Request) netip.Addr {
	addrPort, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		addr, err := netip.ParseAddr(req.RemoteAddr)
		if err != nil {
			return netip.Addr{}
		}
		return addr.Unmap()
	}
	return addrPort.Addr().Unmap()
}
