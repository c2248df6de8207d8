// Package grant issues and checks the short-lived bearer tokens that
// authorize registry calls made on behalf of a package-protocol request.
//
// Each token is scoped to exactly one repository and only the actions the
// current operation needs: pull for reads, pull and push for publishes.
package grant

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/seal"
)

// KindService marks grants issued for the plugins' own background work,
// such as reading a config blob after a push notification.
const KindService auth.Kind = "service"

// Scope is a set of actions on one repository, written like
// "repository:acme/widget:pull,push".
type Scope struct {
	Repository ocidist.Repository
	Actions    []string
}

func ReadScope(repo ocidist.Repository) Scope {
	return Scope{Repository: repo, Actions: []string{ocidist.ActionPull}}
}

func WriteScope(repo ocidist.Repository) Scope {
	return Scope{Repository: repo, Actions: []string{ocidist.ActionPull, ocidist.ActionPush}}
}

func (s Scope) String() string {
	return "repository:" + s.Repository.String() + ":" + strings.Join(s.Actions, ",")
}

// Allows returns true if the scope includes the given action.
func (s Scope) Allows(action string) bool {
	return slices.Contains(s.Actions, action)
}

// ParseScope parses the string form of a [Scope].
func ParseScope(s string) (Scope, error) {
	rest, ok := strings.CutPrefix(s, "repository:")
	if !ok {
		return Scope{}, fmt.Errorf("scope %q is not a repository scope", s)
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return Scope{}, fmt.Errorf("scope %q has no actions", s)
	}
	repo, err := ocidist.ParseRepositoryPath(rest[:i])
	if err != nil {
		return Scope{}, fmt.Errorf("scope %q: %w", s, err)
	}
	actions := strings.Split(rest[i+1:], ",")
	for _, action := range actions {
		if action != ocidist.ActionPull && action != ocidist.ActionPush {
			return Scope{}, fmt.Errorf("scope %q has unsupported action %q", s, action)
		}
	}
	return Scope{Repository: repo, Actions: actions}, nil
}

// Claims is the content sealed inside a grant token.
type Claims struct {
	Audience string    `json:"aud"`
	Subject  string    `json:"sub,omitempty"`
	Kind     auth.Kind `json:"kind"`

	// Credentials records whether the request the grant was issued for
	// presented real credentials, so that anonymous pulls can be told apart.
	Credentials bool     `json:"creds"`
	Access      []string `json:"access"`
}

// Allows returns true if the claims authorize the given action on the
// given repository.
func (c *Claims) Allows(repo ocidist.Repository, action string) bool {
	for _, raw := range c.Access {
		scope, err := ParseScope(raw)
		if err != nil {
			continue
		}
		if scope.Repository == repo && scope.Allows(action) {
			return true
		}
	}
	return false
}

// Issuer issues grant tokens bound to one audience, which is normally the
// hostname of the registry that will receive them, and validates tokens
// issued with the same key.
//
// Issuer implements [ocidist.GrantValidator].
type Issuer struct {
	audience string
	sealer   *seal.Sealer
}

var _ ocidist.GrantValidator = (*Issuer)(nil)

func NewIssuer(audience string, sealer *seal.Sealer) *Issuer {
	return &Issuer{
		audience: audience,
		sealer:   sealer,
	}
}

// ForRead issues a grant to pull from the given repository.
//
// Anonymous requests are allowed to read, but requests that presented
// credentials which failed validation are not.
func (i *Issuer) ForRead(result auth.Result, repo ocidist.Repository) (string, error) {
	if result.Invalid() {
		return "", fmt.Errorf("%w: %s", ocidist.ErrUnauthorized, result.Error)
	}
	return i.issue(Claims{
		Subject:     result.User,
		Kind:        result.Kind,
		Credentials: !result.Missing,
	}, ReadScope(repo))
}

// ForWrite issues a grant to pull from and push to the given repository.
//
// Only authenticated requests whose credentials are not read-only may
// write.
func (i *Issuer) ForWrite(result auth.Result, repo ocidist.Repository) (string, error) {
	switch {
	case result.Missing:
		return "", fmt.Errorf("%w: credentials required", ocidist.ErrUnauthorized)
	case !result.Authenticated():
		return "", fmt.Errorf("%w: %s", ocidist.ErrUnauthorized, result.Error)
	case result.ReadOnly:
		return "", fmt.Errorf("%w: credentials are read-only", ocidist.ErrUnauthorized)
	}
	return i.issue(Claims{
		Subject:     result.User,
		Kind:        result.Kind,
		Credentials: true,
	}, WriteScope(repo))
}

// ForService issues a read grant for work the plugins do on their own
// behalf rather than for an inbound request.
func (i *Issuer) ForService(repo ocidist.Repository) (string, error) {
	return i.issue(Claims{Kind: KindService, Credentials: true}, ReadScope(repo))
}

func (i *Issuer) issue(claims Claims, scope Scope) (string, error) {
	claims.Audience = i.audience
	claims.Access = []string{scope.String()}
	msg, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode grant: %w", err)
	}
	token, err := i.sealer.Seal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to seal grant: %w", err)
	}
	return token, nil
}

// Inspect opens a token issued with the same key and audience and returns
// its claims, without checking its scope.
func (i *Issuer) Inspect(token string) (*Claims, error) {
	msg, err := i.sealer.Open(token)
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(msg, &claims); err != nil {
		return nil, fmt.Errorf("%w: undecodable claims", seal.ErrInvalid)
	}
	if claims.Audience != i.audience {
		return nil, fmt.Errorf("grant is for audience %q, not %q", claims.Audience, i.audience)
	}
	return &claims, nil
}

// ValidateGrant checks that the token is genuine, unexpired, meant for this
// issuer's audience, and authorizes the action on the repository.
func (i *Issuer) ValidateGrant(token string, namespace, repository, action string) error {
	claims, err := i.Inspect(token)
	if err != nil {
		return err
	}
	repo, err := ocidist.ParseRepository(namespace, repository)
	if err != nil {
		return err
	}
	if !claims.Allows(repo, action) {
		return fmt.Errorf("grant does not allow %s on %s", action, repo)
	}
	return nil
}
