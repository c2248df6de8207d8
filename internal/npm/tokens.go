package npm

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
)

// ErrTokenNotFound is returned by a [TokenStore] for an unknown token key.
var ErrTokenNotFound = errors.New("token not found")

// Token is a row of the npm token table. The token value itself is never
// stored, only its key.
type Token struct {
	Name      string
	Key       string
	ReadOnly  bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// AllowedCIDRs, if not empty, restricts which client addresses may use
	// the token.
	AllowedCIDRs []netip.Prefix
	User         string
}

// TokenStore is the host's npm token table.
type TokenStore interface {
	SaveToken(ctx context.Context, token *Token) error
	TokenByKey(ctx context.Context, key string) (*Token, error)
	DeleteToken(ctx context.Context, key string) error
}

// TokenKey returns the key under which a token value is stored.
func TokenKey(value string) string {
	sum := sha512.Sum512([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Tokens issues, checks and revokes npm tokens.
//
// Tokens implements [auth.TokenValidator].
type Tokens struct {
	store TokenStore
	now   func() time.Time
}

var _ auth.TokenValidator = (*Tokens)(nil)

func NewTokens(store TokenStore) *Tokens {
	return &Tokens{store: store, now: time.Now}
}

// Issue creates a new token for the given user and returns its value,
// which is not recoverable afterwards.
func (t *Tokens) Issue(ctx context.Context, user string, readOnly bool, allowed []netip.Prefix) (string, error) {
	value := uuid.NewString()
	now := t.now()
	token := &Token{
		Name:         fmt.Sprintf("npm-%s-%d", user, now.Unix()),
		Key:          TokenKey(value),
		ReadOnly:     readOnly,
		CreatedAt:    now,
		UpdatedAt:    now,
		AllowedCIDRs: allowed,
		User:         user,
	}
	if err := t.store.SaveToken(ctx, token); err != nil {
		return "", fmt.Errorf("failed to save token: %w", err)
	}
	logging.ContextLogger(ctx).WithField("user", user).WithField("token_name", token.Name).Info("issued npm token")
	return value, nil
}

// Revoke deletes the token with the given value.
func (t *Tokens) Revoke(ctx context.Context, value string) error {
	return t.store.DeleteToken(ctx, TokenKey(value))
}

func (t *Tokens) ValidateToken(ctx context.Context, value string, remote netip.Addr) auth.Result {
	if value == "" {
		return auth.MissingResult()
	}
	token, err := t.store.TokenByKey(ctx, TokenKey(value))
	if errors.Is(err, ErrTokenNotFound) {
		return auth.FailedResult(auth.KindToken, "invalid token")
	}
	if err != nil {
		logging.ContextLogger(ctx).WithError(err).Error("failed to look up npm token")
		return auth.FailedResult(auth.KindToken, "error validating token")
	}
	if !allowedFrom(token.AllowedCIDRs, remote) {
		return auth.FailedResult(auth.KindToken, "token may not be used from this address")
	}
	return auth.Result{Kind: auth.KindToken, User: token.User, ReadOnly: token.ReadOnly}
}

func allowedFrom(allowed []netip.Prefix, remote netip.Addr) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, prefix := range allowed {
		if prefix.Contains(remote) {
			return true
		}
	}
	return false
}

// MemoryTokenStore is an in-process [TokenStore].
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

var _ TokenStore = (*MemoryTokenStore)(nil)

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func (s *MemoryTokenStore) SaveToken(ctx context.Context, token *Token) error {
	s.mu.Lock()
	s.tokens[token.Key] = *token
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) TokenByKey(ctx context.Context, key string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &token, nil
}

func (s *MemoryTokenStore) DeleteToken(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[key]; !ok {
		return ErrTokenNotFound
	}
	delete(s.tokens, key)
	return nil
}
