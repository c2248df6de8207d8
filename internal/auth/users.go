package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// StaticUsers is a [CredentialValidator] over a fixed set of users whose
// passwords are stored as bcrypt hashes.
type StaticUsers struct {
	hashes map[string][]byte
}

// NewStaticUsers builds a [StaticUsers] from a map of username to bcrypt
// password hash.
func NewStaticUsers(hashes map[string]string) (*StaticUsers, error) {
	ret := &StaticUsers{hashes: make(map[string][]byte, len(hashes))}
	for name, hash := range hashes {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid password hash for user %q: %w", name, err)
		}
		ret.hashes[name] = []byte(hash)
	}
	return ret, nil
}

func (u *StaticUsers) ValidateCredentials(ctx context.Context, username, password string) Result {
	hash, ok := u.hashes[username]
	if !ok {
		// Compare anyway so that unknown users take as long as known ones.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return FailedResult(KindBasic, "invalid username or password")
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return FailedResult(KindBasic, "invalid username or password")
	}
	if err != nil {
		return FailedResult(KindBasic, err.Error())
	}
	return Result{Kind: KindBasic, User: username}
}

// HashPassword returns a bcrypt hash of the given password, suitable for use
// with [NewStaticUsers].
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not a real password"), bcrypt.MinCost)
