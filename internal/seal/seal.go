// Package seal packs short messages into opaque, expiring tokens that only
// the holder of the same secret key can open.
//
// Grant tokens handed to the registry are built this way, so that the
// registry can check them without sharing any state with the issuer other
// than the key.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceLength  = 24
	expiryLength = 8
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

// ErrInvalid is returned by [Sealer.Open] for a token that was not sealed
// with the same key, or that has been tampered with.
const ErrInvalid = staticError("invalid token")

// ErrExpired is returned by [Sealer.Open] for a genuine token whose lifetime
// has elapsed.
const ErrExpired = staticError("token has expired")

// Sealer seals and opens tokens.
type Sealer struct {
	// randReader is a reader from a cryptographically secure random number
	// generator.
	randReader io.Reader

	// secretKey protects the messages. Anyone who can read it can both read
	// and forge tokens.
	secretKey [32]byte

	ttl time.Duration
	now func() time.Time
}

// NewSealer constructs a [Sealer] whose tokens are valid for ttl after
// being sealed, using the default random reader from crypto/rand.
func NewSealer(secretKey [32]byte, ttl time.Duration) *Sealer {
	return NewSealerWithRand(secretKey, ttl, rand.Reader)
}

// NewSealerWithRand is like [NewSealer] but additionally allows providing
// your own random byte reader.
//
// The reader must represent a random number generator suitable for
// cryptographic use.
func NewSealerWithRand(secretKey [32]byte, ttl time.Duration, randReader io.Reader) *Sealer {
	return &Sealer{
		randReader: randReader,
		secretKey:  secretKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock returns a copy of the sealer that uses the given function to
// determine the current time.
func (s *Sealer) WithClock(now func() time.Time) *Sealer {
	ret := *s
	ret.now = now
	return &ret
}

// TTL returns how long tokens from this sealer remain valid.
func (s *Sealer) TTL() time.Duration {
	return s.ttl
}

// Seal encrypts the given message along with its expiration time and
// returns a string using the unpadded URL-oriented base64 alphabet.
func (s *Sealer) Seal(msg []byte) (string, error) {
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(s.randReader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	expiration := s.now().Add(s.ttl).Unix()
	fullMsg := make([]byte, 0, expiryLength+len(msg))
	fullMsg = binary.BigEndian.AppendUint64(fullMsg, uint64(expiration))
	fullMsg = append(fullMsg, msg...)

	sealed := make([]byte, nonceLength, nonceLength+len(fullMsg)+secretbox.Overhead)
	copy(sealed, nonce[:])
	sealed = secretbox.Seal(sealed, fullMsg, &nonce, &s.secretKey)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open takes a result from an earlier call to [Sealer.Seal] on a Sealer
// with the same key as the receiver and returns the message sealed inside.
func (s *Sealer) Open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalid)
	}
	if len(raw) < nonceLength+secretbox.Overhead+expiryLength {
		return nil, fmt.Errorf("%w: too short", ErrInvalid)
	}
	var nonce [nonceLength]byte
	copy(nonce[:], raw)
	raw = raw[nonceLength:]

	ret, ok := secretbox.Open(nil, raw, &nonce, &s.secretKey)
	if !ok {
		return nil, fmt.Errorf("%w: decryption error", ErrInvalid)
	}

	expiration := time.Unix(int64(binary.BigEndian.Uint64(ret)), 0)
	if s.now().After(expiration) {
		return nil, ErrExpired
	}
	return ret[expiryLength:], nil
}
