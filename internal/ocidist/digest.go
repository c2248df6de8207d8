package ocidist

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ComputeDigest returns the content address of the given payload.
//
// The result always uses the sha256 algorithm, so byte-identical payloads
// always produce equal digests.
func ComputeDigest(data []byte) digest.Digest {
	return digest.SHA256.FromBytes(data)
}

// ParseDigest parses a digest string in the "algorithm:encoded" form,
// returning an error if it is not a well-formed digest for a supported
// algorithm.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}
