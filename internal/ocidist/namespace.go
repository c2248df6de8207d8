package ocidist

import (
	"fmt"
	"regexp"
	"strings"
)

// NamespacePart represents one slash-separated part of a repository name in
// an OCI distribution registry.
//
// Although not enforcable by the Go compiler, values of this type must always
// be valid namespace parts as defined in the OCI Distribution specification,
// which means they must match the following regular expression pattern:
//
//	[a-z0-9]+([._-][a-z0-9]+)*
//
// Use [ParseNamespacePart] to guarantee a valid value.
type NamespacePart string

// Repository identifies a repository in the host registry.
//
// The host registry organizes repositories as exactly two levels: a namespace
// (an organization or user) and a repository name within that namespace. The
// package protocols we translate map their own identities onto that shape,
// such as npm's "@scope/name" becoming namespace "scope" and name "name".
type Repository struct {
	Namespace NamespacePart
	Name      NamespacePart
}

// Reference represents a reference string used to identify a particular
// tag in an OCI distribution registry.
//
// Although not enforcable by the Go compiler, values of this type must
// always be valid reference strings as defined in the OCI Distribution
// specification, which means they must match the following regular expression
// pattern:
//
//	[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}
//
// Use [ParseReference] to guarantee a valid value.
type Reference string

// ParseRepository parses a namespace and a repository name into a
// [Repository], or returns an error if either part does not use valid syntax.
func ParseRepository(namespace, name string) (Repository, error) {
	ns, err := ParseNamespacePart(namespace)
	if err != nil {
		return Repository{}, fmt.Errorf("invalid namespace %q: %s", namespace, err)
	}
	n, err := ParseNamespacePart(name)
	if err != nil {
		return Repository{}, fmt.Errorf("invalid repository name %q: %s", name, err)
	}
	return Repository{Namespace: ns, Name: n}, nil
}

// ParseRepositoryPath parses a full repository path as reported by the host
// registry, like "acme/widget", into a [Repository].
func ParseRepositoryPath(s string) (Repository, error) {
	namespace, name, ok := strings.Cut(s, "/")
	if !ok {
		return Repository{}, fmt.Errorf("repository path %q must have a namespace and a name separated by a slash", s)
	}
	return ParseRepository(namespace, name)
}

func MustParseRepository(namespace, name string) Repository {
	repo, err := ParseRepository(namespace, name)
	if err != nil {
		panic(err)
	}
	return repo
}

func ParseNamespacePart(s string) (NamespacePart, error) {
	if !namespacePartRe.MatchString(s) {
		return "", fmt.Errorf("must consist of one or more sequences of lowercase latin letters and digits separated by individual periods, underscores, or dashes")
	}
	return NamespacePart(s), nil
}

func ParseReference(s string) (Reference, error) {
	if !referenceRe.MatchString(s) {
		return "", fmt.Errorf("must consist of a latin letter, digit, or underscore, followed by up to 127 more latin letters, digits, underscores, dashes, or dots")
	}
	return Reference(s), nil
}

func MustParseReference(s string) Reference {
	r, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return r
}

// TagForVersion returns the tag used to store the given package version.
//
// Package versions are allowed to contain build metadata after a plus sign,
// but tags are not, so the first plus sign is replaced with ".build-". Any
// other character that isn't valid in a tag causes an error.
func TagForVersion(version string) (Reference, error) {
	tag := strings.Replace(version, versionPlus, versionPlusSubstitute, 1)
	ref, err := ParseReference(tag)
	if err != nil {
		return "", fmt.Errorf("version %q cannot be used as a tag: %s", version, err)
	}
	return ref, nil
}

func (r Repository) String() string {
	return string(r.Namespace) + "/" + string(r.Name)
}

func (np NamespacePart) String() string {
	return string(np)
}

func (r Reference) String() string {
	return string(r)
}

const (
	versionPlus           = "+"
	versionPlusSubstitute = ".build-"
)

var namespacePartRe = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
var referenceRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
