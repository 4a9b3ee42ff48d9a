package iiif

import (
	"errors"
	"fmt"
	"strings"
)

// IdentifierPrefix is prepended to every identifier derived from a repository URI
const IdentifierPrefix = "fcrepo"

// ErrInvalidRepoURI is returned when a repository URI cannot be translated
var ErrInvalidRepoURI = errors.New("invalid repository URI")

// IdentifierFromRepoURI translates a repository URI into an image server identifier.
// The URI must start with endpoint and the remaining path must start with "/";
// every "/" in that path becomes ":".
//
//	IdentifierFromRepoURI("http://x/fcrepo/rest/foo/bar", "http://x/fcrepo/rest") == "fcrepo:foo:bar"
func IdentifierFromRepoURI(repoURI, endpoint string) (string, error) {
	if !strings.HasPrefix(repoURI, endpoint) {
		return "", fmt.Errorf("%w: repo URI %s must start with the endpoint URI %s", ErrInvalidRepoURI, repoURI, endpoint)
	}

	repoPath := repoURI[len(endpoint):]
	if !strings.HasPrefix(repoPath, "/") {
		return "", fmt.Errorf("%w: repo path %q must start with \"/\"", ErrInvalidRepoURI, repoPath)
	}

	return IdentifierPrefix + strings.ReplaceAll(repoPath, "/", ":"), nil
}
