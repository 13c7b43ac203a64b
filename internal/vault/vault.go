// Package vault implements the snapshot archive backends: an in-memory store
// for tests, a local directory, and an S3 bucket.
package vault

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is wrapped by Get* methods when the requested item is absent.
var ErrNotFound = errors.New("not found in vault")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// checkName rejects identifiers that could escape the vault layout.
func checkName(kind, s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("invalid %s %q", kind, s)
	}
	return nil
}
