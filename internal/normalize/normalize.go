// Package normalize canonicalizes package names per spec.
package normalize

import (
	"regexp"
	"strings"
)

var runsOfSeparators = regexp.MustCompile(`[-_.]+`)

// Name lowercases raw and collapses runs of '-', '_', '.' into a single
// '-', matching PEP-503 style canonicalization.
func Name(raw string) string {
	lower := strings.ToLower(raw)
	return runsOfSeparators.ReplaceAllString(lower, "-")
}
