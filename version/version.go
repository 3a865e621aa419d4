// Package version implements the strict major.minor.patch versioning rules
// used for node identities. It wraps golang.org/x/mod/semver, which expects a
// leading "v" that node versions do not carry.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// IsValid reports whether v is a strict major.minor.patch version. Shorthand
// forms ("1.2"), pre-release and build metadata are all rejected: node
// versions must be fully pinned, comparable triples.
func IsValid(v string) bool {
	if strings.ContainsAny(v, "-+") {
		return false
	}
	prefixed := "v" + v
	return semver.IsValid(prefixed) && semver.Canonical(prefixed) == prefixed
}

// Compare returns -1, 0, or +1 depending on whether a is lower than, equal
// to, or higher than b. Both arguments must satisfy IsValid.
func Compare(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// BumpMinor returns v with the minor component incremented and the patch
// component reset to zero. Adaptation-driven versions are always minor bumps;
// major and patch bumps are left to manual authorship.
func BumpMinor(v string) (string, error) {
	if !IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	parts := strings.SplitN(v, ".", 3)
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid minor component in %q: %w", v, err)
	}
	return fmt.Sprintf("%s.%d.0", parts[0], minor+1), nil
}
