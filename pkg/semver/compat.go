// Package semver checks that versions reported by domain services satisfy the constraints
// declared in the topology.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:compat"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// Compatibility is the result of checking one version against one constraint.
type Compatibility struct {
	Version    string `json:"version"`
	Constraint string `json:"constraint,omitempty"`
	Compatible bool   `json:"compatible"`
	// Reason explains an incompatibility.
	Reason string `json:"reason,omitempty"`
}

// IsMajorOnly checks if a constraint is a major-only specifier (e.g., "3").
func IsMajorOnly(constraint string) bool {
	return majorOnlyRegex.MatchString(constraint)
}

// ParseConstraint parses a SemVer range. A bare major ("3") means any 3.x.y release.
func ParseConstraint(constraint string) (*masterminds.Constraints, error) {
	c := strings.TrimSpace(constraint)
	if IsMajorOnly(c) {
		c = "^" + c + ".0.0"
	}
	parsed, err := masterminds.NewConstraint(c)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return parsed, nil
}

// Check reports whether version satisfies constraint. An empty constraint accepts any valid
// version; an empty or unparsable version is incompatible whenever a constraint is set.
func Check(version, constraint string) (*Compatibility, error) {
	out := &Compatibility{Version: version, Constraint: constraint}
	if strings.TrimSpace(constraint) == "" {
		out.Compatible = true
		return out, nil
	}

	c, err := ParseConstraint(constraint)
	if err != nil {
		return nil, err
	}
	if version == "" {
		out.Reason = "domain did not report a version"
		return out, nil
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		out.Reason = fmt.Sprintf("unparsable version %q", version)
		return out, nil
	}
	ok, errs := c.Validate(v)
	out.Compatible = ok
	if !ok && len(errs) > 0 {
		out.Reason = errs[0].Error()
	}
	return out, nil
}
