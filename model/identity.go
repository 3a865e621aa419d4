// SPDX-License-Identifier: MIT
//
// This file defines node identity: the (logical name, version) pair that is
// globally unique across the registry and stable for the life of a node.
package model

import (
	"fmt"
	"strings"

	"github.com/vk/morphgrid/version"
)

// Identity is the unique key of one immutable node definition. Name is the
// logical name shared by all versions of "the same" node; Version is a strict
// major.minor.patch triple.
type Identity struct {
	Name    string
	Version string
}

// String renders the identity in the canonical "name@version" form used in
// trace events, error messages and plan ordering.
func (id Identity) String() string {
	return id.Name + "@" + id.Version
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Version == ""
}

// Less orders identities by logical name, then by semantic version. It is the
// tie-break used everywhere a deterministic ordering is required.
func (id Identity) Less(other Identity) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return version.Compare(id.Version, other.Version) < 0
}

// ParseRef parses a node reference of the form "name" or "name@version".
// An empty version means the reference is unpinned and resolves to the
// latest valid version at composition time.
func ParseRef(ref string) (Identity, error) {
	name, ver, pinned := strings.Cut(ref, "@")
	if name == "" {
		return Identity{}, fmt.Errorf("empty node reference")
	}
	if pinned && !version.IsValid(ver) {
		return Identity{}, fmt.Errorf("node reference %q has invalid version pin %q", ref, ver)
	}
	return Identity{Name: name, Version: ver}, nil
}
