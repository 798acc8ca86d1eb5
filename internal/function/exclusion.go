package function

import (
	"slices"
	"strings"
)

// ExclusionSet is the set of exclusion groups already used on the current
// resolution path. It is immutable; With returns an extended copy, so a set
// can be shared by every frame below the point it was created.
type ExclusionSet struct {
	groups []string // sorted
}

// Contains reports whether group is on the path. The empty group is never
// excluded.
func (s ExclusionSet) Contains(group string) bool {
	if group == "" {
		return false
	}
	_, found := slices.BinarySearch(s.groups, group)
	return found
}

// With returns the set extended by group.
func (s ExclusionSet) With(group string) ExclusionSet {
	if group == "" || s.Contains(group) {
		return s
	}
	groups := make([]string, 0, len(s.groups)+1)
	groups = append(groups, s.groups...)
	groups = append(groups, group)
	slices.Sort(groups)
	return ExclusionSet{groups: groups}
}

// Excludes reports whether def may not be used on this path.
func (s ExclusionSet) Excludes(def Definition) bool {
	return s.Contains(def.ExclusionGroup())
}

// Key is a stable string form, usable as part of a map key.
func (s ExclusionSet) Key() string {
	return strings.Join(s.groups, ",")
}

// Len returns the number of groups.
func (s ExclusionSet) Len() int {
	return len(s.groups)
}
