// Package effect defines the voice disguise presets and the parameter
// table that maps each preset to the settings of the processing chain.
//
// The table is static and immutable. Lookup is total over the closed set
// of names: anything outside the set resolves to the identity preset.
package effect

import (
	"fmt"
	"strings"
)

// Name identifies one voice disguise preset.
type Name string

// Supported presets.
const (
	Normal Name = "normal"
	Male   Name = "male"
	Female Name = "female"
	Child  Name = "child"
	Old    Name = "old"
)

// all keeps presets in display order.
var all = []Name{Normal, Male, Female, Child, Old}

var labels = map[Name]string{
	Normal: "Normal",
	Male:   "Male",
	Female: "Female",
	Child:  "Child",
	Old:    "Old Age",
}

// All returns every supported preset in display order.
func All() []Name {
	out := make([]Name, len(all))
	copy(out, all)
	return out
}

// Parse converts user or wire input into a Name. Matching ignores case and
// surrounding whitespace.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEffect, s)
	}
	return n, nil
}

// Valid reports whether n is one of the supported presets.
func (n Name) Valid() bool {
	_, ok := table[n]
	return ok
}

// String returns the wire form of the preset.
func (n Name) String() string {
	return string(n)
}

// Label returns the human-readable preset name.
func (n Name) Label() string {
	if l, ok := labels[n]; ok {
		return l
	}
	return string(n)
}
