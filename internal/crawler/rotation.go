package crawler

import (
	"fmt"
)

// Rotation is the fixed cyclic order in which sources are drained.
type Rotation []SourceName

// NewRotation validates that names is non-empty and free of duplicates.
func NewRotation(names []SourceName) (Rotation, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("rotation requires at least one source")
	}
	seen := make(map[SourceName]struct{}, len(names))
	out := make(Rotation, 0, len(names))
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("rotation contains an empty source name")
		}
		if _, ok := seen[n]; ok {
			return nil, fmt.Errorf("source %q listed twice in rotation", n)
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// First returns the source a fresh pipeline starts with.
func (r Rotation) First() SourceName {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Contains reports whether name is part of the rotation.
func (r Rotation) Contains(name SourceName) bool {
	return r.index(name) >= 0
}

// Next is the rotation transition function. A source stays active while it
// yields records; a zero-yield moves to the following source, wrapping around.
// Unknown states recover to First.
func (r Rotation) Next(current SourceName, yieldedZero bool) SourceName {
	i := r.index(current)
	if i < 0 {
		return r.First()
	}
	if !yieldedZero {
		return current
	}
	return r[(i+1)%len(r)]
}

func (r Rotation) index(name SourceName) int {
	for i, n := range r {
		if n == name {
			return i
		}
	}
	return -1
}
