// Package path implements the structural identifiers used throughout the
// engine: ordered sequences of validated segments used as keys into the
// Store's tree (repo names, commit hashes, PR numbers, ref names).
package path

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSegment is returned when a segment fails validation.
var ErrInvalidSegment = errors.New("invalid path segment")

// Path is an ordered, non-empty-checked sequence of segments.
type Path []string

// New validates and constructs a Path from individual segments.
func New(segments ...string) (Path, error) {
	p := make(Path, 0, len(segments))
	for _, s := range segments {
		if err := validateSegment(s); err != nil {
			return nil, err
		}
		p = append(p, s)
	}
	return p, nil
}

// Parse splits a "/"-joined string into a validated Path. An empty string
// parses to the empty Path.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	return New(strings.Split(s, "/")...)
}

func validateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidSegment)
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSegment, s)
	}
	if strings.Contains(s, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidSegment, s)
	}
	return nil
}

// String renders the Path as a "/"-joined string (its round-trip inverse is Parse).
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Join concatenates two segment sequences (a /@ b).
func (p Path) Join(other Path) Path {
	out := make(Path, 0, len(p)+len(other))
	out = append(out, p...)
	out = append(out, other...)
	return out
}

// Append validates and appends a single segment (a / s).
func (p Path) Append(segment string) (Path, error) {
	if err := validateSegment(segment); err != nil {
		return nil, err
	}
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	out = append(out, segment)
	return out, nil
}

// Equal reports whether two Paths have identical segments in the same order.
func (p Path) Equal(other Path) bool {
	return Compare(p, other) == 0
}

// Compare provides a lexicographic ordering over segment sequences, suitable
// for sorting Path-indexed collections.
func Compare(a, b Path) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Less is a convenience predicate for sort.Slice over Path-indexed collections.
func Less(a, b Path) bool {
	return Compare(a, b) < 0
}
