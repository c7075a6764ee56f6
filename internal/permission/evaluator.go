// Package permission decides whether a required capability is contained in a
// granted capability set. Capability codes are dot-delimited segments such as
// "users.edit.role"; the literal "*" grants everything.
//
// Holding a coarse code authorizes every descendant of it: a principal granted
// "users" may perform "users.edit.role" even though the descendant was never
// granted explicitly.
package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const (
	// Wildcard grants every capability.
	Wildcard = "*"
	// Separator splits a capability code into segments.
	Separator = "."
)

var (
	// ErrEmptyCode is returned when a required capability is blank.
	ErrEmptyCode = errors.New("permission: capability code required")
	// ErrMalformedCode is returned for codes with empty segments, whitespace or
	// an embedded '*'.
	ErrMalformedCode = errors.New("permission: malformed capability code")
)

// Set is an interned collection of granted capability codes.
type Set map[string]struct{}

// NewSet builds a Set from the given codes. Blank entries are ignored.
func NewSet(codes ...string) Set {
	set := make(Set, len(codes))
	for _, code := range codes {
		code = canonical(code)
		if code == "" {
			continue
		}
		set[code] = struct{}{}
	}
	return set
}

// Has reports an exact membership match.
func (s Set) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// List returns the codes in lexical order.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Validate checks that code is a well-formed capability code.
func Validate(code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	if code == Wildcard {
		return nil
	}
	if strings.HasPrefix(code, Separator) || strings.HasSuffix(code, Separator) {
		return fmt.Errorf("%w: %q", ErrMalformedCode, code)
	}
	for _, segment := range strings.Split(code, Separator) {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrMalformedCode, code)
		}
		for _, r := range segment {
			if !isSegmentRune(r) {
				return fmt.Errorf("%w: %q contains %q", ErrMalformedCode, code, r)
			}
		}
	}
	return nil
}

// HasCapability reports whether granted contains required, either through the
// wildcard, an exact grant, or a grant of one of its ancestor codes.
func HasCapability(granted Set, required string) (bool, error) {
	required = canonical(required)
	if err := Validate(required); err != nil {
		return false, err
	}
	if granted.Has(Wildcard) {
		return true, nil
	}
	if granted.Has(required) {
		return true, nil
	}
	segments := strings.Split(required, Separator)
	prefix := ""
	for _, segment := range segments[:len(segments)-1] {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + Separator + segment
		}
		if granted.Has(prefix) {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyCapability reports whether at least one of required is held.
// An empty requirement list is never satisfied.
func HasAnyCapability(granted Set, required ...string) (bool, error) {
	for _, code := range required {
		ok, err := HasCapability(granted, code)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllCapabilities reports whether every one of required is held.
// An empty requirement list is vacuously satisfied.
func HasAllCapabilities(granted Set, required ...string) (bool, error) {
	for _, code := range required {
		ok, err := HasCapability(granted, code)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Normalize canonicalises, validates and de-duplicates codes while keeping the
// order of first appearance.
func Normalize(codes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = canonical(code)
		if err := Validate(code); err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

func canonical(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// isSegmentRune admits any printable rune except whitespace and '*', which is
// only meaningful as the whole wildcard code.
func isSegmentRune(r rune) bool {
	return unicode.IsPrint(r) && !unicode.IsSpace(r) && r != '*'
}
