// Package version compares firmware version strings of the form
// [v]major[.minor[.patch]].
package version

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version is a parsed major.minor.patch triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Parse never fails: missing or malformed components are 0.
func Parse(s string) Version {
	if s != "" && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}

	var parts [3]int
	for i, field := range strings.SplitN(s, ".", 3) {
		n, ok := leadingInt(field)
		if !ok {
			// sscanf semantics: stop at the first component that does not parse
			break
		}
		parts[i] = n
	}

	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}

// leadingInt reads the decimal digits at the start of s ("3-rc1" -> 3).
// Values too large for an int saturate at math.MaxInt.
func leadingInt(s string) (int, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	n, err := strconv.Atoi(s[:end])
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt, true
	}
	return n, err == nil
}

// Compare returns -1 when a < b, 0 when equal and 1 when a > b. An empty
// string on either side compares equal.
func Compare(a, b string) int {
	if a == "" || b == "" {
		return 0
	}

	va, vb := Parse(a), Parse(b)
	if c := cmp.Compare(va.Major, vb.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(va.Minor, vb.Minor); c != 0 {
		return c
	}
	return cmp.Compare(va.Patch, vb.Patch)
}

// IsNewer reports whether a is strictly newer than b.
func IsNewer(a, b string) bool {
	return Compare(a, b) > 0
}
