// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// AllElementsNumbers returns true if every rune in the string is a digit or a
// decimal point.  "1.5" is numbers, "25ms" is not.
func AllElementsNumbers(s string) bool {
	for _, r := range s {
		if !unicode.IsNumber(r) && r != '.' {
			return false
		}
	}
	return true
}

// Clamp limits v to the range [low, high]
func Clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// UniqueString returns the unique elements of a slice of strings, preserving order
func UniqueString(s []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(s))
	for _, str := range s {
		if _, ok := seen[str]; ok {
			continue
		}
		seen[str] = struct{}{}
		out = append(out, str)
	}
	return out
}

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}
