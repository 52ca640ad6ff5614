// Package util holds small helpers for control-command arguments.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedArg is returned for an argument that is not key=value.
var ErrMalformedArg = errors.New("malformed argument")

// TrimQuotes removes leading and trailing double quotes from a string.
func TrimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// FixEscapeQuotes replaces escaped double quotes ("") with single double quotes (").
func FixEscapeQuotes(s string) string {
	return strings.ReplaceAll(s, `""`, `"`)
}

// CleanArgs unquotes every argument in place and returns args.
func CleanArgs(args []string) []string {
	for i, v := range args {
		args[i] = FixEscapeQuotes(TrimQuotes(strings.TrimSpace(v)))
	}
	return args
}

// ParseStringArray splits a bracketed list of quoted strings such as
// ["5000","5000","5"]. Input without brackets is returned as one element.
func ParseStringArray(s string) []string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return []string{s}
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil
	}
	parts := strings.Split(inner, ",")
	return CleanArgs(parts)
}

// IsKeyValue reports whether every argument has the form key=value.
func IsKeyValue(args []string) bool {
	if len(args) == 0 {
		return false
	}
	for _, a := range args {
		if !strings.Contains(a, "=") {
			return false
		}
	}
	return true
}

// ParseKeyValues turns key=value arguments into a map. Values may be empty.
func ParseKeyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedArg, a)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
