// Package envutil reads typed values out of environment variables with a
// documented default, so feature-flag and knob checks share one parsing
// rule instead of ad hoc comparisons at every call site.
package envutil

import (
	"os"
	"strconv"
	"strings"
)

// Bool reports whether the named environment variable is set to a
// truthy value ("1", "true", "yes", "on", case-insensitive). Falsy values
// ("0", "false", "no", "off") yield false; def is returned when the
// variable is unset or holds anything else.
func Bool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// String returns the named environment variable, or def if unset.
func String(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// Int returns the named environment variable parsed as an int, or def if
// unset or unparsable.
func Int(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
