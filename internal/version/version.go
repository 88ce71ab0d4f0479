package version

import "strings"

// version is stamped at build time via -ldflags "-X ...version.version=".
var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// Display returns a display-friendly version: normal versions get a "v"
// prefix, special values like "dev" pass through unchanged.
func Display() string {
	v := version
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
