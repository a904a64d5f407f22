// Package build provides build-time metadata for the genpipe binary.
package build

// These values are injected at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
