// Package version provides build version information for the application.
// It is a separate package so that the API client and the CLI can both read
// it without an import cycle.
package version

// Version is the build version string, set by main or by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.1.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"
