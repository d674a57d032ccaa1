// Package version holds the build version, overridden at link time.
package version

// Version is set via -ldflags "-X vidbridge/internal/version.Version=...".
var Version = "0.3.0"
