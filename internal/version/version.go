// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package version provides build version information for wiresmith.
// The version is set at build time via ldflags.
package version

import "fmt"

var (
	// Version is the current version of wiresmith (set by ldflags).
	Version = "dev"

	// Commit is the git commit hash (set by ldflags).
	Commit = "unknown"

	// BuildTime is the build timestamp (set by ldflags).
	BuildTime = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("wiresmith %s (commit: %s, built: %s)", Version, Commit, BuildTime)
}
