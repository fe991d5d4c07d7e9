// SPDX-License-Identifier: MIT

package version

var (
	// Version is the current application version.
	// The build system may set it via ldflags; otherwise the literal below is used.
	Version = "v3.1.7" // Fallback when not set via ldflags

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
