// Package version carries the engine binary's build version information,
// injected via ldflags at build time (grounded on codefang's
// pkg/version.Version/Commit/Date pattern).
package version

// Version is the release version, injected via ldflags at build time.
var Version = "dev"

// Commit is the git commit hash, injected via ldflags at build time.
var Commit = "none"

// Date is the build date, injected via ldflags at build time.
var Date = "unknown"
