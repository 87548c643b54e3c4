// Package buildinfo carries the version and commit stamped into hostd
// binaries at link time.
package buildinfo

// Version is set at link-time with –ldflags.
var Version = "v0.3.0"

// Commit is set at link-time with –ldflags.
// Default is "unknown" so tests and "go run ." still work.
var Commit = "unknown"

// UserAgent is the default User-Agent sent with DoH requests.
func UserAgent() string { return "hostd/" + Version }
