// Package buildinfo holds the version string pair stamped into binaries
// at link time.
package buildinfo

// ProjectVersion and GitCommit are overridden at build time via
// `-ldflags "-X github.com/NotCoffee418/meterbridge/internal/buildinfo.ProjectVersion=..."`.
var (
	ProjectVersion = "dev"
	GitCommit      = "unknown"
)

// String returns the "<version>-<commit>" pair used in Device.Options and
// printed by --version.
func String() string {
	return ProjectVersion + "-" + GitCommit
}
