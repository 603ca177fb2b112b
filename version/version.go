package version

import (
	"fmt"
	"strings"
)

var (
	// Version is the main version number that is being run at the moment.
	Version = "0.3.0"

	// VersionPrerelease is a pre-release marker for the version. If this is
	// "" (empty string) then it means that it is a final release. Otherwise,
	// this is a pre-release such as "dev" (in development), "beta", "rc1",
	// etc.
	VersionPrerelease = "dev"

	// GitCommit is filled in by the compiler via ldflags.
	GitCommit string
)

// GetHumanVersion composes the parts of the version in a way that's suitable
// for displaying to humans.
func GetHumanVersion() string {
	version := Version
	if VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, VersionPrerelease)
	}
	if GitCommit != "" {
		version = fmt.Sprintf("%s (%s)", version, GitCommit)
	}
	return strings.TrimSpace(version)
}
