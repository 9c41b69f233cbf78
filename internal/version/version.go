// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// AppName identifies this bridge to the phone app and the avatar app.
const AppName = "facebridge"

// String returns a one-line description suitable for startup logs.
func String() string {
	return fmt.Sprintf("%s %s (%s, built %s)", AppName, Version, GitSHA, BuildTime)
}
