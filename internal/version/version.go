// Package version holds build information, set with -ldflags at release time:
//
//	go build -ldflags "-X github.com/paneflow/paneflow/internal/version.Version=v0.2.0"
package version

// Version is the build version string. Format: vX.Y.Z or vX.Y.Z-dev.
var Version = "v0.1.0-dev"

// BuildTime is the build timestamp.
var BuildTime = "unknown"

// String returns "Version (BuildTime)".
func String() string {
	return Version + " (" + BuildTime + ")"
}
