// Package version exposes the build version stamped at link time.
package version

// Version is set via -ldflags "-X github.com/omniroute/omniroute/internal/version.Version=v1.2.3".
var Version = "dev"
