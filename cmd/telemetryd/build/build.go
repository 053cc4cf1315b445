// Package build exposes version metadata stamped in at link time via
// -ldflags, the same way grafana-tempo's cmd/tempo/build package wraps
// prometheus/common/version.
package build

import "github.com/prometheus/common/version"

// Info is the version metadata reported by the --version flag.
type Info struct {
	Version   string
	Revision  string
	Branch    string
	BuildUser string
	BuildDate string
	GoVersion string
}

// GetVersion returns the metadata prometheus/common/version was linked
// with, falling back to its zero values in dev builds.
func GetVersion() Info {
	return Info{
		Version:   version.Version,
		Revision:  version.Revision,
		Branch:    version.Branch,
		BuildUser: version.BuildUser,
		BuildDate: version.BuildDate,
		GoVersion: version.GoVersion,
	}
}
