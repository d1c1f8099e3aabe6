// Package version reports which scadrec build is running.
//
// Release builds stamp the version, commit and build date through -ldflags.
// Binaries built with "go install" carry no stamp; for those the module
// version and VCS settings embedded by the Go toolchain are used instead.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the binary name used in banners and version strings.
const Name = "scadrec"

// Build-time values injected via -ldflags.
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info holds the build metadata for the binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`

	// Modified is set when the binary was built from a worktree with
	// uncommitted changes.
	Modified bool `json:"modified,omitempty"`
}

// GetInfo returns the current build information. Stamped values take
// precedence over the toolchain's embedded build info.
func GetInfo() Info {
	info := Info{
		Version:   version,
		GitCommit: shortCommit(gitCommit),
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	if version != "dev" {
		return info
	}

	if bi, ok := readBuildInfo(); ok {
		applyBuildInfo(&info, bi)
	}

	return info
}

func applyBuildInfo(info *Info, bi *debug.BuildInfo) {
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.GitCommit = shortCommit(s.Value)
		case "vcs.time":
			info.BuildDate = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// String returns a human-readable single-line version string.
func (i Info) String() string {
	commit := i.GitCommit
	if i.Modified {
		commit += "-dirty"
	}

	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s)",
		Name, i.Version, commit, i.BuildDate, i.GoVersion, i.Platform)
}

// Short returns the binary name and version, e.g. "scadrec v1.2.0".
func (i Info) Short() string {
	return Name + " " + i.Version
}

// JSON returns the version info as indented JSON.
func (i Info) JSON() (string, error) {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling version info: %w", err)
	}

	return string(data), nil
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}

	return commit
}
