package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Set via -ldflags at build time; a .version file next to the binary
// overrides the compiled-in default.
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the bare version string, consulting the .version
// file on first use when the build left the default in place.
func GetVersion() string {
	if Version == "dev" {
		if v := versionFromFile(); v != "" {
			Version = v
		}
	}
	return Version
}

// GetFullVersion returns the version with build metadata, suitable for
// the banner and crash reports.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", GetVersion(), Build, GitCommit)
}

func versionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
