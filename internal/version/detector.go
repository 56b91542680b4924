// Package version resolves the release identifier reported by the CLI.
package version

import (
	"runtime/debug"
	"strings"
)

const (
	unknownVersionFallbackConstant = "unknown"
	buildInfoDevelVersionValue     = "devel"
)

// BuildInfoProvider exposes runtime build metadata.
type BuildInfoProvider interface {
	Read() (*debug.BuildInfo, bool)
}

type runtimeBuildInfoProvider struct{}

func (runtimeBuildInfoProvider) Read() (*debug.BuildInfo, bool) {
	return debug.ReadBuildInfo()
}

// Dependencies describes the collaborators required for version detection.
type Dependencies struct {
	BuildInfoProvider BuildInfoProvider
}

// Detect resolves the application version from embedded build metadata,
// falling back to "unknown" for development builds.
func Detect(dependencies Dependencies) string {
	provider := dependencies.BuildInfoProvider
	if provider == nil {
		provider = runtimeBuildInfoProvider{}
	}

	buildInfo, available := provider.Read()
	if !available || buildInfo == nil {
		return unknownVersionFallbackConstant
	}

	moduleVersion := strings.TrimSpace(buildInfo.Main.Version)
	if len(moduleVersion) == 0 || moduleVersion == buildInfoDevelVersionValue || moduleVersion == "(devel)" {
		return unknownVersionFallbackConstant
	}
	return moduleVersion
}
