package version_test

import (
	"fmt"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ianbuss/airflow/internal/version"
)

type stubBuildInfoProvider struct {
	buildInfo *debug.BuildInfo
	available bool
}

func (provider stubBuildInfoProvider) Read() (*debug.BuildInfo, bool) {
	return provider.buildInfo, provider.available
}

func TestDetect(testInstance *testing.T) {
	testCases := []struct {
		name            string
		provider        version.BuildInfoProvider
		expectedVersion string
	}{
		{
			name: "released_module_version",
			provider: stubBuildInfoProvider{
				buildInfo: &debug.BuildInfo{Main: debug.Module{Version: "v1.4.2"}},
				available: true,
			},
			expectedVersion: "v1.4.2",
		},
		{
			name: "development_build_falls_back",
			provider: stubBuildInfoProvider{
				buildInfo: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
				available: true,
			},
			expectedVersion: "unknown",
		},
		{
			name:            "missing_build_info_falls_back",
			provider:        stubBuildInfoProvider{},
			expectedVersion: "unknown",
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			resolvedVersion := version.Detect(version.Dependencies{BuildInfoProvider: testCase.provider})
			require.Equal(testInstance, testCase.expectedVersion, resolvedVersion)
		})
	}
}
