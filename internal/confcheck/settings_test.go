package confcheck_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ianbuss/airflow/internal/confcheck"
)

const (
	configurationWithRemovedSettingsConstant = `
core:
  task_runner: StandardTaskRunner
  enable_xcom_pickling: true
  parallelism: 32
database:
  sql_alchemy_conn: sqlite:///airflow.db
`
	cleanConfigurationConstant = `
core:
  parallelism: 32
database:
  sql_alchemy_conn: sqlite:///airflow.db
`
	scalarCoreSectionConstant = `
core: disabled
`
)

func TestLintSettings(testInstance *testing.T) {
	testCases := []struct {
		name             string
		document         string
		expectedFindings []string
	}{
		{
			name:             "reports_both_removed_settings",
			document:         configurationWithRemovedSettingsConstant,
			expectedFindings: []string{"task_runner", "enable_xcom_pickling"},
		},
		{
			name:             "clean_document_passes",
			document:         cleanConfigurationConstant,
			expectedFindings: nil,
		},
		{
			name:             "non_mapping_section_ignored",
			document:         scalarCoreSectionConstant,
			expectedFindings: nil,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			findings, lintError := confcheck.LintSettings([]byte(testCase.document))
			require.NoError(testInstance, lintError)

			var foundKeys []string
			for _, finding := range findings {
				require.Equal(testInstance, "core", finding.Section)
				require.NotEmpty(testInstance, finding.Guidance)
				foundKeys = append(foundKeys, finding.Key)
			}
			require.ElementsMatch(testInstance, testCase.expectedFindings, foundKeys)
		})
	}
}

func TestLintSettingsRejectsMalformedDocument(testInstance *testing.T) {
	_, lintError := confcheck.LintSettings([]byte("core: [unterminated"))
	require.Error(testInstance, lintError)
}

func TestSettingFindingRendersDiagnostic(testInstance *testing.T) {
	findings, lintError := confcheck.LintSettings([]byte("core:\n  task_runner: StandardTaskRunner\n"))
	require.NoError(testInstance, lintError)
	require.Len(testInstance, findings, 1)
	require.Contains(testInstance, findings[0].String(), "core.task_runner")
}
