// Package lint builds the configuration and DAG source lint commands.
package lint

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/confcheck"
	flagutils "github.com/ianbuss/airflow/internal/utils/flags"
	rootutils "github.com/ianbuss/airflow/internal/utils/roots"
)

const (
	configNamespaceUseConstant         = "config"
	configNamespaceShortConstant       = "Configuration inspection commands"
	configLintUseConstant              = "lint"
	configLintShortConstant            = "Report removed settings in a configuration document"
	configLintLongConstant             = "lint reads a YAML configuration document and reports every setting the execution boundary redesign removed, with guidance for each."
	dagNamespaceUseConstant            = "dag"
	dagNamespaceShortConstant          = "DAG source inspection commands"
	dagLintUseConstant                 = "lint-imports"
	dagLintShortConstant               = "Report deprecated import paths in DAG sources"
	dagLintLongConstant                = "lint-imports scans Go DAG sources under the configured roots for import paths retired by the execution boundary redesign. With --fix, relocated paths are rewritten in place; removed packages with no new home are only reported."
	fileFlagNameConstant               = "file"
	fileFlagUsageConstant              = "Configuration document to lint."
	fixFlagNameConstant                = "fix"
	fixFlagUsageConstant               = "Rewrite relocated import paths in place."
	loggerNotConfiguredMessageConstant = "lint command logger not configured"
	fileMissingMessageConstant         = "no configuration document provided; specify --file"
	settingFindingsTemplateConstant    = "%d removed setting(s) found"
	importFindingsTemplateConstant     = "%d deprecated import(s) remain"
	cleanSettingsMessageConstant       = "no removed settings found\n"
	cleanImportsMessageConstant        = "no deprecated imports found\n"
	importFindingTemplateConstant      = "%s:%d: deprecated import %q"
	relocatedSuffixTemplateConstant    = " (replace with %q)"
	removedSuffixConstant              = " (package removed; no replacement)"
	rewrittenTemplateConstant          = "%s:%d: rewrote %q to %q\n"
)

var (
	// ErrLoggerNotConfigured indicates the logger provider was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrConfigurationFileMissing indicates config lint ran without --file.
	ErrConfigurationFileMissing = errors.New(fileMissingMessageConstant)
)

// FindingsError reports that a lint run surfaced findings, carrying the count.
type FindingsError struct {
	Count   int
	Message string
}

// Error describes the findings error.
func (findingsError FindingsError) Error() string {
	return fmt.Sprintf(findingsError.Message, findingsError.Count)
}

// Configuration captures lint settings from the application configuration.
type Configuration struct {
	Roots []string `mapstructure:"roots"`
}

// DefaultConfiguration returns baseline lint settings.
func DefaultConfiguration() Configuration {
	return Configuration{}
}

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// CommandBuilder assembles the lint command namespaces.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
}

// BuildConfigCommand constructs the config namespace with the lint subcommand.
func (builder *CommandBuilder) BuildConfigCommand() (*cobra.Command, error) {
	if builder.LoggerProvider == nil {
		return nil, ErrLoggerNotConfigured
	}

	namespaceCommand := &cobra.Command{
		Use:           configNamespaceUseConstant,
		Short:         configNamespaceShortConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	lintCommand := &cobra.Command{
		Use:           configLintUseConstant,
		Short:         configLintShortConstant,
		Long:          configLintLongConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.runConfigLint,
	}
	lintCommand.Flags().String(fileFlagNameConstant, "", fileFlagUsageConstant)
	namespaceCommand.AddCommand(lintCommand)

	return namespaceCommand, nil
}

// BuildDagCommand constructs the dag namespace with the lint-imports subcommand.
func (builder *CommandBuilder) BuildDagCommand() (*cobra.Command, error) {
	if builder.LoggerProvider == nil {
		return nil, ErrLoggerNotConfigured
	}

	namespaceCommand := &cobra.Command{
		Use:           dagNamespaceUseConstant,
		Short:         dagNamespaceShortConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	lintCommand := &cobra.Command{
		Use:           dagLintUseConstant,
		Short:         dagLintShortConstant,
		Long:          dagLintLongConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          builder.runDagLint,
	}
	lintCommand.Flags().Bool(fixFlagNameConstant, false, fixFlagUsageConstant)
	flagutils.BindRootFlags(lintCommand, flagutils.RootFlagValues{}, flagutils.RootFlagDefinition{Enabled: true})
	namespaceCommand.AddCommand(lintCommand)

	return namespaceCommand, nil
}

func (builder *CommandBuilder) runConfigLint(command *cobra.Command, _ []string) error {
	documentPath, fileFlagError := command.Flags().GetString(fileFlagNameConstant)
	if fileFlagError != nil {
		return fileFlagError
	}
	if len(documentPath) == 0 {
		return ErrConfigurationFileMissing
	}

	document, readError := os.ReadFile(documentPath)
	if readError != nil {
		return readError
	}

	findings, lintError := confcheck.LintSettings(document)
	if lintError != nil {
		return lintError
	}

	if len(findings) == 0 {
		fmt.Fprint(command.OutOrStdout(), cleanSettingsMessageConstant)
		return nil
	}

	for _, finding := range findings {
		fmt.Fprintln(command.OutOrStdout(), finding.String())
	}
	return FindingsError{Count: len(findings), Message: settingFindingsTemplateConstant}
}

func (builder *CommandBuilder) runDagLint(command *cobra.Command, arguments []string) error {
	scanRoots, rootsError := rootutils.Resolve(command, arguments, builder.configuredRoots())
	if rootsError != nil {
		return rootsError
	}

	fixRequested, fixFlagError := command.Flags().GetBool(fixFlagNameConstant)
	if fixFlagError != nil {
		return fixFlagError
	}

	if fixRequested {
		return builder.fixImports(command, scanRoots)
	}
	return builder.lintImports(command, scanRoots)
}

func (builder *CommandBuilder) lintImports(command *cobra.Command, scanRoots []string) error {
	findings, lintError := confcheck.LintImports(scanRoots)
	if lintError != nil {
		return lintError
	}

	if len(findings) == 0 {
		fmt.Fprint(command.OutOrStdout(), cleanImportsMessageConstant)
		return nil
	}

	for _, finding := range findings {
		fmt.Fprintln(command.OutOrStdout(), renderImportFinding(finding))
	}
	return FindingsError{Count: len(findings), Message: importFindingsTemplateConstant}
}

func (builder *CommandBuilder) fixImports(command *cobra.Command, scanRoots []string) error {
	findings, fixError := confcheck.FixImports(scanRoots)
	if fixError != nil {
		return fixError
	}

	remainingCount := 0
	for _, finding := range findings {
		if finding.Fixable() {
			fmt.Fprintf(command.OutOrStdout(), rewrittenTemplateConstant, finding.FilePath, finding.Line, finding.ImportPath, finding.Replacement)
			continue
		}
		fmt.Fprintln(command.OutOrStdout(), renderImportFinding(finding))
		remainingCount++
	}

	if remainingCount == 0 {
		if len(findings) == 0 {
			fmt.Fprint(command.OutOrStdout(), cleanImportsMessageConstant)
		}
		return nil
	}
	return FindingsError{Count: remainingCount, Message: importFindingsTemplateConstant}
}

func renderImportFinding(finding confcheck.ImportFinding) string {
	diagnostic := fmt.Sprintf(importFindingTemplateConstant, finding.FilePath, finding.Line, finding.ImportPath)
	if finding.Fixable() {
		return diagnostic + fmt.Sprintf(relocatedSuffixTemplateConstant, finding.Replacement)
	}
	return diagnostic + removedSuffixConstant
}

func (builder *CommandBuilder) configuredRoots() []string {
	if builder.ConfigurationProvider == nil {
		return nil
	}
	return rootutils.SanitizeConfigured(builder.ConfigurationProvider().Roots)
}
