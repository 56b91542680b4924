// Package db builds the metadata database maintenance commands.
package db

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
	flagutils "github.com/ianbuss/airflow/internal/utils/flags"
)

const (
	namespaceUseConstant                  = "db"
	namespaceShortDescriptionConstant     = "Metadata database maintenance commands"
	migrateCommandUseConstant             = "migrate-archive"
	migrateShortDescriptionConstant       = "Move non-JSON cross-task values into the archive"
	migrateLongDescriptionConstant        = "migrate-archive scans live cross-task rows, moves every payload that is not valid JSON into the read-only archive, and leaves JSON rows untouched. Running it again is a no-op."
	dropCommandUseConstant                = "drop-archived"
	dropShortDescriptionConstant          = "Permanently delete archived cross-task values"
	dropLongDescriptionConstant           = "drop-archived deletes the archive relation's contents after explicit confirmation. Archived values are never dropped as a side effect of any other operation."
	tableFlagNameConstant                 = "table"
	tableFlagUsageConstant                = "Archive table to drop (must be " + metastore.ArchiveTableName + ")."
	loggerNotConfiguredMessageConstant    = "db command logger not configured"
	tableNameMissingMessageConstant       = "no table provided; specify --table " + metastore.ArchiveTableName
	confirmationWithheldMessageConstant   = "confirmation withheld; re-run with --" + flagutils.AssumeYesFlagName + " to drop archived values"
	migrateSummaryTemplateConstant        = "examined %d live rows, archived %d non-JSON rows\n"
	dropSummaryTemplateConstant           = "dropped %d archived rows from %s\n"
	migrateCompletedMessageConstant       = "archive migration completed"
	dropCompletedMessageConstant          = "archive drop completed"
	examinedRowsFieldNameConstant         = "examined_rows"
	archivedRowsFieldNameConstant         = "archived_rows"
	droppedRowsFieldNameConstant          = "dropped_rows"
	archiveTableFieldNameConstant         = "table"
)

var (
	// ErrLoggerNotConfigured indicates the logger provider was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrTableNameMissing indicates drop-archived ran without a table name.
	ErrTableNameMissing = errors.New(tableNameMissingMessageConstant)
	// ErrConfirmationWithheld indicates drop-archived ran without confirmation.
	ErrConfirmationWithheld = errors.New(confirmationWithheldMessageConstant)
)

// Configuration captures database settings from the application configuration.
type Configuration struct {
	DatabasePath string `mapstructure:"database_path"`
}

// DefaultConfiguration returns baseline database settings.
func DefaultConfiguration() Configuration {
	return Configuration{DatabasePath: "airflow.db"}
}

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// CommandBuilder assembles the db command namespace.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
}

// Build constructs the db namespace with its maintenance subcommands.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	if builder.LoggerProvider == nil {
		return nil, ErrLoggerNotConfigured
	}

	namespaceCommand := &cobra.Command{
		Use:           namespaceUseConstant,
		Short:         namespaceShortDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	migrateCommand := &cobra.Command{
		Use:           migrateCommandUseConstant,
		Short:         migrateShortDescriptionConstant,
		Long:          migrateLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.runMigrateArchive,
	}
	namespaceCommand.AddCommand(migrateCommand)

	dropCommand := &cobra.Command{
		Use:           dropCommandUseConstant,
		Short:         dropShortDescriptionConstant,
		Long:          dropLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.runDropArchived,
	}
	dropCommand.Flags().String(tableFlagNameConstant, "", tableFlagUsageConstant)
	dropCommand.Flags().BoolP(flagutils.AssumeYesFlagName, flagutils.AssumeYesFlagShorthand, false, flagutils.AssumeYesFlagUsage)
	namespaceCommand.AddCommand(dropCommand)

	return namespaceCommand, nil
}

func (builder *CommandBuilder) runMigrateArchive(command *cobra.Command, _ []string) error {
	store, logger, openError := builder.openStore(command)
	if openError != nil {
		return openError
	}
	defer func() {
		_ = store.Close()
	}()

	summary, migrationError := store.MigrateArchive(command.Context())
	if migrationError != nil {
		return migrationError
	}

	logger.Info(migrateCompletedMessageConstant,
		zap.Int(examinedRowsFieldNameConstant, summary.ExaminedRows),
		zap.Int(archivedRowsFieldNameConstant, summary.ArchivedRows),
	)
	fmt.Fprintf(command.OutOrStdout(), migrateSummaryTemplateConstant, summary.ExaminedRows, summary.ArchivedRows)
	return nil
}

func (builder *CommandBuilder) runDropArchived(command *cobra.Command, _ []string) error {
	tableName, tableFlagError := command.Flags().GetString(tableFlagNameConstant)
	if tableFlagError != nil {
		return tableFlagError
	}
	if len(tableName) == 0 {
		return ErrTableNameMissing
	}

	if !builder.confirmationGranted(command) {
		return ErrConfirmationWithheld
	}

	store, logger, openError := builder.openStore(command)
	if openError != nil {
		return openError
	}
	defer func() {
		_ = store.Close()
	}()

	droppedRows, dropError := store.DropArchive(command.Context(), tableName)
	if dropError != nil {
		return dropError
	}

	logger.Info(dropCompletedMessageConstant,
		zap.String(archiveTableFieldNameConstant, tableName),
		zap.Int(droppedRowsFieldNameConstant, droppedRows),
	)
	fmt.Fprintf(command.OutOrStdout(), dropSummaryTemplateConstant, droppedRows, tableName)
	return nil
}

func (builder *CommandBuilder) confirmationGranted(command *cobra.Command) bool {
	if assumeYesValue, assumeYesChanged, assumeYesError := flagutils.BoolFlag(command, flagutils.AssumeYesFlagName); assumeYesError == nil && assumeYesChanged {
		return assumeYesValue
	}
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available {
		return executionFlags.AssumeYes
	}
	return false
}

func (builder *CommandBuilder) openStore(command *cobra.Command) (*metastore.Store, *zap.Logger, error) {
	configuration := builder.resolveConfiguration()
	logger := builder.LoggerProvider()

	store, openError := metastore.Open(command.Context(), metastore.Options{
		DatabasePath: configuration.DatabasePath,
		Logger:       logger,
	})
	if openError != nil {
		return nil, nil, openError
	}
	return store, logger, nil
}

func (builder *CommandBuilder) resolveConfiguration() Configuration {
	if builder.ConfigurationProvider == nil {
		return DefaultConfiguration()
	}
	return builder.ConfigurationProvider()
}
