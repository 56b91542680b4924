// Package task builds the task execution commands.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
	"github.com/ianbuss/airflow/internal/runner"
)

const (
	namespaceUseConstant               = "task"
	namespaceShortDescriptionConstant  = "Task execution commands"
	runCommandUseConstant              = "run"
	runShortDescriptionConstant        = "Run a task attempt as a local OS process"
	runLongDescriptionConstant         = "run launches the task command as a child process, injects the execution API coordinates and a scoped access token, and records the attempt's terminal state. Place the task command after a -- separator."
	dagFlagNameConstant                = "dag"
	dagFlagUsageConstant               = "DAG identifier of the task attempt."
	runIDFlagNameConstant              = "run"
	runIDFlagUsageConstant             = "Run identifier of the task attempt."
	taskFlagNameConstant               = "task"
	taskFlagUsageConstant              = "Task identifier of the task attempt."
	tryNumberFlagNameConstant          = "try-number"
	tryNumberFlagUsageConstant         = "Attempt number of the task instance."
	mapIndexFlagNameConstant           = "map-index"
	mapIndexFlagUsageConstant          = "Mapped task index, or -1 for unmapped tasks."
	loggerNotConfiguredMessageConstant = "task command logger not configured"
	identityIncompleteMessageConstant  = "task identity incomplete; provide --dag, --run, and --task"
	commandMissingMessageConstant      = "no task command provided; place it after --"
	taskStateTemplateConstant          = "task finished with state %s (exit code %d)\n"
	taskLaunchingMessageConstant       = "launching task process"
	dagFieldNameConstant               = "dag_id"
	runFieldNameConstant               = "run_id"
	taskFieldNameConstant              = "task_id"
	defaultTryNumberConstant           = 1
	unmappedIndexConstant              = -1
)

var (
	// ErrLoggerNotConfigured indicates the logger provider was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrTaskIdentityIncomplete indicates required identity flags were missing.
	ErrTaskIdentityIncomplete = errors.New(identityIncompleteMessageConstant)
	// ErrTaskCommandMissing indicates no command followed the -- separator.
	ErrTaskCommandMissing = errors.New(commandMissingMessageConstant)
)

// Configuration captures task runner settings from the application configuration.
type Configuration struct {
	DatabasePath           string        `mapstructure:"database_path"`
	APIBaseURL             string        `mapstructure:"api_base_url"`
	TerminationGracePeriod time.Duration `mapstructure:"termination_grace_period"`
}

// DefaultConfiguration returns baseline task runner settings.
func DefaultConfiguration() Configuration {
	return Configuration{
		DatabasePath:           "airflow.db",
		APIBaseURL:             "http://127.0.0.1:8974",
		TerminationGracePeriod: 30 * time.Second,
	}
}

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// CommandBuilder assembles the task command namespace.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
}

// Build constructs the task namespace with the run subcommand.
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

	runCommand := &cobra.Command{
		Use:           runCommandUseConstant,
		Short:         runShortDescriptionConstant,
		Long:          runLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          builder.runTask,
	}
	runCommand.Flags().String(dagFlagNameConstant, "", dagFlagUsageConstant)
	runCommand.Flags().String(runIDFlagNameConstant, "", runIDFlagUsageConstant)
	runCommand.Flags().String(taskFlagNameConstant, "", taskFlagUsageConstant)
	runCommand.Flags().Int(tryNumberFlagNameConstant, defaultTryNumberConstant, tryNumberFlagUsageConstant)
	runCommand.Flags().Int(mapIndexFlagNameConstant, unmappedIndexConstant, mapIndexFlagUsageConstant)
	namespaceCommand.AddCommand(runCommand)

	return namespaceCommand, nil
}

func (builder *CommandBuilder) runTask(command *cobra.Command, arguments []string) error {
	identity, identityError := resolveIdentity(command)
	if identityError != nil {
		return identityError
	}

	taskCommand := resolveTaskCommand(command, arguments)
	if len(taskCommand) == 0 {
		return ErrTaskCommandMissing
	}

	configuration := builder.resolveConfiguration()
	logger := builder.LoggerProvider()

	store, openError := metastore.Open(command.Context(), metastore.Options{
		DatabasePath: configuration.DatabasePath,
		Logger:       logger,
	})
	if openError != nil {
		return openError
	}
	defer func() {
		_ = store.Close()
	}()

	taskRunner, runnerError := runner.NewRunner(logger, store, store, runner.Options{
		APIBaseURL:             configuration.APIBaseURL,
		TerminationGracePeriod: configuration.TerminationGracePeriod,
	})
	if runnerError != nil {
		return runnerError
	}

	logger.Info(taskLaunchingMessageConstant,
		zap.String(dagFieldNameConstant, identity.DagID),
		zap.String(runFieldNameConstant, identity.RunID),
		zap.String(taskFieldNameConstant, identity.TaskID),
	)

	result, runError := taskRunner.Run(command.Context(), runner.TaskSpec{
		Identity: identity,
		Command:  taskCommand,
	})
	if runError != nil {
		return runError
	}

	fmt.Fprintf(command.OutOrStdout(), taskStateTemplateConstant, result.State, result.ExitCode)
	return nil
}

func resolveIdentity(command *cobra.Command) (metastore.TaskIdentity, error) {
	dagID, _ := command.Flags().GetString(dagFlagNameConstant)
	runID, _ := command.Flags().GetString(runIDFlagNameConstant)
	taskID, _ := command.Flags().GetString(taskFlagNameConstant)
	tryNumber, _ := command.Flags().GetInt(tryNumberFlagNameConstant)
	mapIndex, _ := command.Flags().GetInt(mapIndexFlagNameConstant)

	if len(dagID) == 0 || len(runID) == 0 || len(taskID) == 0 {
		return metastore.TaskIdentity{}, ErrTaskIdentityIncomplete
	}

	return metastore.TaskIdentity{
		DagID:     dagID,
		TaskID:    taskID,
		RunID:     runID,
		TryNumber: tryNumber,
		MapIndex:  mapIndex,
	}, nil
}

func resolveTaskCommand(command *cobra.Command, arguments []string) []string {
	dashIndex := command.Flags().ArgsLenAtDash()
	if dashIndex < 0 {
		return arguments
	}
	return arguments[dashIndex:]
}

func (builder *CommandBuilder) resolveConfiguration() Configuration {
	if builder.ConfigurationProvider == nil {
		return DefaultConfiguration()
	}
	return builder.ConfigurationProvider()
}
