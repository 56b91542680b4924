// Package server builds the api-server command hosting the execution API.
package server

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/execapi"
	"github.com/ianbuss/airflow/internal/metastore"
)

const (
	commandUseConstant                 = "api-server"
	commandShortDescriptionConstant    = "Run the task execution API server"
	commandLongDescriptionConstant     = "api-server hosts the narrow HTTP boundary task processes use for variables, connections, cross-task values, and termination."
	listenAddressFlagNameConstant      = "listen"
	listenAddressFlagUsageConstant     = "Address the execution API listens on."
	loggerNotConfiguredMessageConstant = "server command logger not configured"
	serverStartingMessageConstant      = "execution api server starting"
	listenAddressFieldNameConstant     = "listen_address"
	databasePathFieldNameConstant      = "database_path"
)

// ErrLoggerNotConfigured indicates the logger provider was missing.
var ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)

// Configuration captures api-server settings from the application configuration.
type Configuration struct {
	ListenAddress string `mapstructure:"listen_address"`
	DatabasePath  string `mapstructure:"database_path"`
}

// DefaultConfiguration returns baseline api-server settings.
func DefaultConfiguration() Configuration {
	return Configuration{
		ListenAddress: "127.0.0.1:8974",
		DatabasePath:  "airflow.db",
	}
}

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// CommandBuilder assembles the api-server Cobra command.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() Configuration
}

// Build constructs the api-server command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	if builder.LoggerProvider == nil {
		return nil, ErrLoggerNotConfigured
	}

	command := &cobra.Command{
		Use:           commandUseConstant,
		Short:         commandShortDescriptionConstant,
		Long:          commandLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.runServer,
	}
	command.Flags().String(listenAddressFlagNameConstant, "", listenAddressFlagUsageConstant)

	return command, nil
}

func (builder *CommandBuilder) runServer(command *cobra.Command, _ []string) error {
	configuration := builder.resolveConfiguration()
	if flagValue, flagError := command.Flags().GetString(listenAddressFlagNameConstant); flagError == nil && len(flagValue) > 0 {
		configuration.ListenAddress = flagValue
	}

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

	// Tokens left over from interrupted runs are dead on arrival.
	if sweepError := store.RevokeExpiredTokens(command.Context()); sweepError != nil {
		return sweepError
	}

	apiServer, serverError := execapi.NewServer(logger, store)
	if serverError != nil {
		return serverError
	}

	logger.Info(serverStartingMessageConstant,
		zap.String(listenAddressFieldNameConstant, configuration.ListenAddress),
		zap.String(databasePathFieldNameConstant, configuration.DatabasePath),
	)
	return apiServer.Serve(command.Context(), configuration.ListenAddress)
}

func (builder *CommandBuilder) resolveConfiguration() Configuration {
	if builder.ConfigurationProvider == nil {
		return DefaultConfiguration()
	}
	return builder.ConfigurationProvider()
}
