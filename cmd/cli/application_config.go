package cli

import (
	_ "embed"
	"strings"
	"time"

	dbcmd "github.com/ianbuss/airflow/cmd/cli/db"
	lintcmd "github.com/ianbuss/airflow/cmd/cli/lint"
	servercmd "github.com/ianbuss/airflow/cmd/cli/server"
	taskcmd "github.com/ianbuss/airflow/cmd/cli/task"
)

//go:embed config.yaml
var embeddedDefaultConfiguration []byte

// EmbeddedDefaultConfiguration returns the default configuration document and its type.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	return embeddedDefaultConfiguration, configurationTypeConstant
}

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common   ApplicationCommonConfiguration   `mapstructure:"common"`
	Database ApplicationDatabaseConfiguration `mapstructure:"database"`
	Server   ApplicationServerConfiguration   `mapstructure:"server"`
	Runner   ApplicationRunnerConfiguration   `mapstructure:"runner"`
	Lint     ApplicationLintConfiguration     `mapstructure:"lint"`
}

// ApplicationCommonConfiguration stores logging and execution defaults shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	AssumeYes bool   `mapstructure:"assume_yes"`
}

// ApplicationDatabaseConfiguration stores the metadata database location shared across commands.
type ApplicationDatabaseConfiguration struct {
	Path string `mapstructure:"path"`
}

// ApplicationServerConfiguration stores execution API server settings.
type ApplicationServerConfiguration struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// ApplicationRunnerConfiguration stores task runner settings.
type ApplicationRunnerConfiguration struct {
	APIBaseURL             string        `mapstructure:"api_base_url"`
	TerminationGracePeriod time.Duration `mapstructure:"termination_grace_period"`
}

// ApplicationLintConfiguration stores DAG source lint settings.
type ApplicationLintConfiguration struct {
	Roots []string `mapstructure:"roots"`
}

func (application *Application) databasePath() string {
	configuredPath := strings.TrimSpace(application.configuration.Database.Path)
	if len(configuredPath) == 0 {
		return dbcmd.DefaultConfiguration().DatabasePath
	}
	return configuredPath
}

func (application *Application) serverCommandConfiguration() servercmd.Configuration {
	configuration := servercmd.DefaultConfiguration()
	configuration.DatabasePath = application.databasePath()
	if listenAddress := strings.TrimSpace(application.configuration.Server.ListenAddress); len(listenAddress) > 0 {
		configuration.ListenAddress = listenAddress
	}
	return configuration
}

func (application *Application) databaseCommandConfiguration() dbcmd.Configuration {
	return dbcmd.Configuration{DatabasePath: application.databasePath()}
}

func (application *Application) taskCommandConfiguration() taskcmd.Configuration {
	configuration := taskcmd.DefaultConfiguration()
	configuration.DatabasePath = application.databasePath()
	if apiBaseURL := strings.TrimSpace(application.configuration.Runner.APIBaseURL); len(apiBaseURL) > 0 {
		configuration.APIBaseURL = apiBaseURL
	}
	if application.configuration.Runner.TerminationGracePeriod > 0 {
		configuration.TerminationGracePeriod = application.configuration.Runner.TerminationGracePeriod
	}
	return configuration
}

func (application *Application) lintCommandConfiguration() lintcmd.Configuration {
	return lintcmd.Configuration{Roots: application.configuration.Lint.Roots}
}
