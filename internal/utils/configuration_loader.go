package utils

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	environmentKeySeparatorConstant      = "."
	environmentVariableSeparatorConstant = "_"
	environmentListSeparatorConstant     = ","
	embeddedConfigurationErrorTemplate   = "embedded configuration unreadable: %w"
)

// ConfigurationMetadata reports where the effective configuration came from.
type ConfigurationMetadata struct {
	ConfigFileUsed string
}

// ConfigurationLoader layers configuration sources: defaults, embedded
// content, a discovered or explicit file, then environment variables.
type ConfigurationLoader struct {
	configurationName string
	configurationType string
	environmentPrefix string
	searchPaths       []string
	embeddedContent   []byte
	embeddedType      string
}

// NewConfigurationLoader constructs a loader for the given configuration
// identity, environment prefix, and ordered search paths.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       searchPaths,
	}
}

// SetEmbeddedConfiguration registers baseline configuration content merged
// beneath any discovered configuration file.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(content []byte, contentType string) {
	loader.embeddedContent = content
	loader.embeddedType = contentType
}

// LoadConfiguration resolves the layered configuration into target. An
// explicit file path bypasses the search paths; an empty path searches them
// in order and tolerates absence.
func (loader *ConfigurationLoader) LoadConfiguration(explicitFilePath string, defaultValues map[string]any, target any) (ConfigurationMetadata, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigName(loader.configurationName)
	viperInstance.SetConfigType(loader.configurationType)

	for key, value := range defaultValues {
		viperInstance.SetDefault(key, value)
	}

	if len(loader.embeddedContent) > 0 {
		viperInstance.SetConfigType(loader.embeddedType)
		if readError := viperInstance.ReadConfig(bytes.NewReader(loader.embeddedContent)); readError != nil {
			return ConfigurationMetadata{}, fmt.Errorf(embeddedConfigurationErrorTemplate, readError)
		}
		viperInstance.SetConfigType(loader.configurationType)
	}

	metadata := ConfigurationMetadata{}
	if len(explicitFilePath) > 0 {
		viperInstance.SetConfigFile(explicitFilePath)
		if mergeError := viperInstance.MergeInConfig(); mergeError != nil {
			return ConfigurationMetadata{}, mergeError
		}
		metadata.ConfigFileUsed = viperInstance.ConfigFileUsed()
	} else {
		for _, searchPath := range loader.searchPaths {
			viperInstance.AddConfigPath(searchPath)
		}
		mergeError := viperInstance.MergeInConfig()
		if mergeError != nil {
			var notFoundError viper.ConfigFileNotFoundError
			if !errors.As(mergeError, &notFoundError) {
				return ConfigurationMetadata{}, mergeError
			}
		} else {
			metadata.ConfigFileUsed = viperInstance.ConfigFileUsed()
		}
	}

	viperInstance.SetEnvPrefix(loader.environmentPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(environmentKeySeparatorConstant, environmentVariableSeparatorConstant))
	viperInstance.AutomaticEnv()

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(environmentListSeparatorConstant),
	))
	if decodeError := viperInstance.Unmarshal(target, decodeHook); decodeError != nil {
		return ConfigurationMetadata{}, decodeError
	}
	return metadata, nil
}
