// Package roots resolves the DAG source roots a scanning command operates on.
package roots

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	flagutils "github.com/ianbuss/airflow/internal/utils/flags"
)

const (
	missingRootsErrorMessage          = "no scan roots provided; specify --roots or configure defaults"
	positionalRootsUnsupportedMessage = "scan roots must be provided using --roots"
	homeDirectoryPrefixConstant       = "~/"
)

// MissingRootsMessage returns the canonical message for absent roots.
func MissingRootsMessage() string {
	return missingRootsErrorMessage
}

// PositionalRootsUnsupportedMessage returns the canonical message for positional roots.
func PositionalRootsUnsupportedMessage() string {
	return positionalRootsUnsupportedMessage
}

// MissingRootsError returns the canonical error when no roots are supplied.
func MissingRootsError() error {
	return errors.New(missingRootsErrorMessage)
}

// PositionalRootsUnsupportedError returns the canonical error when positional roots are supplied.
func PositionalRootsUnsupportedError() error {
	return errors.New(positionalRootsUnsupportedMessage)
}

// Resolve determines the scan roots for a command, enforcing --roots usage.
func Resolve(command *cobra.Command, positional []string, configured []string) ([]string, error) {
	if len(sanitize(positional)) > 0 {
		if command != nil {
			_ = command.Help()
		}
		return nil, PositionalRootsUnsupportedError()
	}

	flagRoots, flagError := FlagValues(command)
	if flagError != nil {
		return nil, flagError
	}
	if len(flagRoots) > 0 {
		return flagRoots, nil
	}

	configuredRoots := sanitize(configured)
	if len(configuredRoots) > 0 {
		return configuredRoots, nil
	}

	if command != nil {
		_ = command.Help()
	}
	return nil, MissingRootsError()
}

// FlagValues returns sanitized root values from the command flag set.
func FlagValues(command *cobra.Command) ([]string, error) {
	if command == nil {
		return nil, nil
	}
	values, _, flagError := flagutils.StringSliceFlag(command, flagutils.DefaultRootFlagName)
	if flagError != nil {
		if errors.Is(flagError, flagutils.ErrFlagNotDefined) {
			return nil, nil
		}
		return nil, flagError
	}
	return sanitize(values), nil
}

// SanitizeConfigured normalizes configured root values.
func SanitizeConfigured(configured []string) []string {
	return sanitize(configured)
}

func sanitize(candidates []string) []string {
	var sanitized []string
	for _, candidate := range candidates {
		trimmed := strings.TrimSpace(candidate)
		if len(trimmed) == 0 {
			continue
		}
		sanitized = append(sanitized, expandHomeDirectory(trimmed))
	}
	return sanitized
}

func expandHomeDirectory(path string) string {
	if !strings.HasPrefix(path, homeDirectoryPrefixConstant) {
		return path
	}
	homeDirectory, homeError := os.UserHomeDir()
	if homeError != nil {
		return path
	}
	return filepath.Join(homeDirectory, strings.TrimPrefix(path, homeDirectoryPrefixConstant))
}
