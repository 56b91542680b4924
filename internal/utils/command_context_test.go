package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithTaskContextStoresNormalizedValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()
	enriched := accessor.WithTaskContext(base, TaskContext{DagID: "  orders ", TaskID: " extract ", RunID: " manual__1 "})

	taskContext, exists := accessor.TaskContext(enriched)
	require.True(t, exists)
	require.Equal(t, "orders", taskContext.DagID)
	require.Equal(t, "extract", taskContext.TaskID)
	require.Equal(t, "manual__1", taskContext.RunID)
}

func TestWithTaskContextSkipsEmptyValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()
	enriched := accessor.WithTaskContext(base, TaskContext{})

	_, exists := accessor.TaskContext(enriched)
	require.False(t, exists)
}

func TestWithConfigurationFilePathRoundTrip(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithConfigurationFilePath(context.Background(), "/etc/airflow/config.yaml")

	configurationFilePath, exists := accessor.ConfigurationFilePath(enriched)
	require.True(t, exists)
	require.Equal(t, "/etc/airflow/config.yaml", configurationFilePath)
}

func TestConfigurationFilePathMissing(t *testing.T) {
	accessor := NewCommandContextAccessor()
	_, exists := accessor.ConfigurationFilePath(context.Background())
	require.False(t, exists)
}

func TestWithExecutionFlagsRoundTrip(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithExecutionFlags(context.Background(), ExecutionFlags{AssumeYes: true, AssumeYesSet: true})

	flags, exists := accessor.ExecutionFlags(enriched)
	require.True(t, exists)
	require.True(t, flags.AssumeYes)
	require.True(t, flags.AssumeYesSet)
}

func TestWithLogLevelSkipsEmptyValue(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithLogLevel(context.Background(), "   ")

	_, exists := accessor.LogLevel(enriched)
	require.False(t, exists)
}

func TestWithLogLevelStoresTrimmedValue(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithLogLevel(context.Background(), " debug ")

	logLevel, exists := accessor.LogLevel(enriched)
	require.True(t, exists)
	require.Equal(t, "debug", logLevel)
}
