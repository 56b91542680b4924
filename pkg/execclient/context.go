// Package execclient is the task runtime client: the only path task execution
// processes have to shared state. It speaks the execution API wire contract
// over HTTP and holds no store credential of any kind — the injected execution
// context carries identity and a scoped bearer token, nothing more.
package execclient

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// ContractVersion is the wire contract version this client speaks.
	ContractVersion = "v1"
	// ContractVersionHeaderName carries the client's wire contract version.
	ContractVersionHeaderName = "Airflow-Execution-API-Version"
)

// Environment variable names carrying the execution context into a task process.
const (
	EnvAPIBaseURL = "AIRFLOW_EXECUTION_API_URL"
	EnvAPIToken   = "AIRFLOW_EXECUTION_API_TOKEN"
	EnvDagID      = "AIRFLOW_EXECUTION_DAG_ID"
	EnvTaskID     = "AIRFLOW_EXECUTION_TASK_ID"
	EnvRunID      = "AIRFLOW_EXECUTION_RUN_ID"
	EnvTryNumber  = "AIRFLOW_EXECUTION_TRY_NUMBER"
	EnvMapIndex   = "AIRFLOW_EXECUTION_MAP_INDEX"
)

const (
	contextVariableMissingTemplateConstant = "execution context variable %s not set"
	contextVariableInvalidTemplateConstant = "execution context variable %s is not an integer: %q"
	defaultMapIndexValueConstant           = -1
	defaultTryNumberValueConstant          = 1
)

// ErrContextIncomplete indicates the process environment lacks the injected execution context.
var ErrContextIncomplete = errors.New("execution context incomplete")

// ExecutionContext is the immutable snapshot injected into a task process at
// launch. It is created once per task attempt and discarded at process exit.
type ExecutionContext struct {
	DagID      string
	TaskID     string
	RunID      string
	TryNumber  int
	MapIndex   int
	APIBaseURL string
	Token      string
}

// EnvironmentLookup resolves one environment variable, mirroring os.LookupEnv.
type EnvironmentLookup func(name string) (string, bool)

// ContextFromEnvironment reconstructs the injected execution context from the
// process environment.
func ContextFromEnvironment(lookup EnvironmentLookup) (ExecutionContext, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	executionContext := ExecutionContext{
		TryNumber: defaultTryNumberValueConstant,
		MapIndex:  defaultMapIndexValueConstant,
	}

	requiredVariables := []struct {
		name   string
		target *string
	}{
		{name: EnvAPIBaseURL, target: &executionContext.APIBaseURL},
		{name: EnvAPIToken, target: &executionContext.Token},
		{name: EnvDagID, target: &executionContext.DagID},
		{name: EnvTaskID, target: &executionContext.TaskID},
		{name: EnvRunID, target: &executionContext.RunID},
	}
	for _, requiredVariable := range requiredVariables {
		value, exists := lookup(requiredVariable.name)
		if !exists || len(strings.TrimSpace(value)) == 0 {
			return ExecutionContext{}, fmt.Errorf("%w: %s", ErrContextIncomplete,
				fmt.Sprintf(contextVariableMissingTemplateConstant, requiredVariable.name))
		}
		*requiredVariable.target = strings.TrimSpace(value)
	}

	optionalIntegers := []struct {
		name   string
		target *int
	}{
		{name: EnvTryNumber, target: &executionContext.TryNumber},
		{name: EnvMapIndex, target: &executionContext.MapIndex},
	}
	for _, optionalInteger := range optionalIntegers {
		value, exists := lookup(optionalInteger.name)
		if !exists || len(strings.TrimSpace(value)) == 0 {
			continue
		}
		parsed, parseError := strconv.Atoi(strings.TrimSpace(value))
		if parseError != nil {
			return ExecutionContext{}, fmt.Errorf("%w: %s", ErrContextIncomplete,
				fmt.Sprintf(contextVariableInvalidTemplateConstant, optionalInteger.name, value))
		}
		*optionalInteger.target = parsed
	}

	return executionContext, nil
}

// Environ renders the execution context as environment variable assignments
// in the form the runner injects into a task process.
func (executionContext ExecutionContext) Environ() []string {
	return []string{
		EnvAPIBaseURL + "=" + executionContext.APIBaseURL,
		EnvAPIToken + "=" + executionContext.Token,
		EnvDagID + "=" + executionContext.DagID,
		EnvTaskID + "=" + executionContext.TaskID,
		EnvRunID + "=" + executionContext.RunID,
		EnvTryNumber + "=" + strconv.Itoa(executionContext.TryNumber),
		EnvMapIndex + "=" + strconv.Itoa(executionContext.MapIndex),
	}
}
