// Package runner launches task attempts as local OS processes. It is the
// single launch strategy: issue a scoped token, inject the execution context
// through the environment, supervise the process, and always revoke the token
// when the attempt ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
	"github.com/ianbuss/airflow/pkg/execclient"
)

const (
	loggerNotConfiguredMessageConstant     = "task runner logger not configured"
	authorityNotConfiguredMessageConstant  = "task runner token authority not configured"
	recorderNotConfiguredMessageConstant   = "task runner state recorder not configured"
	commandMissingMessageConstant          = "task command not provided"
	apiBaseURLMissingMessageConstant       = "execution api base url not configured"
	taskStartMessageConstant               = "task process starting"
	taskSuccessMessageConstant             = "task process completed"
	taskFailureMessageConstant             = "task process returned non-zero status"
	taskShutdownMessageConstant            = "task process shut down"
	taskLaunchFailureMessageConstant       = "task process failed to launch"
	tokenRevocationFailureMessageConstant  = "execution token revocation failed"
	stateRecordingFailureMessageConstant   = "task state recording failed"
	terminationSignalSentMessageConstant   = "termination signal sent"
	gracePeriodExpiredMessageConstant      = "grace period expired; killing task process"
	dagFieldNameConstant                   = "dag_id"
	taskFieldNameConstant                  = "task_id"
	runFieldNameConstant                   = "run_id"
	tryNumberFieldNameConstant             = "try_number"
	exitCodeFieldNameConstant              = "exit_code"
	commandFieldNameConstant               = "command"
	tokenFieldNameConstant                 = "token_id"
	defaultTerminationGracePeriodConstant  = 30 * time.Second
	defaultTokenTimeToLiveConstant         = 24 * time.Hour
	launchErrorMessageTemplateConstant     = "task process launch failed"
	taskFailedErrorMessageTemplateConstant = "task exited with code %d"
)

var (
	// ErrLoggerNotConfigured indicates the logger dependency was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrTokenAuthorityNotConfigured indicates the token authority dependency was missing.
	ErrTokenAuthorityNotConfigured = errors.New(authorityNotConfiguredMessageConstant)
	// ErrStateRecorderNotConfigured indicates the state recorder dependency was missing.
	ErrStateRecorderNotConfigured = errors.New(recorderNotConfiguredMessageConstant)
	// ErrCommandMissing indicates the task specification carried no command.
	ErrCommandMissing = errors.New(commandMissingMessageConstant)
	// ErrAPIBaseURLMissing indicates the runner has no execution API endpoint to inject.
	ErrAPIBaseURLMissing = errors.New(apiBaseURLMissingMessageConstant)
)

// TokenAuthority issues and revokes scoped execution tokens.
type TokenAuthority interface {
	IssueToken(executionContext context.Context, specification metastore.TokenSpec) (metastore.ExecutionToken, error)
	RevokeToken(executionContext context.Context, tokenID string) error
}

// StateRecorder persists task attempt state transitions.
type StateRecorder interface {
	RecordTaskState(executionContext context.Context, identity metastore.TaskIdentity, state metastore.TaskInstanceState) error
}

// TaskSpec describes one task attempt to launch.
type TaskSpec struct {
	Identity         metastore.TaskIdentity
	Command          []string
	WorkingDirectory string
	Environment      map[string]string
	VariableScope    []string
	ConnectionScope  []string
}

// TaskResult captures the observable outcome of a finished attempt.
type TaskResult struct {
	State    metastore.TaskInstanceState
	ExitCode int
}

// Options tunes runner behavior; zero values select defaults.
type Options struct {
	APIBaseURL             string
	TerminationGracePeriod time.Duration
	TokenTimeToLive        time.Duration
}

// Runner supervises task attempt processes.
type Runner struct {
	logger         *zap.Logger
	tokenAuthority TokenAuthority
	stateRecorder  StateRecorder
	options        Options
}

// LaunchError wraps failures that prevented the task process from starting.
type LaunchError struct {
	Spec  TaskSpec
	Cause error
}

// Error describes the launch failure.
func (launchError LaunchError) Error() string {
	return launchErrorMessageTemplateConstant
}

// Unwrap exposes the underlying failure.
func (launchError LaunchError) Unwrap() error {
	return launchError.Cause
}

// TaskFailedError reports a task process that exited with a non-zero code.
type TaskFailedError struct {
	Spec     TaskSpec
	ExitCode int
}

// Error describes the failure in a readable format.
func (taskError TaskFailedError) Error() string {
	return fmt.Sprintf(taskFailedErrorMessageTemplateConstant, taskError.ExitCode)
}

// NewRunner builds a runner over the provided token authority and recorder.
func NewRunner(logger *zap.Logger, tokenAuthority TokenAuthority, stateRecorder StateRecorder, options Options) (*Runner, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if tokenAuthority == nil {
		return nil, ErrTokenAuthorityNotConfigured
	}
	if stateRecorder == nil {
		return nil, ErrStateRecorderNotConfigured
	}
	if len(options.APIBaseURL) == 0 {
		return nil, ErrAPIBaseURLMissing
	}
	if options.TerminationGracePeriod <= 0 {
		options.TerminationGracePeriod = defaultTerminationGracePeriodConstant
	}
	if options.TokenTimeToLive <= 0 {
		options.TokenTimeToLive = defaultTokenTimeToLiveConstant
	}
	return &Runner{
		logger:         logger,
		tokenAuthority: tokenAuthority,
		stateRecorder:  stateRecorder,
		options:        options,
	}, nil
}

// Run launches the task process and supervises it to completion. Cancelling
// the context sends SIGTERM, waits out the grace period, then sends SIGKILL.
// The attempt's token is revoked on every exit path.
func (runner *Runner) Run(executionContext context.Context, spec TaskSpec) (TaskResult, error) {
	if len(spec.Command) == 0 {
		return TaskResult{}, ErrCommandMissing
	}

	issuedToken, issueError := runner.tokenAuthority.IssueToken(executionContext, metastore.TokenSpec{
		Identity:        spec.Identity,
		VariableScope:   spec.VariableScope,
		ConnectionScope: spec.ConnectionScope,
		TimeToLive:      runner.options.TokenTimeToLive,
	})
	if issueError != nil {
		return TaskResult{}, LaunchError{Spec: spec, Cause: issueError}
	}
	defer runner.revokeToken(issuedToken.TokenID)

	command := exec.Command(spec.Command[0], spec.Command[1:]...)
	command.Dir = spec.WorkingDirectory
	command.Env = runner.renderEnvironment(spec, issuedToken.TokenID)
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	runner.logger.Info(taskStartMessageConstant,
		zap.String(dagFieldNameConstant, spec.Identity.DagID),
		zap.String(taskFieldNameConstant, spec.Identity.TaskID),
		zap.String(runFieldNameConstant, spec.Identity.RunID),
		zap.Int(tryNumberFieldNameConstant, spec.Identity.TryNumber),
		zap.Strings(commandFieldNameConstant, spec.Command),
	)

	if startError := command.Start(); startError != nil {
		runner.logger.Error(taskLaunchFailureMessageConstant,
			zap.String(taskFieldNameConstant, spec.Identity.TaskID),
			zap.Error(startError),
		)
		runner.recordState(spec.Identity, metastore.TaskStateFailed)
		return TaskResult{State: metastore.TaskStateFailed}, LaunchError{Spec: spec, Cause: startError}
	}
	runner.recordState(spec.Identity, metastore.TaskStateRunning)

	waitChannel := make(chan error, 1)
	go func() {
		waitChannel <- command.Wait()
	}()

	terminated := false
	var waitError error
	select {
	case waitError = <-waitChannel:
	case <-executionContext.Done():
		terminated = true
		waitError = runner.terminate(command, waitChannel, spec)
	}

	result := resultFromWait(waitError, terminated)
	runner.recordState(spec.Identity, result.State)

	switch result.State {
	case metastore.TaskStateSuccess:
		runner.logger.Info(taskSuccessMessageConstant,
			zap.String(taskFieldNameConstant, spec.Identity.TaskID),
			zap.Int(exitCodeFieldNameConstant, result.ExitCode),
		)
		return result, nil
	case metastore.TaskStateShutdown:
		runner.logger.Warn(taskShutdownMessageConstant,
			zap.String(taskFieldNameConstant, spec.Identity.TaskID),
		)
		return result, nil
	default:
		runner.logger.Warn(taskFailureMessageConstant,
			zap.String(taskFieldNameConstant, spec.Identity.TaskID),
			zap.Int(exitCodeFieldNameConstant, result.ExitCode),
		)
		return result, TaskFailedError{Spec: spec, ExitCode: result.ExitCode}
	}
}

// terminate escalates from SIGTERM to SIGKILL after the grace period.
func (runner *Runner) terminate(command *exec.Cmd, waitChannel chan error, spec TaskSpec) error {
	_ = command.Process.Signal(syscall.SIGTERM)
	runner.logger.Info(terminationSignalSentMessageConstant,
		zap.String(taskFieldNameConstant, spec.Identity.TaskID),
	)

	graceTimer := time.NewTimer(runner.options.TerminationGracePeriod)
	defer graceTimer.Stop()

	select {
	case waitError := <-waitChannel:
		return waitError
	case <-graceTimer.C:
		runner.logger.Warn(gracePeriodExpiredMessageConstant,
			zap.String(taskFieldNameConstant, spec.Identity.TaskID),
		)
		_ = command.Process.Kill()
		return <-waitChannel
	}
}

func (runner *Runner) renderEnvironment(spec TaskSpec, tokenID string) []string {
	environment := os.Environ()
	for name, value := range spec.Environment {
		environment = append(environment, name+"="+value)
	}
	injectedContext := execclient.ExecutionContext{
		DagID:      spec.Identity.DagID,
		TaskID:     spec.Identity.TaskID,
		RunID:      spec.Identity.RunID,
		TryNumber:  spec.Identity.TryNumber,
		MapIndex:   spec.Identity.MapIndex,
		APIBaseURL: runner.options.APIBaseURL,
		Token:      tokenID,
	}
	return append(environment, injectedContext.Environ()...)
}

func (runner *Runner) revokeToken(tokenID string) {
	revocationContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if revocationError := runner.tokenAuthority.RevokeToken(revocationContext, tokenID); revocationError != nil {
		runner.logger.Warn(tokenRevocationFailureMessageConstant,
			zap.String(tokenFieldNameConstant, tokenID),
			zap.Error(revocationError),
		)
	}
}

func (runner *Runner) recordState(identity metastore.TaskIdentity, state metastore.TaskInstanceState) {
	recordingContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recordingError := runner.stateRecorder.RecordTaskState(recordingContext, identity, state); recordingError != nil {
		runner.logger.Warn(stateRecordingFailureMessageConstant,
			zap.String(taskFieldNameConstant, identity.TaskID),
			zap.Error(recordingError),
		)
	}
}

func resultFromWait(waitError error, terminated bool) TaskResult {
	if waitError == nil {
		return TaskResult{State: metastore.TaskStateSuccess, ExitCode: 0}
	}

	var exitError *exec.ExitError
	if errors.As(waitError, &exitError) {
		if terminated || signalled(exitError) {
			return TaskResult{State: metastore.TaskStateShutdown, ExitCode: exitError.ExitCode()}
		}
		return TaskResult{State: metastore.TaskStateFailed, ExitCode: exitError.ExitCode()}
	}
	return TaskResult{State: metastore.TaskStateFailed, ExitCode: -1}
}

func signalled(exitError *exec.ExitError) bool {
	status, ok := exitError.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
