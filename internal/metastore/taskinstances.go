package metastore

import (
	"context"
	"database/sql"
	"errors"
)

const (
	upsertTaskStateStatementConstant = `INSERT INTO task_instance (dag_id, task_id, run_id, try_number, map_index, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dag_id, task_id, run_id, try_number, map_index) DO UPDATE SET
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP`
	selectTaskStateStatementConstant = `SELECT state FROM task_instance
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND try_number = ? AND map_index = ?`
	recordTaskStateOperationName = "task state record"
	getTaskStateOperationName    = "task state get"
)

// RecordTaskState upserts the execution state of a task attempt. Only the
// control plane mutates task instances; task processes observe state solely
// through their injected execution context.
func (store *Store) RecordTaskState(executionContext context.Context, identity TaskIdentity, state TaskInstanceState) error {
	if len(identity.DagID) == 0 || len(identity.TaskID) == 0 || len(identity.RunID) == 0 {
		return ErrTaskIdentityIncomplete
	}
	return store.inTransaction(executionContext, recordTaskStateOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, upsertTaskStateStatementConstant,
			identity.DagID,
			identity.TaskID,
			identity.RunID,
			identity.TryNumber,
			identity.MapIndex,
			string(state),
		)
		return executionError
	})
}

// GetTaskState returns the recorded state of a task attempt.
func (store *Store) GetTaskState(executionContext context.Context, identity TaskIdentity) (TaskInstanceState, error) {
	if store == nil || store.databaseHandle == nil {
		return "", ErrStoreNotConfigured
	}

	row := store.databaseHandle.QueryRowContext(executionContext, selectTaskStateStatementConstant,
		identity.DagID,
		identity.TaskID,
		identity.RunID,
		identity.TryNumber,
		identity.MapIndex,
	)

	var state string
	scanError := row.Scan(&state)
	if errors.Is(scanError, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if scanError != nil {
		return "", store.wrapFailure(getTaskStateOperationName, scanError)
	}
	return TaskInstanceState(state), nil
}
