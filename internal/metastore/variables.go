package metastore

import (
	"context"
	"database/sql"
	"errors"
)

const (
	selectVariableStatementConstant = `SELECT variable_key, variable_value FROM variable WHERE variable_key = ?`
	upsertVariableStatementConstant = `INSERT INTO variable (variable_key, variable_value) VALUES (?, ?)
		ON CONFLICT(variable_key) DO UPDATE SET variable_value = excluded.variable_value`
	deleteVariableStatementConstant = `DELETE FROM variable WHERE variable_key = ?`
	getVariableOperationName        = "variable get"
	setVariableOperationName        = "variable set"
	deleteVariableOperationName     = "variable delete"
)

// GetVariable returns the variable stored under the provided key.
func (store *Store) GetVariable(executionContext context.Context, variableKey string) (Variable, error) {
	if store == nil || store.databaseHandle == nil {
		return Variable{}, ErrStoreNotConfigured
	}

	row := store.databaseHandle.QueryRowContext(executionContext, selectVariableStatementConstant, variableKey)

	var variable Variable
	scanError := row.Scan(&variable.Key, &variable.Value)
	if errors.Is(scanError, sql.ErrNoRows) {
		return Variable{}, ErrNotFound
	}
	if scanError != nil {
		return Variable{}, store.wrapFailure(getVariableOperationName, scanError)
	}
	return variable, nil
}

// SetVariable creates or replaces a variable.
func (store *Store) SetVariable(executionContext context.Context, variable Variable) error {
	return store.inTransaction(executionContext, setVariableOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, upsertVariableStatementConstant, variable.Key, variable.Value)
		return executionError
	})
}

// DeleteVariable removes a variable; deleting an absent key fails with ErrNotFound.
func (store *Store) DeleteVariable(executionContext context.Context, variableKey string) error {
	return store.inTransaction(executionContext, deleteVariableOperationName, func(transaction *sql.Tx) error {
		result, executionError := transaction.ExecContext(executionContext, deleteVariableStatementConstant, variableKey)
		if executionError != nil {
			return executionError
		}
		affectedRows, affectedError := result.RowsAffected()
		if affectedError != nil {
			return affectedError
		}
		if affectedRows == 0 {
			return ErrNotFound
		}
		return nil
	})
}
