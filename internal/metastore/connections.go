package metastore

import (
	"context"
	"database/sql"
	"errors"
)

const (
	selectConnectionStatementConstant = `SELECT connection_id, connection_type, host, port, login, password, schema_name, extra
		FROM connection WHERE connection_id = ?`
	upsertConnectionStatementConstant = `INSERT INTO connection
		(connection_id, connection_type, host, port, login, password, schema_name, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			connection_type = excluded.connection_type,
			host = excluded.host,
			port = excluded.port,
			login = excluded.login,
			password = excluded.password,
			schema_name = excluded.schema_name,
			extra = excluded.extra`
	getConnectionOperationName = "connection get"
	setConnectionOperationName = "connection set"
)

// GetConnection returns the connection descriptor stored under the provided identifier.
func (store *Store) GetConnection(executionContext context.Context, connectionID string) (Connection, error) {
	if store == nil || store.databaseHandle == nil {
		return Connection{}, ErrStoreNotConfigured
	}

	row := store.databaseHandle.QueryRowContext(executionContext, selectConnectionStatementConstant, connectionID)

	var connection Connection
	scanError := row.Scan(
		&connection.ConnectionID,
		&connection.ConnectionType,
		&connection.Host,
		&connection.Port,
		&connection.Login,
		&connection.Password,
		&connection.SchemaName,
		&connection.Extra,
	)
	if errors.Is(scanError, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if scanError != nil {
		return Connection{}, store.wrapFailure(getConnectionOperationName, scanError)
	}
	return connection, nil
}

// SetConnection creates or replaces a connection descriptor.
func (store *Store) SetConnection(executionContext context.Context, connection Connection) error {
	return store.inTransaction(executionContext, setConnectionOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, upsertConnectionStatementConstant,
			connection.ConnectionID,
			connection.ConnectionType,
			connection.Host,
			connection.Port,
			connection.Login,
			connection.Password,
			connection.SchemaName,
			connection.Extra,
		)
		return executionError
	})
}
