// Package metastore is the metadata store adapter: the only component holding
// a database connection. It is owned by the control plane and exposes
// CRUD-level operations to the execution API server; task execution processes
// never link against it.
package metastore

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	sqliteDriverNameConstant        = "sqlite3"
	journalModePragmaConstant       = "PRAGMA journal_mode=WAL;"
	busyTimeoutPragmaConstant       = "PRAGMA busy_timeout=5000;"
	foreignKeysPragmaConstant       = "PRAGMA foreign_keys=ON;"
	operationFieldNameConstant      = "operation"
	storeOpenedMessageConstant      = "metadata store opened"
	storeFailureMessageConstant     = "metadata store operation failed"
	databasePathFieldNameConstant   = "database_path"
	transactionBeginOperationName   = "transaction begin"
	transactionCommitOperationName  = "transaction commit"
	schemaInitializeOperationName   = "schema initialize"
)

// ArchiveTableName is the single, consistent identifier of the archive relation.
const ArchiveTableName = "xcom_archive"

const schemaStatementConstant = `
CREATE TABLE IF NOT EXISTS variable (
	variable_key   TEXT PRIMARY KEY,
	variable_value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS connection (
	connection_id   TEXT PRIMARY KEY,
	connection_type TEXT NOT NULL,
	host            TEXT NOT NULL DEFAULT '',
	port            INTEGER NOT NULL DEFAULT 0,
	login           TEXT NOT NULL DEFAULT '',
	password        TEXT NOT NULL DEFAULT '',
	schema_name     TEXT NOT NULL DEFAULT '',
	extra           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS xcom (
	dag_id     TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	map_index  INTEGER NOT NULL DEFAULT -1,
	xcom_key   TEXT NOT NULL,
	xcom_value BLOB NOT NULL,
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (dag_id, task_id, run_id, map_index, xcom_key)
);
CREATE TABLE IF NOT EXISTS xcom_archive (
	dag_id      TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	map_index   INTEGER NOT NULL DEFAULT -1,
	xcom_key    TEXT NOT NULL,
	payload     BLOB NOT NULL,
	archived    INTEGER NOT NULL DEFAULT 1,
	archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (dag_id, task_id, run_id, map_index, xcom_key)
);
CREATE TABLE IF NOT EXISTS task_instance (
	dag_id     TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	try_number INTEGER NOT NULL DEFAULT 1,
	map_index  INTEGER NOT NULL DEFAULT -1,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (dag_id, task_id, run_id, try_number, map_index)
);
CREATE TABLE IF NOT EXISTS execution_token (
	token_id         TEXT PRIMARY KEY,
	dag_id           TEXT NOT NULL,
	task_id          TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	try_number       INTEGER NOT NULL DEFAULT 1,
	map_index        INTEGER NOT NULL DEFAULT -1,
	variable_scope   TEXT NOT NULL DEFAULT '[]',
	connection_scope TEXT NOT NULL DEFAULT '[]',
	issued_at        TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	revoked          INTEGER NOT NULL DEFAULT 0
);
`

// Options configures store construction.
type Options struct {
	DatabasePath string
	Logger       *zap.Logger
}

// Store owns the database connection pool and mediates every persistent
// mutation behind per-request transactions.
type Store struct {
	databaseHandle *sql.DB
	logger         *zap.Logger
}

// Open initializes the database handle, applies pragmas, and ensures the schema.
func Open(executionContext context.Context, options Options) (*Store, error) {
	if len(options.DatabasePath) == 0 {
		return nil, ErrDatabasePathMissing
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	databaseHandle, openError := sql.Open(sqliteDriverNameConstant, options.DatabasePath)
	if openError != nil {
		return nil, StoreError{Operation: "open", Cause: openError}
	}

	for _, pragmaStatement := range []string{journalModePragmaConstant, busyTimeoutPragmaConstant, foreignKeysPragmaConstant} {
		if _, pragmaError := databaseHandle.ExecContext(executionContext, pragmaStatement); pragmaError != nil {
			_ = databaseHandle.Close()
			return nil, StoreError{Operation: "pragma", Cause: pragmaError}
		}
	}

	store := &Store{databaseHandle: databaseHandle, logger: logger}
	if schemaError := store.initializeSchema(executionContext); schemaError != nil {
		_ = databaseHandle.Close()
		return nil, schemaError
	}

	logger.Info(storeOpenedMessageConstant, zap.String(databasePathFieldNameConstant, options.DatabasePath))
	return store, nil
}

// Close releases the database handle.
func (store *Store) Close() error {
	if store == nil || store.databaseHandle == nil {
		return nil
	}
	return store.databaseHandle.Close()
}

func (store *Store) initializeSchema(executionContext context.Context) error {
	if _, schemaError := store.databaseHandle.ExecContext(executionContext, schemaStatementConstant); schemaError != nil {
		return store.wrapFailure(schemaInitializeOperationName, schemaError)
	}
	return nil
}

// inTransaction runs a mutation inside a transaction scoped to one request.
// Any failure rolls the transaction back entirely before the error surfaces.
func (store *Store) inTransaction(executionContext context.Context, operationName string, mutate func(*sql.Tx) error) error {
	if store == nil || store.databaseHandle == nil {
		return ErrStoreNotConfigured
	}

	transaction, beginError := store.databaseHandle.BeginTx(executionContext, nil)
	if beginError != nil {
		return store.wrapFailure(transactionBeginOperationName, beginError)
	}

	if mutationError := mutate(transaction); mutationError != nil {
		_ = transaction.Rollback()
		if isBoundaryError(mutationError) {
			return mutationError
		}
		return store.wrapFailure(operationName, mutationError)
	}

	if commitError := transaction.Commit(); commitError != nil {
		return store.wrapFailure(transactionCommitOperationName, commitError)
	}
	return nil
}

func (store *Store) wrapFailure(operationName string, cause error) error {
	store.logger.Error(storeFailureMessageConstant,
		zap.String(operationFieldNameConstant, operationName),
		zap.Error(cause),
	)
	return StoreError{Operation: operationName, Cause: cause}
}

// isBoundaryError reports whether the error already belongs to the boundary
// taxonomy and must not be re-wrapped as a store failure.
func isBoundaryError(candidate error) bool {
	if errors.Is(candidate, ErrNotFound) || errors.Is(candidate, ErrPayloadNotJSON) || errors.Is(candidate, ErrArchiveTableMissing) {
		return true
	}
	var unknownTableError UnknownArchiveTableError
	return errors.As(candidate, &unknownTableError)
}
