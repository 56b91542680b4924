package metastore

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/xcom"
)

const (
	selectXComStatementConstant = `SELECT xcom_value FROM xcom
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND xcom_key = ?`
	selectArchivedXComStatementConstant = `SELECT payload FROM xcom_archive
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND xcom_key = ?`
	upsertXComStatementConstant = `INSERT INTO xcom (dag_id, task_id, run_id, map_index, xcom_key, xcom_value, archived)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(dag_id, task_id, run_id, map_index, xcom_key) DO UPDATE SET
			xcom_value = excluded.xcom_value,
			created_at = CURRENT_TIMESTAMP`
	selectLiveXComRowsStatementConstant = `SELECT dag_id, task_id, run_id, map_index, xcom_key, xcom_value FROM xcom WHERE archived = 0`
	insertArchiveRowStatementConstant   = `INSERT OR IGNORE INTO xcom_archive (dag_id, task_id, run_id, map_index, xcom_key, payload)
		VALUES (?, ?, ?, ?, ?, ?)`
	deleteMigratedRowStatementConstant = `DELETE FROM xcom
		WHERE dag_id = ? AND task_id = ? AND run_id = ? AND map_index = ? AND xcom_key = ?`
	countArchiveRowsStatementConstant = `SELECT COUNT(*) FROM xcom_archive`
	deleteArchiveRowsStatementConstant = `DELETE FROM xcom_archive`
	tableExistsStatementConstant       = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	pushXComOperationName              = "xcom push"
	getXComOperationName               = "xcom get"
	migrateArchiveOperationName        = "xcom archive migrate"
	dropArchiveOperationName           = "xcom archive drop"
	seedArchiveOperationName           = "xcom archive seed"
	seedLiveOperationName              = "xcom seed"
	migrationCompletedMessageConstant  = "xcom archive migration completed"
	archiveDroppedMessageConstant      = "xcom archive contents dropped"
	examinedRowsFieldNameConstant      = "examined_rows"
	archivedRowsFieldNameConstant      = "archived_rows"
	droppedRowsFieldNameConstant       = "dropped_rows"
)

// PushXCom stores a JSON exchange payload under the composite key, replacing
// any previous live value. Non-JSON payloads are rejected before the
// transaction opens; the live relation never holds serialized-object blobs.
func (store *Store) PushXCom(executionContext context.Context, key XComKey, payload []byte) error {
	if !xcom.IsJSONPayload(payload) {
		return ErrPayloadNotJSON
	}
	return store.inTransaction(executionContext, pushXComOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, upsertXComStatementConstant,
			key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Key, payload,
		)
		return executionError
	})
}

// GetXCom returns the stored payload for the composite key. The live relation
// is consulted first; absent that, the archive relation. The archived flag
// tells callers which decode path applies.
func (store *Store) GetXCom(executionContext context.Context, key XComKey) (payload []byte, archived bool, lookupError error) {
	if store == nil || store.databaseHandle == nil {
		return nil, false, ErrStoreNotConfigured
	}

	liveRow := store.databaseHandle.QueryRowContext(executionContext, selectXComStatementConstant,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Key,
	)
	liveScanError := liveRow.Scan(&payload)
	if liveScanError == nil {
		return payload, false, nil
	}
	if !errors.Is(liveScanError, sql.ErrNoRows) {
		return nil, false, store.wrapFailure(getXComOperationName, liveScanError)
	}

	archiveRow := store.databaseHandle.QueryRowContext(executionContext, selectArchivedXComStatementConstant,
		key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Key,
	)
	archiveScanError := archiveRow.Scan(&payload)
	if errors.Is(archiveScanError, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if archiveScanError != nil {
		return nil, false, store.wrapFailure(getXComOperationName, archiveScanError)
	}
	return payload, true, nil
}

// MigrateArchive moves live exchange rows whose payloads predate the JSON-only
// invariant into the archive relation. The operation is idempotent: a second
// run finds no remaining legacy rows and alters nothing. Rows satisfying the
// invariant are never touched, and nothing is deleted from the archive.
func (store *Store) MigrateArchive(executionContext context.Context) (MigrationSummary, error) {
	var summary MigrationSummary

	migrationError := store.inTransaction(executionContext, migrateArchiveOperationName, func(transaction *sql.Tx) error {
		rows, queryError := transaction.QueryContext(executionContext, selectLiveXComRowsStatementConstant)
		if queryError != nil {
			return queryError
		}

		var legacyRows []XComRecord
		for rows.Next() {
			var record XComRecord
			if scanError := rows.Scan(
				&record.Key.DagID,
				&record.Key.TaskID,
				&record.Key.RunID,
				&record.Key.MapIndex,
				&record.Key.Key,
				&record.Value,
			); scanError != nil {
				_ = rows.Close()
				return scanError
			}
			summary.ExaminedRows++
			if !xcom.IsJSONPayload(record.Value) {
				legacyRows = append(legacyRows, record)
			}
		}
		if iterationError := rows.Err(); iterationError != nil {
			_ = rows.Close()
			return iterationError
		}
		if closeError := rows.Close(); closeError != nil {
			return closeError
		}

		for _, legacyRecord := range legacyRows {
			if _, insertError := transaction.ExecContext(executionContext, insertArchiveRowStatementConstant,
				legacyRecord.Key.DagID,
				legacyRecord.Key.TaskID,
				legacyRecord.Key.RunID,
				legacyRecord.Key.MapIndex,
				legacyRecord.Key.Key,
				legacyRecord.Value,
			); insertError != nil {
				return insertError
			}
			if _, deleteError := transaction.ExecContext(executionContext, deleteMigratedRowStatementConstant,
				legacyRecord.Key.DagID,
				legacyRecord.Key.TaskID,
				legacyRecord.Key.RunID,
				legacyRecord.Key.MapIndex,
				legacyRecord.Key.Key,
			); deleteError != nil {
				return deleteError
			}
			summary.ArchivedRows++
		}
		return nil
	})
	if migrationError != nil {
		return MigrationSummary{}, migrationError
	}

	store.logger.Info(migrationCompletedMessageConstant,
		zap.Int(examinedRowsFieldNameConstant, summary.ExaminedRows),
		zap.Int(archivedRowsFieldNameConstant, summary.ArchivedRows),
	)
	return summary, nil
}

// ArchivedRowCount returns the number of rows currently held by the archive relation.
func (store *Store) ArchivedRowCount(executionContext context.Context) (int, error) {
	if store == nil || store.databaseHandle == nil {
		return 0, ErrStoreNotConfigured
	}
	var rowCount int
	countError := store.databaseHandle.QueryRowContext(executionContext, countArchiveRowsStatementConstant).Scan(&rowCount)
	if countError != nil {
		return 0, store.wrapFailure(migrateArchiveOperationName, countError)
	}
	return rowCount, nil
}

// DropArchive permanently deletes the archive relation's contents. The
// request must name the archive relation exactly; any other identifier is
// refused, and a missing relation fails with ErrArchiveTableMissing. This is
// the only deletion path for archived rows — migration never removes them.
func (store *Store) DropArchive(executionContext context.Context, tableName string) (int, error) {
	if tableName != ArchiveTableName {
		return 0, UnknownArchiveTableError{Requested: tableName}
	}

	droppedRows := 0
	dropError := store.inTransaction(executionContext, dropArchiveOperationName, func(transaction *sql.Tx) error {
		var tableCount int
		if existsError := transaction.QueryRowContext(executionContext, tableExistsStatementConstant, tableName).Scan(&tableCount); existsError != nil {
			return existsError
		}
		if tableCount == 0 {
			return ErrArchiveTableMissing
		}

		result, deleteError := transaction.ExecContext(executionContext, deleteArchiveRowsStatementConstant)
		if deleteError != nil {
			return deleteError
		}
		affectedRows, affectedError := result.RowsAffected()
		if affectedError != nil {
			return affectedError
		}
		droppedRows = int(affectedRows)
		return nil
	})
	if dropError != nil {
		return 0, dropError
	}

	store.logger.Info(archiveDroppedMessageConstant, zap.Int(droppedRowsFieldNameConstant, droppedRows))
	return droppedRows, nil
}

// InsertArchivedXCom stores a pre-encoded legacy payload directly in the
// archive relation. It exists for migration tooling and tests that seed
// pre-invariant rows; the execution API has no write path to the archive.
func (store *Store) InsertArchivedXCom(executionContext context.Context, key XComKey, payload []byte) error {
	return store.inTransaction(executionContext, seedArchiveOperationName, func(transaction *sql.Tx) error {
		_, insertError := transaction.ExecContext(executionContext, insertArchiveRowStatementConstant,
			key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Key, payload,
		)
		return insertError
	})
}

// SeedPreInvariantXCom writes a raw payload into the live relation without
// JSON validation, reproducing rows written before the JSON-only invariant.
// Only migration tooling and tests use it.
func (store *Store) SeedPreInvariantXCom(executionContext context.Context, key XComKey, payload []byte) error {
	return store.inTransaction(executionContext, seedLiveOperationName, func(transaction *sql.Tx) error {
		_, insertError := transaction.ExecContext(executionContext, upsertXComStatementConstant,
			key.DagID, key.TaskID, key.RunID, key.MapIndex, key.Key, payload,
		)
		return insertError
	})
}
