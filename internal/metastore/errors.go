package metastore

import (
	"errors"
	"fmt"
)

const (
	notFoundMessageConstant              = "requested entity not found"
	payloadNotJSONMessageConstant        = "exchange payload is not a JSON document"
	storeErrorMessageTemplateConstant    = "metadata store operation %s failed"
	unknownArchiveTableTemplateConstant  = "unknown archive table %q (expected %s)"
	archiveTableMissingMessageConstant   = "archive table does not exist"
	storeNotConfiguredMessageConstant    = "metadata store not configured"
	databasePathMissingMessageConstant   = "metadata store database path not provided"
	tokenIdentityMissingMessageConstant  = "token identity incomplete"
	taskIdentityIncompleteMessageConstant = "task identity incomplete"
)

var (
	// ErrNotFound indicates the requested variable, connection, exchange row, or token is absent.
	ErrNotFound = errors.New(notFoundMessageConstant)
	// ErrPayloadNotJSON indicates a write to the live exchange relation with a non-JSON payload.
	ErrPayloadNotJSON = errors.New(payloadNotJSONMessageConstant)
	// ErrArchiveTableMissing indicates a drop request against an absent archive relation.
	ErrArchiveTableMissing = errors.New(archiveTableMissingMessageConstant)
	// ErrStoreNotConfigured indicates adapter methods were called on a nil store.
	ErrStoreNotConfigured = errors.New(storeNotConfiguredMessageConstant)
	// ErrDatabasePathMissing indicates Open was called without a database path.
	ErrDatabasePathMissing = errors.New(databasePathMissingMessageConstant)
	// ErrTokenIdentityMissing indicates a token issuance request without a complete identity.
	ErrTokenIdentityMissing = errors.New(tokenIdentityMissingMessageConstant)
	// ErrTaskIdentityIncomplete indicates a task state record without a complete identity.
	ErrTaskIdentityIncomplete = errors.New(taskIdentityIncompleteMessageConstant)
)

// StoreError wraps persistence failures after the enclosing transaction is
// rolled back, so callers surface them as internal failures.
type StoreError struct {
	Operation string
	Cause     error
}

// Error describes the failed store operation.
func (storeError StoreError) Error() string {
	return fmt.Sprintf(storeErrorMessageTemplateConstant, storeError.Operation)
}

// Unwrap exposes the underlying driver failure.
func (storeError StoreError) Unwrap() error {
	return storeError.Cause
}

// UnknownArchiveTableError reports a drop request naming a table that is not
// the archive relation.
type UnknownArchiveTableError struct {
	Requested string
}

// Error describes the rejected table name.
func (tableError UnknownArchiveTableError) Error() string {
	return fmt.Sprintf(unknownArchiveTableTemplateConstant, tableError.Requested, ArchiveTableName)
}
