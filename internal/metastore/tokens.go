package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	insertTokenStatementConstant = `INSERT INTO execution_token
		(token_id, dag_id, task_id, run_id, try_number, map_index, variable_scope, connection_scope, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	selectTokenStatementConstant = `SELECT token_id, dag_id, task_id, run_id, try_number, map_index,
		variable_scope, connection_scope, issued_at, expires_at, revoked
		FROM execution_token WHERE token_id = ?`
	revokeTokenStatementConstant         = `UPDATE execution_token SET revoked = 1 WHERE token_id = ?`
	revokeExpiredTokensStatementConstant = `UPDATE execution_token SET revoked = 1 WHERE revoked = 0 AND expires_at < ?`
	issueTokenOperationName              = "token issue"
	lookupTokenOperationName             = "token lookup"
	revokeTokenOperationName             = "token revoke"
	revokeExpiredTokensOperationName     = "token expire sweep"
	defaultTokenTimeToLiveConstant       = 24 * time.Hour
)

// IssueToken mints a credential scoped to one task attempt. The token value is
// opaque to holders; authorization derives from the persisted scope, never
// from the value itself.
func (store *Store) IssueToken(executionContext context.Context, specification TokenSpec) (ExecutionToken, error) {
	identity := specification.Identity
	if len(identity.DagID) == 0 || len(identity.TaskID) == 0 || len(identity.RunID) == 0 {
		return ExecutionToken{}, ErrTokenIdentityMissing
	}

	timeToLive := specification.TimeToLive
	if timeToLive <= 0 {
		timeToLive = defaultTokenTimeToLiveConstant
	}

	issuedAt := time.Now().UTC()
	token := ExecutionToken{
		TokenID:         uuid.NewString(),
		Identity:        identity,
		VariableScope:   append([]string(nil), specification.VariableScope...),
		ConnectionScope: append([]string(nil), specification.ConnectionScope...),
		IssuedAt:        issuedAt,
		ExpiresAt:       issuedAt.Add(timeToLive),
	}

	variableScope, variableScopeError := json.Marshal(token.VariableScope)
	if variableScopeError != nil {
		return ExecutionToken{}, store.wrapFailure(issueTokenOperationName, variableScopeError)
	}
	connectionScope, connectionScopeError := json.Marshal(token.ConnectionScope)
	if connectionScopeError != nil {
		return ExecutionToken{}, store.wrapFailure(issueTokenOperationName, connectionScopeError)
	}

	insertionError := store.inTransaction(executionContext, issueTokenOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, insertTokenStatementConstant,
			token.TokenID,
			identity.DagID,
			identity.TaskID,
			identity.RunID,
			identity.TryNumber,
			identity.MapIndex,
			string(variableScope),
			string(connectionScope),
			token.IssuedAt,
			token.ExpiresAt,
		)
		return executionError
	})
	if insertionError != nil {
		return ExecutionToken{}, insertionError
	}
	return token, nil
}

// LookupToken returns the persisted token record; absent tokens fail with ErrNotFound.
func (store *Store) LookupToken(executionContext context.Context, tokenID string) (ExecutionToken, error) {
	if store == nil || store.databaseHandle == nil {
		return ExecutionToken{}, ErrStoreNotConfigured
	}

	row := store.databaseHandle.QueryRowContext(executionContext, selectTokenStatementConstant, tokenID)

	var token ExecutionToken
	var variableScope string
	var connectionScope string
	scanError := row.Scan(
		&token.TokenID,
		&token.Identity.DagID,
		&token.Identity.TaskID,
		&token.Identity.RunID,
		&token.Identity.TryNumber,
		&token.Identity.MapIndex,
		&variableScope,
		&connectionScope,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.Revoked,
	)
	if errors.Is(scanError, sql.ErrNoRows) {
		return ExecutionToken{}, ErrNotFound
	}
	if scanError != nil {
		return ExecutionToken{}, store.wrapFailure(lookupTokenOperationName, scanError)
	}

	if unmarshalError := json.Unmarshal([]byte(variableScope), &token.VariableScope); unmarshalError != nil {
		return ExecutionToken{}, store.wrapFailure(lookupTokenOperationName, unmarshalError)
	}
	if unmarshalError := json.Unmarshal([]byte(connectionScope), &token.ConnectionScope); unmarshalError != nil {
		return ExecutionToken{}, store.wrapFailure(lookupTokenOperationName, unmarshalError)
	}
	return token, nil
}

// RevokeToken invalidates a token. Revoking an already-revoked or unknown
// token succeeds; revocation is idempotent.
func (store *Store) RevokeToken(executionContext context.Context, tokenID string) error {
	return store.inTransaction(executionContext, revokeTokenOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, revokeTokenStatementConstant, tokenID)
		return executionError
	})
}

// RevokeExpiredTokens sweeps tokens past their expiry into the revoked state.
func (store *Store) RevokeExpiredTokens(executionContext context.Context) error {
	return store.inTransaction(executionContext, revokeExpiredTokensOperationName, func(transaction *sql.Tx) error {
		_, executionError := transaction.ExecContext(executionContext, revokeExpiredTokensStatementConstant, time.Now().UTC())
		return executionError
	})
}
