package metastore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
)

const (
	testDatabaseFileNameConstant   = "airflow.db"
	testVariableKeyConstant        = "service_endpoint"
	testVariableValueConstant      = "https://example.test"
	testConnectionIDConstant       = "warehouse_default"
	testConnectionTypeConstant     = "postgres"
	testDagIdentifierConstant      = "example_dag"
	testTaskIdentifierConstant     = "t1"
	testRunIdentifierConstant      = "r1"
	testXComKeyNameConstant        = "result"
	testJSONPayloadConstant        = `{"a":1}`
	testReplacementPayloadConstant = `{"a":2}`
	testLegacyKeyNameConstant      = "legacy_key"
)

func openTestStore(testInstance *testing.T) *metastore.Store {
	testInstance.Helper()

	databasePath := filepath.Join(testInstance.TempDir(), testDatabaseFileNameConstant)
	store, openError := metastore.Open(context.Background(), metastore.Options{
		DatabasePath: databasePath,
		Logger:       zap.NewNop(),
	})
	require.NoError(testInstance, openError)
	testInstance.Cleanup(func() {
		require.NoError(testInstance, store.Close())
	})
	return store
}

func testExchangeKey(keyName string) metastore.XComKey {
	return metastore.XComKey{
		DagID:    testDagIdentifierConstant,
		TaskID:   testTaskIdentifierConstant,
		RunID:    testRunIdentifierConstant,
		MapIndex: -1,
		Key:      keyName,
	}
}

func TestOpenRequiresDatabasePath(testInstance *testing.T) {
	store, openError := metastore.Open(context.Background(), metastore.Options{})
	require.Nil(testInstance, store)
	require.ErrorIs(testInstance, openError, metastore.ErrDatabasePathMissing)
}

func TestVariableLifecycle(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	_, missingError := store.GetVariable(requestContext, testVariableKeyConstant)
	require.ErrorIs(testInstance, missingError, metastore.ErrNotFound)

	require.NoError(testInstance, store.SetVariable(requestContext, metastore.Variable{
		Key:   testVariableKeyConstant,
		Value: testVariableValueConstant,
	}))

	variable, getError := store.GetVariable(requestContext, testVariableKeyConstant)
	require.NoError(testInstance, getError)
	require.Equal(testInstance, testVariableValueConstant, variable.Value)

	require.NoError(testInstance, store.DeleteVariable(requestContext, testVariableKeyConstant))
	require.ErrorIs(testInstance, store.DeleteVariable(requestContext, testVariableKeyConstant), metastore.ErrNotFound)
}

func TestConnectionLifecycle(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	_, missingError := store.GetConnection(requestContext, testConnectionIDConstant)
	require.ErrorIs(testInstance, missingError, metastore.ErrNotFound)

	stored := metastore.Connection{
		ConnectionID:   testConnectionIDConstant,
		ConnectionType: testConnectionTypeConstant,
		Host:           "db.example.test",
		Port:           5432,
		Login:          "loader",
		Password:       "secret",
		SchemaName:     "analytics",
		Extra:          `{"sslmode":"require"}`,
	}
	require.NoError(testInstance, store.SetConnection(requestContext, stored))

	connection, getError := store.GetConnection(requestContext, testConnectionIDConstant)
	require.NoError(testInstance, getError)
	require.Equal(testInstance, stored, connection)
}

func TestPushXComRejectsNonJSONPayloads(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	pushError := store.PushXCom(requestContext, testExchangeKey(testXComKeyNameConstant), []byte{0x80, 0x02, '}', '.'})
	require.ErrorIs(testInstance, pushError, metastore.ErrPayloadNotJSON)

	_, _, getError := store.GetXCom(requestContext, testExchangeKey(testXComKeyNameConstant))
	require.ErrorIs(testInstance, getError, metastore.ErrNotFound)
}

func TestPushAndGetXCom(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()
	exchangeKey := testExchangeKey(testXComKeyNameConstant)

	require.NoError(testInstance, store.PushXCom(requestContext, exchangeKey, []byte(testJSONPayloadConstant)))

	payload, archived, getError := store.GetXCom(requestContext, exchangeKey)
	require.NoError(testInstance, getError)
	require.False(testInstance, archived)
	require.JSONEq(testInstance, testJSONPayloadConstant, string(payload))

	require.NoError(testInstance, store.PushXCom(requestContext, exchangeKey, []byte(testReplacementPayloadConstant)))

	replacement, _, replacementError := store.GetXCom(requestContext, exchangeKey)
	require.NoError(testInstance, replacementError)
	require.JSONEq(testInstance, testReplacementPayloadConstant, string(replacement))
}

func TestGetXComFallsBackToArchive(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()
	legacyKey := testExchangeKey(testLegacyKeyNameConstant)
	legacyPayload := []byte{0x80, 0x02, 'U', 0x02, 'o', 'k', 'q', 0x00, '.'}

	require.NoError(testInstance, store.InsertArchivedXCom(requestContext, legacyKey, legacyPayload))

	payload, archived, getError := store.GetXCom(requestContext, legacyKey)
	require.NoError(testInstance, getError)
	require.True(testInstance, archived)
	require.Equal(testInstance, legacyPayload, payload)
}

func TestMigrateArchiveIsIdempotent(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	jsonKey := testExchangeKey(testXComKeyNameConstant)
	legacyKey := testExchangeKey(testLegacyKeyNameConstant)
	legacyPayload := []byte{0x80, 0x02, 'K', 0x07, '.'}

	require.NoError(testInstance, store.PushXCom(requestContext, jsonKey, []byte(testJSONPayloadConstant)))
	require.NoError(testInstance, store.SeedPreInvariantXCom(requestContext, legacyKey, legacyPayload))

	firstSummary, firstError := store.MigrateArchive(requestContext)
	require.NoError(testInstance, firstError)
	require.Equal(testInstance, 2, firstSummary.ExaminedRows)
	require.Equal(testInstance, 1, firstSummary.ArchivedRows)

	secondSummary, secondError := store.MigrateArchive(requestContext)
	require.NoError(testInstance, secondError)
	require.Equal(testInstance, 1, secondSummary.ExaminedRows)
	require.Zero(testInstance, secondSummary.ArchivedRows)

	archivedRows, countError := store.ArchivedRowCount(requestContext)
	require.NoError(testInstance, countError)
	require.Equal(testInstance, 1, archivedRows)

	livePayload, liveArchived, liveError := store.GetXCom(requestContext, jsonKey)
	require.NoError(testInstance, liveError)
	require.False(testInstance, liveArchived)
	require.JSONEq(testInstance, testJSONPayloadConstant, string(livePayload))

	migratedPayload, migratedArchived, migratedError := store.GetXCom(requestContext, legacyKey)
	require.NoError(testInstance, migratedError)
	require.True(testInstance, migratedArchived)
	require.Equal(testInstance, legacyPayload, migratedPayload)
}

func TestDropArchive(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	_, unknownTableError := store.DropArchive(requestContext, "xcom")
	var unknownTable metastore.UnknownArchiveTableError
	require.ErrorAs(testInstance, unknownTableError, &unknownTable)
	require.Equal(testInstance, "xcom", unknownTable.Requested)

	legacyKey := testExchangeKey(testLegacyKeyNameConstant)
	require.NoError(testInstance, store.InsertArchivedXCom(requestContext, legacyKey, []byte("N.")))

	droppedRows, dropError := store.DropArchive(requestContext, metastore.ArchiveTableName)
	require.NoError(testInstance, dropError)
	require.Equal(testInstance, 1, droppedRows)

	_, _, getError := store.GetXCom(requestContext, legacyKey)
	require.ErrorIs(testInstance, getError, metastore.ErrNotFound)
}

func TestTokenLifecycle(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	identity := metastore.TaskIdentity{
		DagID:     testDagIdentifierConstant,
		TaskID:    testTaskIdentifierConstant,
		RunID:     testRunIdentifierConstant,
		TryNumber: 1,
		MapIndex:  -1,
	}

	_, incompleteError := store.IssueToken(requestContext, metastore.TokenSpec{})
	require.ErrorIs(testInstance, incompleteError, metastore.ErrTokenIdentityMissing)

	token, issueError := store.IssueToken(requestContext, metastore.TokenSpec{
		Identity:      identity,
		VariableScope: []string{testVariableKeyConstant},
		TimeToLive:    time.Hour,
	})
	require.NoError(testInstance, issueError)
	require.NotEmpty(testInstance, token.TokenID)
	require.False(testInstance, token.Revoked)

	fetched, lookupError := store.LookupToken(requestContext, token.TokenID)
	require.NoError(testInstance, lookupError)
	require.Equal(testInstance, identity, fetched.Identity)
	require.Equal(testInstance, []string{testVariableKeyConstant}, fetched.VariableScope)

	require.NoError(testInstance, store.RevokeToken(requestContext, token.TokenID))
	require.NoError(testInstance, store.RevokeToken(requestContext, token.TokenID))

	revoked, revokedLookupError := store.LookupToken(requestContext, token.TokenID)
	require.NoError(testInstance, revokedLookupError)
	require.True(testInstance, revoked.Revoked)

	_, missingError := store.LookupToken(requestContext, "missing-token")
	require.ErrorIs(testInstance, missingError, metastore.ErrNotFound)
}

func TestRevokeExpiredTokens(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	identity := metastore.TaskIdentity{
		DagID:     testDagIdentifierConstant,
		TaskID:    testTaskIdentifierConstant,
		RunID:     testRunIdentifierConstant,
		TryNumber: 1,
		MapIndex:  -1,
	}

	expiredToken, expiredIssueError := store.IssueToken(requestContext, metastore.TokenSpec{
		Identity:   identity,
		TimeToLive: time.Millisecond,
	})
	require.NoError(testInstance, expiredIssueError)

	liveToken, liveIssueError := store.IssueToken(requestContext, metastore.TokenSpec{
		Identity:   identity,
		TimeToLive: time.Hour,
	})
	require.NoError(testInstance, liveIssueError)

	time.Sleep(20 * time.Millisecond)
	require.NoError(testInstance, store.RevokeExpiredTokens(requestContext))

	sweptToken, sweptLookupError := store.LookupToken(requestContext, expiredToken.TokenID)
	require.NoError(testInstance, sweptLookupError)
	require.True(testInstance, sweptToken.Revoked)

	survivingToken, survivingLookupError := store.LookupToken(requestContext, liveToken.TokenID)
	require.NoError(testInstance, survivingLookupError)
	require.False(testInstance, survivingToken.Revoked)
}

func TestRecordTaskState(testInstance *testing.T) {
	store := openTestStore(testInstance)
	requestContext := context.Background()

	identity := metastore.TaskIdentity{
		DagID:     testDagIdentifierConstant,
		TaskID:    testTaskIdentifierConstant,
		RunID:     testRunIdentifierConstant,
		TryNumber: 1,
		MapIndex:  -1,
	}

	require.ErrorIs(testInstance,
		store.RecordTaskState(requestContext, metastore.TaskIdentity{}, metastore.TaskStateRunning),
		metastore.ErrTaskIdentityIncomplete,
	)

	require.NoError(testInstance, store.RecordTaskState(requestContext, identity, metastore.TaskStateRunning))
	require.NoError(testInstance, store.RecordTaskState(requestContext, identity, metastore.TaskStateSuccess))

	state, getError := store.GetTaskState(requestContext, identity)
	require.NoError(testInstance, getError)
	require.Equal(testInstance, metastore.TaskStateSuccess, state)
}
