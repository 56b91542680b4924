package execapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/execapi"
	"github.com/ianbuss/airflow/internal/metastore"
)

const (
	testDagIdentifierConstant     = "example_dag"
	testTaskIdentifierConstant    = "t1"
	testUpstreamTaskConstant      = "upstream"
	testRunIdentifierConstant     = "r1"
	testXComKeyConstant           = "result"
	testLegacyXComKeyConstant     = "legacy_key"
	testVariableKeyConstant       = "service_endpoint"
	testVariableValueConstant     = "https://example.test"
	testScopedVariableKeyConstant = "scoped_secret"
	testConnectionIDConstant      = "warehouse_default"
	testJSONPayloadConstant       = `{"a":1}`
)

type boundaryFixture struct {
	store  *metastore.Store
	server *execapi.Server
	token  metastore.ExecutionToken
}

func newBoundaryFixture(testInstance *testing.T) *boundaryFixture {
	testInstance.Helper()

	store, openError := metastore.Open(context.Background(), metastore.Options{
		DatabasePath: filepath.Join(testInstance.TempDir(), "airflow.db"),
		Logger:       zap.NewNop(),
	})
	require.NoError(testInstance, openError)
	testInstance.Cleanup(func() { _ = store.Close() })

	server, serverError := execapi.NewServer(zap.NewNop(), store)
	require.NoError(testInstance, serverError)

	token, issueError := store.IssueToken(context.Background(), metastore.TokenSpec{
		Identity: metastore.TaskIdentity{
			DagID:     testDagIdentifierConstant,
			TaskID:    testTaskIdentifierConstant,
			RunID:     testRunIdentifierConstant,
			TryNumber: 1,
			MapIndex:  -1,
		},
		TimeToLive: time.Hour,
	})
	require.NoError(testInstance, issueError)

	return &boundaryFixture{store: store, server: server, token: token}
}

func (fixture *boundaryFixture) execute(testInstance *testing.T, method string, path string, body []byte, tokenID string) *httptest.ResponseRecorder {
	testInstance.Helper()

	var bodyReader *bytes.Reader
	if body == nil {
		bodyReader = bytes.NewReader(nil)
	} else {
		bodyReader = bytes.NewReader(body)
	}

	request := httptest.NewRequest(method, path, bodyReader)
	if len(tokenID) > 0 {
		request.Header.Set("Authorization", "Bearer "+tokenID)
	}
	request.Header.Set(execapi.ContractVersionHeaderName, execapi.ContractVersion)

	recorder := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func xcomPath(taskIdentifier string, keyName string) string {
	return "/execution/v1/xcom/" + testDagIdentifierConstant + "/" + testRunIdentifierConstant + "/" + taskIdentifier + "/" + keyName
}

func decodeWireError(testInstance *testing.T, recorder *httptest.ResponseRecorder) execapi.ErrorResponse {
	testInstance.Helper()
	var wireError execapi.ErrorResponse
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &wireError))
	return wireError
}

func TestHealthEndpointServesWithoutToken(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	recorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/health", nil, "")
	require.Equal(testInstance, http.StatusOK, recorder.Code)

	var health execapi.HealthResponse
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &health))
	require.Equal(testInstance, execapi.HealthStatusServing, health.Status)
	require.Equal(testInstance, execapi.ContractVersion, health.ContractVersion)
}

func TestRequestsWithoutTokenAreRejected(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	recorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/variables/"+testVariableKeyConstant, nil, "")
	require.Equal(testInstance, http.StatusForbidden, recorder.Code)
	require.Equal(testInstance, execapi.WireErrorUnauthorized, decodeWireError(testInstance, recorder).Error)
}

func TestContractVersionNegotiation(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	request := httptest.NewRequest(http.MethodGet, "/execution/v1/variables/"+testVariableKeyConstant, nil)
	request.Header.Set("Authorization", "Bearer "+fixture.token.TokenID)
	request.Header.Set(execapi.ContractVersionHeaderName, "v2.0.0")

	recorder := httptest.NewRecorder()
	fixture.server.Handler().ServeHTTP(recorder, request)

	require.Equal(testInstance, http.StatusBadRequest, recorder.Code)
	require.Equal(testInstance, execapi.WireErrorUnsupportedVersion, decodeWireError(testInstance, recorder).Error)
}

func TestGetVariable(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)
	require.NoError(testInstance, fixture.store.SetVariable(context.Background(), metastore.Variable{
		Key:   testVariableKeyConstant,
		Value: testVariableValueConstant,
	}))

	recorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/variables/"+testVariableKeyConstant, nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusOK, recorder.Code)

	var variable execapi.VariableResponse
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &variable))
	require.Equal(testInstance, testVariableValueConstant, variable.Value)

	missingRecorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/variables/absent", nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusNotFound, missingRecorder.Code)
	require.Equal(testInstance, execapi.WireErrorNotFound, decodeWireError(testInstance, missingRecorder).Error)
}

func TestVariableScopeEnforcement(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	scopedToken, issueError := fixture.store.IssueToken(context.Background(), metastore.TokenSpec{
		Identity: metastore.TaskIdentity{
			DagID:     testDagIdentifierConstant,
			TaskID:    testTaskIdentifierConstant,
			RunID:     testRunIdentifierConstant,
			TryNumber: 1,
			MapIndex:  -1,
		},
		VariableScope: []string{testScopedVariableKeyConstant},
		TimeToLive:    time.Hour,
	})
	require.NoError(testInstance, issueError)

	recorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/variables/"+testVariableKeyConstant, nil, scopedToken.TokenID)
	require.Equal(testInstance, http.StatusForbidden, recorder.Code)
	require.Equal(testInstance, execapi.WireErrorUnauthorized, decodeWireError(testInstance, recorder).Error)
}

func TestGetConnection(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)
	require.NoError(testInstance, fixture.store.SetConnection(context.Background(), metastore.Connection{
		ConnectionID:   testConnectionIDConstant,
		ConnectionType: "postgres",
		Host:           "db.example.test",
		Port:           5432,
	}))

	recorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/connections/"+testConnectionIDConstant, nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusOK, recorder.Code)

	var connection execapi.ConnectionResponse
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &connection))
	require.Equal(testInstance, testConnectionIDConstant, connection.ConnectionID)
	require.Equal(testInstance, 5432, connection.Port)
}

func TestPushAndPullXCom(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	pushRecorder := fixture.execute(testInstance, http.MethodPut, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), []byte(testJSONPayloadConstant), fixture.token.TokenID)
	require.Equal(testInstance, http.StatusCreated, pushRecorder.Code)

	pullRecorder := fixture.execute(testInstance, http.MethodGet, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusOK, pullRecorder.Code)

	var pullResponse execapi.XComPullResponse
	require.NoError(testInstance, json.Unmarshal(pullRecorder.Body.Bytes(), &pullResponse))
	require.False(testInstance, pullResponse.Legacy)
	require.JSONEq(testInstance, testJSONPayloadConstant, string(pullResponse.Value))
}

func TestPushXComRejectsNonJSONPayload(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	pushRecorder := fixture.execute(testInstance, http.MethodPut, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), []byte{0x80, 0x02, '}', '.'}, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusUnprocessableEntity, pushRecorder.Code)
	require.Equal(testInstance, execapi.WireErrorSerialization, decodeWireError(testInstance, pushRecorder).Error)

	pullRecorder := fixture.execute(testInstance, http.MethodGet, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusNotFound, pullRecorder.Code)
}

func TestPushXComRejectsForeignTaskInstance(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	pushRecorder := fixture.execute(testInstance, http.MethodPut, xcomPath(testUpstreamTaskConstant, testXComKeyConstant), []byte(testJSONPayloadConstant), fixture.token.TokenID)
	require.Equal(testInstance, http.StatusForbidden, pushRecorder.Code)
	require.Equal(testInstance, execapi.WireErrorUnauthorized, decodeWireError(testInstance, pushRecorder).Error)
}

func TestPullXComFromUpstreamTask(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	upstreamKey := metastore.XComKey{
		DagID:    testDagIdentifierConstant,
		TaskID:   testUpstreamTaskConstant,
		RunID:    testRunIdentifierConstant,
		MapIndex: -1,
		Key:      testXComKeyConstant,
	}
	require.NoError(testInstance, fixture.store.PushXCom(context.Background(), upstreamKey, []byte(testJSONPayloadConstant)))

	pullRecorder := fixture.execute(testInstance, http.MethodGet, xcomPath(testUpstreamTaskConstant, testXComKeyConstant), nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusOK, pullRecorder.Code)
}

func TestPullArchivedXComSetsLegacyFlag(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	legacyKey := metastore.XComKey{
		DagID:    testDagIdentifierConstant,
		TaskID:   testTaskIdentifierConstant,
		RunID:    testRunIdentifierConstant,
		MapIndex: -1,
		Key:      testLegacyXComKeyConstant,
	}
	legacyPayload := []byte{0x80, 0x02, '}', 'q', 0x00, 'U', 0x01, 'a', 'q', 0x01, 'K', 0x01, 's', '.'}
	require.NoError(testInstance, fixture.store.InsertArchivedXCom(context.Background(), legacyKey, legacyPayload))

	pullRecorder := fixture.execute(testInstance, http.MethodGet, xcomPath(testTaskIdentifierConstant, testLegacyXComKeyConstant), nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusOK, pullRecorder.Code)

	var pullResponse execapi.XComPullResponse
	require.NoError(testInstance, json.Unmarshal(pullRecorder.Body.Bytes(), &pullResponse))
	require.True(testInstance, pullResponse.Legacy)
	require.JSONEq(testInstance, testJSONPayloadConstant, string(pullResponse.Value))

	payload, archived, getError := fixture.store.GetXCom(context.Background(), legacyKey)
	require.NoError(testInstance, getError)
	require.True(testInstance, archived)
	require.Equal(testInstance, legacyPayload, payload)
}

func TestTerminateRevokesTokenIdempotently(testInstance *testing.T) {
	fixture := newBoundaryFixture(testInstance)

	firstTerminate := fixture.execute(testInstance, http.MethodDelete, "/execution/v1/token", nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusNoContent, firstTerminate.Code)

	secondTerminate := fixture.execute(testInstance, http.MethodDelete, "/execution/v1/token", nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusNoContent, secondTerminate.Code)

	variableRecorder := fixture.execute(testInstance, http.MethodGet, "/execution/v1/variables/"+testVariableKeyConstant, nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusForbidden, variableRecorder.Code)

	pushRecorder := fixture.execute(testInstance, http.MethodPut, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), []byte(testJSONPayloadConstant), fixture.token.TokenID)
	require.Equal(testInstance, http.StatusForbidden, pushRecorder.Code)

	pullRecorder := fixture.execute(testInstance, http.MethodGet, xcomPath(testTaskIdentifierConstant, testXComKeyConstant), nil, fixture.token.TokenID)
	require.Equal(testInstance, http.StatusForbidden, pullRecorder.Code)
}
