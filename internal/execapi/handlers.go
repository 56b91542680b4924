package execapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
	"github.com/ianbuss/airflow/internal/xcom"
)

const (
	variableKeyParameterConstant          = "key"
	connectionIDParameterConstant         = "conn_id"
	dagIDParameterConstant                = "dag_id"
	runIDParameterConstant                = "run_id"
	taskIDParameterConstant               = "task_id"
	xcomKeyParameterConstant              = "key"
	mapIndexQueryParameterConstant        = "map_index"
	defaultMapIndexValueConstant          = -1
	variableNotFoundDetailTemplateConstant   = "variable %q not found"
	variableScopeDetailTemplateConstant      = "variable %q is outside the token scope"
	connectionNotFoundDetailTemplateConstant = "connection %q not found"
	connectionScopeDetailTemplateConstant    = "connection %q is outside the token scope"
	xcomNotFoundDetailTemplateConstant       = "xcom %q not found"
	xcomScopeDetailConstant                  = "token scope does not cover the addressed task instance"
	invalidMapIndexDetailTemplateConstant    = "map_index %q is not an integer"
	requestBodyUnreadableDetailConstant      = "request body could not be read"
	payloadNotJSONDetailConstant             = "payload is not representable as JSON"
	legacyDecodeFailedMessageConstant        = "archived xcom payload could not be decoded"
	storeFailureMessageConstant              = "store operation failed"
	xcomKeyFieldNameConstant                 = "xcom_key"
)

func abortWithError(requestContext *gin.Context, statusCode int, wireCode string, detail string) {
	requestContext.AbortWithStatusJSON(statusCode, ErrorResponse{Error: wireCode, Detail: detail})
}

func abortWithErrorf(requestContext *gin.Context, statusCode int, wireCode string, detailTemplate string, templateArguments ...any) {
	abortWithError(requestContext, statusCode, wireCode, fmt.Sprintf(detailTemplate, templateArguments...))
}

func (server *Server) handleGetVariable(requestContext *gin.Context) {
	variableKey := requestContext.Param(variableKeyParameterConstant)
	token := tokenFromContext(requestContext)

	if !scopePermits(token.VariableScope, variableKey) {
		abortWithErrorf(requestContext, http.StatusForbidden, WireErrorUnauthorized, variableScopeDetailTemplateConstant, variableKey)
		return
	}

	variable, getError := server.store.GetVariable(requestContext.Request.Context(), variableKey)
	if errors.Is(getError, metastore.ErrNotFound) {
		abortWithErrorf(requestContext, http.StatusNotFound, WireErrorNotFound, variableNotFoundDetailTemplateConstant, variableKey)
		return
	}
	if getError != nil {
		server.respondInternal(requestContext, getError)
		return
	}

	requestContext.JSON(http.StatusOK, VariableResponse{Key: variable.Key, Value: variable.Value})
}

func (server *Server) handleGetConnection(requestContext *gin.Context) {
	connectionID := requestContext.Param(connectionIDParameterConstant)
	token := tokenFromContext(requestContext)

	if !scopePermits(token.ConnectionScope, connectionID) {
		abortWithErrorf(requestContext, http.StatusForbidden, WireErrorUnauthorized, connectionScopeDetailTemplateConstant, connectionID)
		return
	}

	connection, getError := server.store.GetConnection(requestContext.Request.Context(), connectionID)
	if errors.Is(getError, metastore.ErrNotFound) {
		abortWithErrorf(requestContext, http.StatusNotFound, WireErrorNotFound, connectionNotFoundDetailTemplateConstant, connectionID)
		return
	}
	if getError != nil {
		server.respondInternal(requestContext, getError)
		return
	}

	requestContext.JSON(http.StatusOK, ConnectionResponse{
		ConnectionID:   connection.ConnectionID,
		ConnectionType: connection.ConnectionType,
		Host:           connection.Host,
		Port:           connection.Port,
		Login:          connection.Login,
		Password:       connection.Password,
		SchemaName:     connection.SchemaName,
		Extra:          connection.Extra,
	})
}

func (server *Server) handlePushXCom(requestContext *gin.Context) {
	exchangeKey, keyError := exchangeKeyFromRequest(requestContext)
	if keyError != nil {
		return
	}
	token := tokenFromContext(requestContext)

	// Pushes are restricted to the token's own task instance.
	if token.Identity.DagID != exchangeKey.DagID ||
		token.Identity.RunID != exchangeKey.RunID ||
		token.Identity.TaskID != exchangeKey.TaskID {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, xcomScopeDetailConstant)
		return
	}

	payload, readError := io.ReadAll(requestContext.Request.Body)
	if readError != nil {
		abortWithError(requestContext, http.StatusBadRequest, WireErrorSerialization, requestBodyUnreadableDetailConstant)
		return
	}
	if !xcom.IsJSONPayload(payload) {
		abortWithError(requestContext, http.StatusUnprocessableEntity, WireErrorSerialization, payloadNotJSONDetailConstant)
		return
	}

	pushError := server.store.PushXCom(requestContext.Request.Context(), exchangeKey, payload)
	if errors.Is(pushError, metastore.ErrPayloadNotJSON) {
		abortWithError(requestContext, http.StatusUnprocessableEntity, WireErrorSerialization, payloadNotJSONDetailConstant)
		return
	}
	if pushError != nil {
		server.respondInternal(requestContext, pushError)
		return
	}

	requestContext.Status(http.StatusCreated)
}

func (server *Server) handlePullXCom(requestContext *gin.Context) {
	exchangeKey, keyError := exchangeKeyFromRequest(requestContext)
	if keyError != nil {
		return
	}
	token := tokenFromContext(requestContext)

	// Pulls may address upstream tasks, but never a different dag or run.
	if token.Identity.DagID != exchangeKey.DagID || token.Identity.RunID != exchangeKey.RunID {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, xcomScopeDetailConstant)
		return
	}

	payload, archived, getError := server.store.GetXCom(requestContext.Request.Context(), exchangeKey)
	if errors.Is(getError, metastore.ErrNotFound) {
		abortWithErrorf(requestContext, http.StatusNotFound, WireErrorNotFound, xcomNotFoundDetailTemplateConstant, exchangeKey.Key)
		return
	}
	if getError != nil {
		server.respondInternal(requestContext, getError)
		return
	}

	responseValue := payload
	if archived {
		decodedValue, decodeError := xcom.Decode(payload, true)
		if decodeError != nil {
			server.logger.Error(legacyDecodeFailedMessageConstant,
				zap.String(xcomKeyFieldNameConstant, exchangeKey.Key),
				zap.Error(decodeError),
			)
			server.respondInternal(requestContext, decodeError)
			return
		}
		reencodedValue, encodeError := xcom.Encode(decodedValue)
		if encodeError != nil {
			server.respondInternal(requestContext, encodeError)
			return
		}
		responseValue = reencodedValue
	}

	requestContext.JSON(http.StatusOK, XComPullResponse{
		Key:    exchangeKey.Key,
		Value:  responseValue,
		Legacy: archived,
	})
}

func (server *Server) handleTerminate(requestContext *gin.Context) {
	tokenID := requestContext.GetString(bearerContextKeyConstant)

	revocationError := server.store.RevokeToken(requestContext.Request.Context(), tokenID)
	if revocationError != nil {
		server.respondInternal(requestContext, revocationError)
		return
	}

	requestContext.Status(http.StatusNoContent)
}

func (server *Server) respondInternal(requestContext *gin.Context, cause error) {
	server.logger.Error(storeFailureMessageConstant, zap.Error(cause))
	abortWithError(requestContext, http.StatusInternalServerError, WireErrorInternal, "")
}

func exchangeKeyFromRequest(requestContext *gin.Context) (metastore.XComKey, error) {
	mapIndex := defaultMapIndexValueConstant
	rawMapIndex := requestContext.Query(mapIndexQueryParameterConstant)
	if len(rawMapIndex) > 0 {
		parsedMapIndex, parseError := strconv.Atoi(rawMapIndex)
		if parseError != nil {
			abortWithErrorf(requestContext, http.StatusBadRequest, WireErrorInvalidRequest, invalidMapIndexDetailTemplateConstant, rawMapIndex)
			return metastore.XComKey{}, parseError
		}
		mapIndex = parsedMapIndex
	}

	return metastore.XComKey{
		DagID:    requestContext.Param(dagIDParameterConstant),
		TaskID:   requestContext.Param(taskIDParameterConstant),
		RunID:    requestContext.Param(runIDParameterConstant),
		MapIndex: mapIndex,
		Key:      requestContext.Param(xcomKeyParameterConstant),
	}, nil
}

// scopePermits reports whether the scoped entity list allows the requested
// key. An empty scope is unrestricted.
func scopePermits(scope []string, requestedKey string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, scopedKey := range scope {
		if scopedKey == requestedKey {
			return true
		}
	}
	return false
}
