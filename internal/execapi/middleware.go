package execapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/ianbuss/airflow/internal/metastore"
)

const (
	authorizationHeaderNameConstant        = "Authorization"
	bearerSchemePrefixConstant             = "Bearer "
	tokenContextKeyConstant                = "execution_token"
	bearerContextKeyConstant               = "bearer_token_id"
	missingTokenDetailConstant             = "request carries no bearer token"
	unknownTokenDetailConstant             = "token is not recognized"
	revokedTokenDetailConstant             = "token has been revoked"
	expiredTokenDetailConstant             = "token has expired"
	invalidVersionDetailTemplateConstant   = "contract version %q is not a valid semantic version"
	mismatchedVersionDetailTemplateConstant = "contract version %q is incompatible with server version %s"
	tokenLookupFailedMessageConstant       = "token lookup failed"
	tokenFieldNameConstant                 = "token_id"
)

// requireBearerToken extracts the bearer credential; requests without one are
// rejected before any further processing.
func (server *Server) requireBearerToken(requestContext *gin.Context) {
	authorizationHeader := requestContext.GetHeader(authorizationHeaderNameConstant)
	if !strings.HasPrefix(authorizationHeader, bearerSchemePrefixConstant) {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, missingTokenDetailConstant)
		return
	}
	tokenID := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, bearerSchemePrefixConstant))
	if len(tokenID) == 0 {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, missingTokenDetailConstant)
		return
	}
	requestContext.Set(bearerContextKeyConstant, tokenID)
	requestContext.Next()
}

// requireContractVersion enforces wire-contract compatibility. A missing
// header is accepted for older clients; a present header must be a valid
// semantic version whose major matches the server contract.
func (server *Server) requireContractVersion(requestContext *gin.Context) {
	clientVersion := strings.TrimSpace(requestContext.GetHeader(ContractVersionHeaderName))
	if len(clientVersion) == 0 {
		requestContext.Next()
		return
	}
	if !semver.IsValid(clientVersion) {
		abortWithErrorf(requestContext, http.StatusBadRequest, WireErrorUnsupportedVersion, invalidVersionDetailTemplateConstant, clientVersion)
		return
	}
	if semver.Major(clientVersion) != semver.Major(ContractVersion) {
		abortWithErrorf(requestContext, http.StatusBadRequest, WireErrorUnsupportedVersion, mismatchedVersionDetailTemplateConstant, clientVersion, ContractVersion)
		return
	}
	requestContext.Next()
}

// authenticateToken resolves the bearer credential against the store and
// rejects revoked, expired, or unknown tokens. This is the isolation
// boundary's enforcement point: no handler runs without a live scoped token.
func (server *Server) authenticateToken(requestContext *gin.Context) {
	tokenID := requestContext.GetString(bearerContextKeyConstant)

	token, lookupError := server.store.LookupToken(requestContext.Request.Context(), tokenID)
	if errors.Is(lookupError, metastore.ErrNotFound) {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, unknownTokenDetailConstant)
		return
	}
	if lookupError != nil {
		server.logger.Error(tokenLookupFailedMessageConstant,
			zap.String(tokenFieldNameConstant, tokenID),
			zap.Error(lookupError),
		)
		abortWithError(requestContext, http.StatusInternalServerError, WireErrorInternal, "")
		return
	}
	if token.Revoked {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, revokedTokenDetailConstant)
		return
	}
	if time.Now().UTC().After(token.ExpiresAt) {
		abortWithError(requestContext, http.StatusForbidden, WireErrorUnauthorized, expiredTokenDetailConstant)
		return
	}

	requestContext.Set(tokenContextKeyConstant, token)
	requestContext.Next()
}

func tokenFromContext(requestContext *gin.Context) metastore.ExecutionToken {
	value, exists := requestContext.Get(tokenContextKeyConstant)
	if !exists {
		return metastore.ExecutionToken{}
	}
	token, isToken := value.(metastore.ExecutionToken)
	if !isToken {
		return metastore.ExecutionToken{}
	}
	return token
}
