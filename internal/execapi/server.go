// Package execapi exposes the execution API server: the sole gateway between
// task execution processes and the metadata store. Every request is
// authenticated by a scoped token before any store access; no route returns a
// store handle or connection string capable of direct queries.
package execapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ianbuss/airflow/internal/metastore"
)

const (
	loggerNotConfiguredMessageConstant = "execution api logger not configured"
	storeNotConfiguredMessageConstant  = "execution api metadata store not configured"
	routeGroupPathConstant             = "/execution/v1"
	healthRoutePathConstant            = "/health"
	variableRoutePathConstant          = "/variables/:key"
	connectionRoutePathConstant        = "/connections/:conn_id"
	xcomRoutePathConstant              = "/xcom/:dag_id/:run_id/:task_id/:key"
	tokenRoutePathConstant             = "/token"
	serverStartingMessageConstant      = "execution api server starting"
	serverStoppedMessageConstant       = "execution api server stopped"
	listenAddressFieldNameConstant     = "listen_address"
	shutdownGracePeriodConstant        = 5 * time.Second
	defaultReadHeaderTimeoutConstant   = 10 * time.Second
)

var (
	// ErrLoggerNotConfigured indicates the logger dependency was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrStoreNotConfigured indicates the metadata store dependency was missing.
	ErrStoreNotConfigured = errors.New(storeNotConfiguredMessageConstant)
)

// MetadataStore describes the store operations the server mediates. The
// concrete adapter lives in the control plane; task processes only ever see
// the routes built on top of this interface.
type MetadataStore interface {
	GetVariable(executionContext context.Context, variableKey string) (metastore.Variable, error)
	GetConnection(executionContext context.Context, connectionID string) (metastore.Connection, error)
	PushXCom(executionContext context.Context, key metastore.XComKey, payload []byte) error
	GetXCom(executionContext context.Context, key metastore.XComKey) ([]byte, bool, error)
	LookupToken(executionContext context.Context, tokenID string) (metastore.ExecutionToken, error)
	RevokeToken(executionContext context.Context, tokenID string) error
}

// Server is a stateless request mediator over the metadata store adapter.
type Server struct {
	store  MetadataStore
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer wires routes and middleware over the provided store.
func NewServer(logger *zap.Logger, store MetadataStore) (*Server, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if store == nil {
		return nil, ErrStoreNotConfigured
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &Server{store: store, logger: logger, engine: engine}
	server.registerRoutes()
	return server, nil
}

func (server *Server) registerRoutes() {
	routeGroup := server.engine.Group(routeGroupPathConstant)
	routeGroup.GET(healthRoutePathConstant, server.handleHealth)

	// Terminate authenticates leniently so revocation stays idempotent for
	// already-revoked tokens.
	routeGroup.DELETE(tokenRoutePathConstant, server.requireBearerToken, server.handleTerminate)

	authenticated := routeGroup.Group("")
	authenticated.Use(server.requireBearerToken, server.requireContractVersion, server.authenticateToken)
	authenticated.GET(variableRoutePathConstant, server.handleGetVariable)
	authenticated.GET(connectionRoutePathConstant, server.handleGetConnection)
	authenticated.PUT(xcomRoutePathConstant, server.handlePushXCom)
	authenticated.GET(xcomRoutePathConstant, server.handlePullXCom)
}

// Handler exposes the router for in-process serving and tests.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// Serve runs the HTTP listener until the context is canceled, then shuts the
// listener down within the grace period.
func (server *Server) Serve(executionContext context.Context, listenAddress string) error {
	httpServer := &http.Server{
		Addr:              listenAddress,
		Handler:           server.engine,
		ReadHeaderTimeout: defaultReadHeaderTimeoutConstant,
	}

	serveFailures := make(chan error, 1)
	go func() {
		serveFailures <- httpServer.ListenAndServe()
	}()

	server.logger.Info(serverStartingMessageConstant, zap.String(listenAddressFieldNameConstant, listenAddress))

	select {
	case serveError := <-serveFailures:
		if errors.Is(serveError, http.ErrServerClosed) {
			return nil
		}
		return serveError
	case <-executionContext.Done():
		shutdownContext, cancelShutdown := context.WithTimeout(context.Background(), shutdownGracePeriodConstant)
		defer cancelShutdown()
		shutdownError := httpServer.Shutdown(shutdownContext)
		server.logger.Info(serverStoppedMessageConstant)
		return shutdownError
	}
}

func (server *Server) handleHealth(requestContext *gin.Context) {
	requestContext.JSON(http.StatusOK, HealthResponse{
		Status:          HealthStatusServing,
		ContractVersion: ContractVersion,
	})
}
