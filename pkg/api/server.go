// Package api exposes the control plane over HTTP: agent and job CRUD,
// approval decisions, live SSE streams, and health probes. Errors are
// RFC 7807 problem+json; every authenticated request carries a
// principal resolved by the auth middleware.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/approval"
	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/database"
	"github.com/codeready-toolchain/warden/pkg/events"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/queue"
	"github.com/codeready-toolchain/warden/pkg/services"
)

// Server is the HTTP API server.
type Server struct {
	cfg  *config.ServerConfig
	auth *authenticator

	agents    *services.AgentService
	jobs      *services.JobService
	approvals *approval.Service
	manager   *lifecycle.Manager
	registry  *backend.Registry
	events    *events.ConnectionManager
	pool      *queue.WorkerPool
	db        *database.Client

	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer wires the handlers and builds the route tree. The database
// client and worker pool may be nil in tests; readiness reports them
// accordingly.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	agents *services.AgentService,
	jobs *services.JobService,
	approvals *approval.Service,
	manager *lifecycle.Manager,
	registry *backend.Registry,
	connManager *events.ConnectionManager,
	pool *queue.WorkerPool,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg.Server,
		auth:      newAuthenticator(cfg.Auth),
		agents:    agents,
		jobs:      jobs,
		approvals: approvals,
		manager:   manager,
		registry:  registry,
		events:    connManager,
		pool:      pool,
		db:        db,
	}

	engine := gin.New()
	engine.Use(requestLogger(), recovery())
	s.engine = engine
	s.registerRoutes(engine)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	// Liveness and readiness are unauthenticated so orchestrators can
	// probe them.
	r.GET("/healthz", s.healthzHandler)
	r.GET("/readyz", s.readyzHandler)

	authed := r.Group("/", s.authenticate())
	{
		authed.GET("/agents", s.listAgentsHandler)
		authed.GET("/agents/:id", s.getAgentHandler)
		authed.GET("/agents/:id/jobs", s.listAgentJobsHandler)
		authed.GET("/agents/:id/stream", s.agentStreamHandler)
		authed.GET("/jobs/:id", s.getJobHandler)
		authed.GET("/approvals", s.listApprovalsHandler)
		authed.GET("/approvals/stream", s.approvalsStreamHandler)
		authed.GET("/approvals/:id", s.getApprovalHandler)
		authed.GET("/approvals/:id/audit", s.approvalAuditHandler)
		authed.GET("/health/backends", s.backendHealthHandler)
		authed.GET("/queue/health", s.queueHealthHandler)
	}

	operator := r.Group("/", s.authenticate(), requireRole(config.RoleOperator))
	{
		operator.POST("/agents", s.createAgentHandler)
		operator.PUT("/agents/:id", s.updateAgentHandler)
		operator.DELETE("/agents/:id", s.deleteAgentHandler)
		operator.POST("/agents/:id/pause", s.pauseAgentHandler)
		operator.POST("/agents/:id/resume", s.resumeAgentHandler)
		operator.POST("/agents/:id/jobs", s.createJobHandler)
		operator.POST("/agents/:id/heartbeat", s.heartbeatHandler)
		operator.POST("/agents/:id/events", s.publishEventHandler)
		operator.POST("/jobs/:id/approval", s.createApprovalHandler)
	}

	approver := r.Group("/", s.authenticate(), requireRole(config.RoleApprover))
	{
		approver.POST("/approval/token/decide", s.decideByTokenHandler)
		approver.POST("/approval/:id/decide", s.decideApprovalHandler)
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
