package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/database"
	"github.com/codeready-toolchain/warden/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz. Pure liveness: the process is up
// and serving. Dependency health lives in /readyz so an unhealthy
// database cannot make the orchestrator restart-loop the pod.
func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	})
}

// readyzHandler handles GET /readyz. Checks the database and the worker
// pool; only the database gates readiness, a sick pool degrades it.
func (s *Server) readyzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db == nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: "no database client"}
	} else if _, err := database.Health(reqCtx, s.db.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		if !poolHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if poolHealth.DBError != "" {
				msg = poolHealth.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// backendHealthHandler handles GET /health/backends: per-provider probe
// results with circuit breaker stats.
func (s *Server) backendHealthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	providers := s.registry.HealthSnapshot(reqCtx)
	c.JSON(http.StatusOK, BackendHealthResponse{
		Providers: providers,
		Count:     len(providers),
	})
}

// queueHealthHandler handles GET /queue/health: the worker pool's view
// of this pod, including per-worker activity and queue depth.
func (s *Server) queueHealthHandler(c *gin.Context) {
	if s.pool == nil {
		writeProblem(c, http.StatusServiceUnavailable, kindInternal,
			"worker pool is not running on this pod")
		return
	}
	c.JSON(http.StatusOK, s.pool.Health())
}
