package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/events"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
)

// listAgentsHandler handles GET /agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	filters := models.AgentFilters{Limit: 50}

	filters.Status = c.Query("status")
	filters.Role = c.Query("role")
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}
	if v := c.Query("include_archived"); v != "" {
		filters.IncludeArchived = v == "true" || v == "1"
	}

	result, err := s.agents.ListAgents(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// createAgentHandler handles POST /agents.
func (s *Server) createAgentHandler(c *gin.Context) {
	var req models.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent, err := s.agents.CreateAgent(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// getAgentHandler handles GET /agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	detail, err := s.agents.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// updateAgentHandler handles PUT /agents/:id.
func (s *Server) updateAgentHandler(c *gin.Context) {
	var req models.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent, err := s.agents.UpdateAgent(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// deleteAgentHandler handles DELETE /agents/:id (soft delete).
func (s *Server) deleteAgentHandler(c *gin.Context) {
	if err := s.agents.ArchiveAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pauseAgentHandler handles POST /agents/:id/pause. Pausing flags the
// agent's unfinished jobs so workers stop claiming them; a running job
// finishes its current attempt.
func (s *Server) pauseAgentHandler(c *gin.Context) {
	s.setPaused(c, true)
}

// resumeAgentHandler handles POST /agents/:id/resume.
func (s *Server) resumeAgentHandler(c *gin.Context) {
	s.setPaused(c, false)
}

func (s *Server) setPaused(c *gin.Context, paused bool) {
	agentID := c.Param("id")
	if _, err := s.agents.GetAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	var changed bool
	var err error
	if paused {
		changed, err = s.manager.Pause(c.Request.Context(), agentID)
	} else {
		changed, err = s.manager.Resume(c.Request.Context(), agentID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, PauseResponse{AgentID: agentID, Paused: paused, Changed: changed})
}

// listAgentJobsHandler handles GET /agents/:id/jobs.
func (s *Server) listAgentJobsHandler(c *gin.Context) {
	filters := models.JobFilters{AgentID: c.Param("id"), Limit: 50}
	filters.Status = c.Query("status")
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	result, err := s.jobs.ListJobs(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// createJobHandler handles POST /agents/:id/jobs. The path owns the
// agent binding; a conflicting agent_id in the body is rejected.
func (s *Server) createJobHandler(c *gin.Context) {
	agentID := c.Param("id")

	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID != "" && req.AgentID != agentID {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput,
			"agent_id in the body does not match the path")
		return
	}
	req.AgentID = agentID

	job, err := s.jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// getJobHandler handles GET /jobs/:id.
func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// heartbeatHandler handles POST /agents/:id/heartbeat. Heartbeats only
// land on the pod managing the agent's runtime context; others answer
// 404 so the agent can re-resolve.
func (s *Server) heartbeatHandler(c *gin.Context) {
	var req HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
			return
		}
	}

	ok := s.manager.HandleHeartbeat(lifecycle.Heartbeat{
		AgentID:   c.Param("id"),
		Timestamp: req.Timestamp,
	})
	if !ok {
		writeProblem(c, http.StatusNotFound, kindNotFound,
			"agent has no active context on this pod")
		return
	}
	c.Status(http.StatusNoContent)
}

// publishEventHandler handles POST /agents/:id/events. External
// producers may only publish namespaced browser:* events; payloads pass
// through verbatim.
func (s *Server) publishEventHandler(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if !strings.HasPrefix(req.Event, events.BrowserEventPrefix) {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput,
			"only browser:* events may be published externally")
		return
	}
	// A bound JSON null arrives as the literal "null", not an empty slice.
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "payload is required")
		return
	}

	agentID := c.Param("id")
	id := s.events.BroadcastRaw(agentID, req.Event, req.Payload)
	c.JSON(http.StatusAccepted, PublishEventResponse{
		AgentID: agentID,
		Event:   req.Event,
		EventID: id,
	})
}
