package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/approval"
	"github.com/codeready-toolchain/warden/pkg/models"
)

// createApprovalHandler handles POST /jobs/:id/approval. The path owns
// the job binding; a conflicting job_id in the body is rejected. The
// response carries the plaintext decision token exactly once.
func (s *Server) createApprovalHandler(c *gin.Context) {
	jobID := c.Param("id")

	var req models.CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.JobID != "" && req.JobID != jobID {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput,
			"job_id in the body does not match the path")
		return
	}
	req.JobID = jobID

	created, err := s.approvals.CreateRequest(c.Request.Context(), req, s.actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// decideApprovalHandler handles POST /approval/:id/decide. The decider
// identity always comes from the authenticated principal; decided_by in
// the body is ignored.
func (s *Server) decideApprovalHandler(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}

	decided, err := s.approvals.Decide(c.Request.Context(), c.Param("id"),
		models.ApprovalStatus(req.Decision), s.actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decided)
}

// decideByTokenHandler handles POST /approval/token/decide. The token is
// single-use; the first decision retires it.
func (s *Server) decideByTokenHandler(c *gin.Context) {
	var req TokenDecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, "token is required")
		return
	}

	decided, err := s.approvals.DecideByToken(c.Request.Context(), req.Token,
		models.ApprovalStatus(req.Decision), s.actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decided)
}

// listApprovalsHandler handles GET /approvals.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	filters := models.ApprovalFilters{Limit: 50}
	filters.AgentID = c.Query("agent_id")
	filters.JobID = c.Query("job_id")
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

	result, err := s.approvals.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getApprovalHandler handles GET /approvals/:id.
func (s *Server) getApprovalHandler(c *gin.Context) {
	a, err := s.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// approvalAuditHandler handles GET /approvals/:id/audit.
func (s *Server) approvalAuditHandler(c *gin.Context) {
	entries, err := s.approvals.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// actor builds the approval actor from the authenticated principal.
func (s *Server) actor(c *gin.Context) approval.Actor {
	p := currentPrincipal(c)
	return approval.Actor{UserID: p.UserID, Channel: "api"}
}
