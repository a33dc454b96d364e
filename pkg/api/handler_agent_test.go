package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/models"
)

func TestCreateAgent(t *testing.T) {
	ts := newTestServer(t)

	t.Run("valid request", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents", operatorKey, models.CreateAgentRequest{
			Name:        "Prod SRE",
			Slug:        "prod-sre",
			Role:        "sre",
			ModelConfig: json.RawMessage(`{"model":"claude-sonnet-4-5"}`),
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

		var agent models.Agent
		decodeJSON(t, rec, &agent)
		assert.Len(t, agent.ID, 36, "id is a uuid")
		assert.Equal(t, "Prod SRE", agent.Name)
		assert.Equal(t, "prod-sre", agent.Slug)
		assert.Equal(t, models.AgentStatusActive, agent.Status)
		assert.JSONEq(t, `{"model":"claude-sonnet-4-5"}`, string(agent.ModelConfig))
	})

	t.Run("duplicate slug", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents", operatorKey,
			models.CreateAgentRequest{Name: "Other", Slug: "prod-sre", Role: "sre"})
		require.Equal(t, http.StatusConflict, rec.Code)
		p := decodeProblem(t, rec)
		assert.Equal(t, "urn:warden:error:conflict", p.Type)
	})

	t.Run("missing name", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents", operatorKey,
			models.CreateAgentRequest{Slug: "nameless", Role: "sre"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Equal(t, "urn:warden:error:invalid-input", p.Type)
	})

	t.Run("invalid slug", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents", operatorKey,
			models.CreateAgentRequest{Name: "Bad", Slug: "Bad Slug!", Role: "sre"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents", operatorKey, json.RawMessage(`{"name":`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "invalid request body")
	})
}

func TestGetAgentDetail(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)
	ts.store.addJob("j-old", "a1", models.JobStatusCompleted)
	ts.store.addJob("j-new", "a1", models.JobStatusRunning)

	rec := ts.do(t, http.MethodGet, "/agents/a1", viewerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail models.AgentDetailResponse
	decodeJSON(t, rec, &detail)
	assert.Equal(t, "a1", detail.ID)
	require.NotNil(t, detail.LatestJob, "latest job is embedded in the detail")
	assert.Equal(t, "j-new", detail.LatestJob.ID)

	rec = ts.do(t, http.MethodGet, "/agents/missing", viewerKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "urn:warden:error:not-found", p.Type)
}

func TestListAgents(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "sre-bot", models.AgentStatusActive)
	ts.store.addAgent("a2", "old-bot", models.AgentStatusArchived)

	t.Run("archived agents are hidden by default", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/agents", viewerKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.AgentListResponse
		decodeJSON(t, rec, &resp)
		require.Len(t, resp.Agents, 1)
		assert.Equal(t, "a1", resp.Agents[0].ID)
	})

	t.Run("include_archived", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/agents?include_archived=true", viewerKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.AgentListResponse
		decodeJSON(t, rec, &resp)
		assert.Len(t, resp.Agents, 2)
	})

	t.Run("status filter", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/agents?status=ARCHIVED", viewerKey, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.AgentListResponse
		decodeJSON(t, rec, &resp)
		require.Len(t, resp.Agents, 1)
		assert.Equal(t, "a2", resp.Agents[0].ID)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/agents?status=SLEEPING", viewerKey, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUpdateAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)
	ts.store.addAgent("a2", "retired", models.AgentStatusArchived)

	t.Run("rename", func(t *testing.T) {
		name := "Renamed"
		rec := ts.do(t, http.MethodPut, "/agents/a1", operatorKey,
			models.UpdateAgentRequest{Name: &name})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		var agent models.Agent
		decodeJSON(t, rec, &agent)
		assert.Equal(t, "Renamed", agent.Name)
		assert.Equal(t, "prod-sre", agent.Slug, "slug is immutable")
	})

	t.Run("archived agents reject updates", func(t *testing.T) {
		name := "Zombie"
		rec := ts.do(t, http.MethodPut, "/agents/a2", operatorKey,
			models.UpdateAgentRequest{Name: &name})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("archiving goes through delete", func(t *testing.T) {
		archived := models.AgentStatusArchived
		rec := ts.do(t, http.MethodPut, "/agents/a1", operatorKey,
			models.UpdateAgentRequest{Status: &archived})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "delete")
	})

	t.Run("unknown agent", func(t *testing.T) {
		name := "Nobody"
		rec := ts.do(t, http.MethodPut, "/agents/missing", operatorKey,
			models.UpdateAgentRequest{Name: &name})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestArchiveAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)

	rec := ts.do(t, http.MethodDelete, "/agents/a1", operatorKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := ts.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusArchived, got.Status)

	// Archiving again is a no-op, not an error.
	rec = ts.do(t, http.MethodDelete, "/agents/a1", operatorKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/agents/missing", operatorKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseAndResumeAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)
	ts.store.addJob("j1", "a1", models.JobStatusPending)
	ts.store.addJob("j2", "a1", models.JobStatusRunning)
	ts.store.addJob("j3", "a1", models.JobStatusCompleted)

	rec := ts.do(t, http.MethodPost, "/agents/a1/pause", operatorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var resp PauseResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "a1", resp.AgentID)
	assert.True(t, resp.Paused)
	assert.True(t, resp.Changed, "two unfinished jobs were flagged")

	// Pausing a paused agent touches no rows.
	rec = ts.do(t, http.MethodPost, "/agents/a1/pause", operatorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.Changed)

	rec = ts.do(t, http.MethodPost, "/agents/a1/resume", operatorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.Paused)
	assert.True(t, resp.Changed)

	calls := ts.store.pauses()
	require.Len(t, calls, 3)
	assert.Equal(t, pauseCall{agentID: "a1", paused: true}, calls[0])
	assert.Equal(t, pauseCall{agentID: "a1", paused: false}, calls[2])

	rec = ts.do(t, http.MethodPost, "/agents/missing/pause", operatorKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "pause checks the agent exists first")
}

func TestCreateJobViaAgentPath(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)
	ts.store.addAgent("a2", "benched", models.AgentStatusDisabled)

	t.Run("defaults are stamped at creation", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/jobs", operatorKey,
			models.CreateJobRequest{Payload: json.RawMessage(`{"instruction":{"prompt":"rotate the key"}}`)})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

		var job models.Job
		decodeJSON(t, rec, &job)
		assert.Equal(t, "a1", job.AgentID)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Equal(t, 5, job.Priority)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, 900, job.TimeoutSeconds)
	})

	t.Run("body agent_id must match the path", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/jobs", operatorKey,
			models.CreateJobRequest{AgentID: "a2"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "does not match the path")
	})

	t.Run("matching body agent_id is accepted", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/jobs", operatorKey,
			models.CreateJobRequest{AgentID: "a1"})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("disabled agents take no jobs", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a2/jobs", operatorKey,
			models.CreateJobRequest{})
		require.Equal(t, http.StatusConflict, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "ACTIVE")
	})

	t.Run("unknown agent", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/missing/jobs", operatorKey,
			models.CreateJobRequest{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListAgentJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)
	ts.store.addJob("j1", "a1", models.JobStatusPending)
	ts.store.addJob("j2", "a1", models.JobStatusRunning)
	ts.store.addJob("j3", "other-agent", models.JobStatusPending)

	rec := ts.do(t, http.MethodGet, "/agents/a1/jobs", viewerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.JobListResponse
	decodeJSON(t, rec, &resp)
	assert.Len(t, resp.Jobs, 2, "only a1's jobs are listed")

	rec = ts.do(t, http.MethodGet, "/agents/a1/jobs?status=RUNNING", viewerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "j2", resp.Jobs[0].ID)

	rec = ts.do(t, http.MethodGet, "/agents/a1/jobs?status=BOGUS", viewerKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addJob("j1", "a1", models.JobStatusRunning)

	rec := ts.do(t, http.MethodGet, "/jobs/j1", viewerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	decodeJSON(t, rec, &job)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	rec = ts.do(t, http.MethodGet, "/jobs/missing", viewerKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)

	// No runtime context on this pod: the agent must re-resolve.
	rec := ts.do(t, http.MethodPost, "/agents/a1/heartbeat", operatorKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Contains(t, p.Detail, "no active context")

	rec = ts.do(t, http.MethodPost, "/agents/a1/heartbeat", operatorKey,
		map[string]string{"timestamp": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.addAgent("a1", "prod-sre", models.AgentStatusActive)

	t.Run("browser events pass through", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/events", operatorKey,
			PublishEventRequest{Event: "browser:annotation", Payload: json.RawMessage(`{"note":"checked"}`)})
		require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

		var resp PublishEventResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "a1", resp.AgentID)
		assert.Equal(t, "browser:annotation", resp.Event)
		assert.GreaterOrEqual(t, resp.EventID, uint64(1))
	})

	t.Run("reserved namespaces are rejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/events", operatorKey,
			PublishEventRequest{Event: "job:completed", Payload: json.RawMessage(`{}`)})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "browser:*")
	})

	t.Run("payload is required", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/agents/a1/events", operatorKey,
			PublishEventRequest{Event: "browser:annotation"})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		// An explicit JSON null binds as the literal "null"; it is just
		// as absent as a missing field.
		rec = ts.do(t, http.MethodPost, "/agents/a1/events", operatorKey,
			json.RawMessage(`{"event":"browser:annotation","payload":null}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decodeProblem(t, rec)
		assert.Contains(t, p.Detail, "payload")
	})
}
