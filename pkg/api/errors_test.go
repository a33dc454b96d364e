package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/approval"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/services"
)

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.ReleaseMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "not found",
			err:        fmt.Errorf("agent a1: %w", services.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantKind:   "not-found",
		},
		{
			name:       "validation error",
			err:        services.NewValidationError("slug", "required"),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid-input",
		},
		{
			name:       "wrapped validation error",
			err:        fmt.Errorf("create agent: %w", services.NewValidationError("slug", "required")),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid-input",
		},
		{
			name:       "already exists",
			err:        fmt.Errorf("slug taken: %w", services.ErrAlreadyExists),
			wantStatus: http.StatusConflict,
			wantKind:   "conflict",
		},
		{
			name:       "conflict",
			err:        fmt.Errorf("agent is archived: %w", services.ErrConflict),
			wantStatus: http.StatusConflict,
			wantKind:   "conflict",
		},
		{
			name:       "concurrent modification",
			err:        fmt.Errorf("claim lost: %w", services.ErrConcurrentModification),
			wantStatus: http.StatusConflict,
			wantKind:   "conflict",
		},
		{
			name:       "approval already decided",
			err:        fmt.Errorf("approval ap-1 is APPROVED: %w", approval.ErrAlreadyDecided),
			wantStatus: http.StatusConflict,
			wantKind:   "already-decided",
		},
		{
			name:       "approval expired",
			err:        fmt.Errorf("approval ap-1: %w", approval.ErrExpired),
			wantStatus: http.StatusConflict,
			wantKind:   "expired",
		},
		{
			name:       "invalid decision",
			err:        fmt.Errorf("%w: MAYBE", approval.ErrInvalidDecision),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid-input",
		},
		{
			name:       "invalid lifecycle transition",
			err:        &lifecycle.InvalidTransitionError{AgentID: "a1", From: lifecycle.StateReady, To: lifecycle.StateBooting},
			wantStatus: http.StatusConflict,
			wantKind:   "invalid-transition",
		},
		{
			name:       "invalid input sentinel",
			err:        fmt.Errorf("bad payload: %w", services.ErrInvalidInput),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid-input",
		},
		{
			name:       "unclassified error",
			err:        errors.New("pq: connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "internal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)

			respondError(c, tt.err)

			require.Equal(t, tt.wantStatus, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, "urn:warden:error:"+tt.wantKind, p.Type)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.NotEmpty(t, p.Title)
		})
	}
}

// Internal failures must not leak their cause to clients.
func TestRespondErrorHidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.ReleaseMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)

	respondError(c, errors.New("dial tcp 10.0.0.3:5432: connection refused"))

	p := decodeProblem(t, rec)
	assert.Equal(t, "internal server error", p.Detail)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}
