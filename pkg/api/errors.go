package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/approval"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/services"
)

const problemContentType = "application/problem+json"

// Problem kinds; the wire form is "urn:warden:error:<kind>". Clients
// classify errors by this URN, not by the human-readable detail.
const (
	kindUnauthenticated   = "unauthenticated"
	kindPermissionDenied  = "permission-denied"
	kindNotFound          = "not-found"
	kindInvalidInput      = "invalid-input"
	kindConflict          = "conflict"
	kindAlreadyDecided    = "already-decided"
	kindExpired           = "expired"
	kindInvalidTransition = "invalid-transition"
	kindInternal          = "internal"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// problemTitles maps kinds to their stable titles.
var problemTitles = map[string]string{
	kindUnauthenticated:   "Unauthenticated",
	kindPermissionDenied:  "Permission Denied",
	kindNotFound:          "Not Found",
	kindInvalidInput:      "Invalid Input",
	kindConflict:          "Conflict",
	kindAlreadyDecided:    "Approval Already Decided",
	kindExpired:           "Approval Expired",
	kindInvalidTransition: "Invalid Lifecycle Transition",
	kindInternal:          "Internal Server Error",
}

func writeProblem(c *gin.Context, status int, kind, detail string) {
	p := Problem{
		Type:   "urn:warden:error:" + kind,
		Title:  problemTitles[kind],
		Status: status,
		Detail: detail,
	}
	body, err := json.Marshal(p)
	if err != nil {
		c.Data(http.StatusInternalServerError, problemContentType,
			[]byte(`{"type":"urn:warden:error:internal","title":"Internal Server Error","status":500}`))
		return
	}
	c.Data(status, problemContentType, body)
}

// abortProblem writes the problem body and stops the handler chain; used
// from middleware.
func abortProblem(c *gin.Context, status int, kind, detail string) {
	writeProblem(c, status, kind, detail)
	c.Abort()
}

// respondError maps service-layer errors onto problem+json responses.
func respondError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, validErr.Error())
		return
	}
	var transErr *lifecycle.InvalidTransitionError
	if errors.As(err, &transErr) {
		writeProblem(c, http.StatusConflict, kindInvalidTransition, transErr.Error())
		return
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeProblem(c, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeProblem(c, http.StatusConflict, kindAlreadyDecided, err.Error())
	case errors.Is(err, approval.ErrExpired):
		writeProblem(c, http.StatusConflict, kindExpired, err.Error())
	case errors.Is(err, approval.ErrInvalidDecision):
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, err.Error())
	case errors.Is(err, services.ErrAlreadyExists),
		errors.Is(err, services.ErrConflict),
		errors.Is(err, services.ErrConcurrentModification):
		writeProblem(c, http.StatusConflict, kindConflict, err.Error())
	case errors.Is(err, services.ErrInvalidInput):
		writeProblem(c, http.StatusBadRequest, kindInvalidInput, err.Error())
	default:
		slog.Error("Unexpected service error",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		writeProblem(c, http.StatusInternalServerError, kindInternal, "internal server error")
	}
}
