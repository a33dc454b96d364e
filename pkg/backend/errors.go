package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/codeready-toolchain/warden/pkg/models"
)

// ErrNoBackendAvailable is returned by routing when no candidate can
// serve a task, either because none matches its requirements or because
// every matching provider's circuit is open.
var ErrNoBackendAvailable = errors.New("no execution backend available")

// ErrDuplicateProvider is returned when registering an already
// registered provider ID.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrProviderNotRegistered is returned when acting on an unknown
// provider ID.
var ErrProviderNotRegistered = errors.New("provider not registered")

// TaskError is a classified task failure. The classification drives
// retry decisions and circuit breaker accounting.
type TaskError struct {
	Classification models.ErrorClassification `json:"classification"`
	Message        string                     `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Classification, e.Message)
}

// NewTaskError builds a classified task error.
func NewTaskError(class models.ErrorClassification, format string, args ...any) *TaskError {
	return &TaskError{Classification: class, Message: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure worth retrying.
func TransientError(format string, args ...any) *TaskError {
	return NewTaskError(models.ClassificationTransient, format, args...)
}

// PermanentError marks a failure that retries cannot fix.
func PermanentError(format string, args ...any) *TaskError {
	return NewTaskError(models.ClassificationPermanent, format, args...)
}

// ConfigurationError marks an operator mistake such as a missing API key.
func ConfigurationError(format string, args ...any) *TaskError {
	return NewTaskError(models.ClassificationConfiguration, format, args...)
}

// CancelledError is used as the cancel cause when a handle is cancelled,
// carrying the caller's reason into the task result.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return "task cancelled: " + e.Reason
}

// Classify maps an arbitrary error to a failure classification. Typed
// task errors keep their own class; deadline expiry and unrecognized
// errors count as transient so they trip breakers and retry.
func Classify(err error) models.ErrorClassification {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Classification
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return models.ClassificationPermanent
	}
	if errors.Is(err, context.Canceled) {
		return models.ClassificationPermanent
	}
	return models.ClassificationTransient
}

// ClassifyHTTPStatus maps a provider HTTP status to a classification:
// rate limits, request timeouts, and server errors are transient;
// everything else in the 4xx range is permanent.
func ClassifyHTTPStatus(code int) models.ErrorClassification {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return models.ClassificationTransient
	case code >= 500:
		return models.ClassificationTransient
	default:
		return models.ClassificationPermanent
	}
}
