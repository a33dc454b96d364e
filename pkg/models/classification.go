package models

// ErrorClassification categorizes a task failure by how callers should
// react to it. Transient failures are retryable and count against
// circuit breakers; permanent and configuration failures do neither.
type ErrorClassification string

const (
	// ClassificationTransient marks retryable failures: rate limits,
	// 5xx responses, network errors, timeouts.
	ClassificationTransient ErrorClassification = "transient"
	// ClassificationPermanent marks non-retryable failures: bad
	// requests, invalid auth, malformed payloads.
	ClassificationPermanent ErrorClassification = "permanent"
	// ClassificationConfiguration marks operator errors discovered at
	// startup or registration: missing API keys, bad endpoints.
	ClassificationConfiguration ErrorClassification = "configuration"
)

// IsValid reports whether c is a known classification.
func (c ErrorClassification) IsValid() bool {
	switch c {
	case ClassificationTransient, ClassificationPermanent, ClassificationConfiguration:
		return true
	}
	return false
}

// Retryable reports whether a failure with this classification should
// be retried.
func (c ErrorClassification) Retryable() bool {
	return c == ClassificationTransient
}
