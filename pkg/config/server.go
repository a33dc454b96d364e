package config

import "time"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the API server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout is the max time to wait for in-flight requests
	// during graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:        ":8080",
		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Role is the coarse authorization level attached to a principal.
type Role string

const (
	// RoleViewer can read agents, jobs, approvals, and streams
	RoleViewer Role = "viewer"
	// RoleOperator can additionally mutate agents and jobs
	RoleOperator Role = "operator"
	// RoleApprover can additionally decide approval requests
	RoleApprover Role = "approver"
)

// IsValid checks if the role is valid
func (r Role) IsValid() bool {
	return r == RoleViewer || r == RoleOperator || r == RoleApprover
}

// APIKeyConfig binds one bearer API key to a principal identity.
// Keys are supplied through env expansion ({{.WARDEN_API_KEY_OPS}}), never
// committed in plaintext.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Role   Role   `yaml:"role"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	// APIKeys maps bearer keys to principals.
	APIKeys []APIKeyConfig `yaml:"api_keys"`

	// SessionHeader optionally names a trusted reverse-proxy header carrying
	// the session user id (cookie-based auth terminates upstream).
	SessionHeader string `yaml:"session_header"`

	// SessionRole is the role granted to session-header principals.
	SessionRole Role `yaml:"session_role"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		SessionHeader: "X-Forwarded-User",
		SessionRole:   RoleViewer,
	}
}
