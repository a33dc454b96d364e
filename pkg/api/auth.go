package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// principalKey is the gin context key the auth middleware stores the
// resolved principal under.
const principalKey = "warden/principal"

// Principal is the authenticated identity attached to every request.
type Principal struct {
	UserID string
	Role   config.Role
}

// roleRank orders roles so a higher role implies the lower ones.
var roleRank = map[config.Role]int{
	config.RoleViewer:   1,
	config.RoleOperator: 2,
	config.RoleApprover: 3,
}

// Allows reports whether the principal's role covers the requirement.
func (p Principal) Allows(required config.Role) bool {
	return roleRank[p.Role] >= roleRank[required]
}

// authenticator resolves request credentials to principals. Bearer API
// keys take precedence; a trusted reverse-proxy session header is the
// fallback for cookie-terminated browser sessions.
type authenticator struct {
	keys          map[string]Principal
	sessionHeader string
	sessionRole   config.Role
}

func newAuthenticator(cfg *config.AuthConfig) *authenticator {
	if cfg == nil {
		cfg = config.DefaultAuthConfig()
	}
	a := &authenticator{
		keys:          make(map[string]Principal, len(cfg.APIKeys)),
		sessionHeader: cfg.SessionHeader,
		sessionRole:   cfg.SessionRole,
	}
	for _, k := range cfg.APIKeys {
		if k.Key == "" {
			continue
		}
		a.keys[k.Key] = Principal{UserID: k.UserID, Role: k.Role}
	}
	return a
}

// identify resolves the request to a principal. The bool is false for
// missing or unknown credentials.
func (a *authenticator) identify(r *http.Request) (Principal, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return Principal{}, false
		}
		p, ok := a.keys[token]
		return p, ok
	}
	if a.sessionHeader != "" {
		if user := r.Header.Get(a.sessionHeader); user != "" {
			return Principal{UserID: user, Role: a.sessionRole}, true
		}
	}
	return Principal{}, false
}

// authenticate resolves the principal or rejects with 401.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := s.auth.identify(c.Request)
		if !ok {
			abortProblem(c, http.StatusUnauthorized, kindUnauthenticated,
				"missing or invalid credentials")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// requireRole rejects principals below the required role with 403. Must
// run after authenticate.
func requireRole(required config.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := currentPrincipal(c)
		if !p.Allows(required) {
			abortProblem(c, http.StatusForbidden, kindPermissionDenied,
				"requires the "+string(required)+" role")
			return
		}
		c.Next()
	}
}

// currentPrincipal returns the principal the auth middleware resolved.
// The zero Principal (no role) comes back on unauthenticated routes.
func currentPrincipal(c *gin.Context) Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}
	}
	p, _ := v.(Principal)
	return p
}
