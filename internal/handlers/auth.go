package handlers

import (
	"net/http"

	"github.com/benvon/liftlog/internal/middleware"
	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/benvon/liftlog/internal/request"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SessionCheckPolicy is the catalog policy guarding the session endpoints.
const SessionCheckPolicy = "auth:check"

// AuthHandler answers session checks for the frontend
type AuthHandler struct {
	resolver *request.Resolver
	guard    *middleware.RateLimitGuard
	policy   ratelimit.Policy
	logger   *zap.Logger
}

// SessionStatus is returned by the verify endpoint.
type SessionStatus struct {
	Authenticated bool   `json:"authenticated"`
	PrincipalID   string `json:"principalId,omitempty"`
}

// NewAuthHandler creates a new auth handler. Routes are limited by policy.
func NewAuthHandler(resolver *request.Resolver, guard *middleware.RateLimitGuard, policy ratelimit.Policy, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{resolver: resolver, guard: guard, policy: policy, logger: logger}
}

// RegisterRoutes registers auth routes on the given router
// The router should already have the /api/auth prefix
func (h *AuthHandler) RegisterRoutes(r *mux.Router) {
	limited := h.guard.Policy(h.policy)
	r.Handle("/verify", limited(http.HandlerFunc(h.Verify))).Methods("GET")
	r.Handle("/me", limited(middleware.RequireSession(h.resolver, h.logger)(http.HandlerFunc(h.GetMe)))).Methods("GET")
}

// Verify reports whether the caller holds a valid session. It never fails for
// anonymous callers.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := request.IdentityFromContext(r)
	if !ok {
		id = h.resolver.Resolve(r)
	}
	respondJSON(w, http.StatusOK, SessionStatus{
		Authenticated: id.Authenticated,
		PrincipalID:   id.PrincipalID,
	})
}

// GetMe returns the verified principal
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := request.IdentityFromContext(r)
	if !ok || !id.Authenticated {
		respondJSONError(w, http.StatusUnauthorized, "Unauthorized", "No verified session")
		return
	}
	respondJSON(w, http.StatusOK, SessionStatus{Authenticated: true, PrincipalID: id.PrincipalID})
}
