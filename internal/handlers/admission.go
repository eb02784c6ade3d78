package handlers

import (
	"net/http"
	"strconv"

	"github.com/benvon/liftlog/internal/middleware"
	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/benvon/liftlog/internal/request"
	"github.com/gorilla/mux"
)

// AdmissionHandler lets a fronting service ask, before doing the work, whether
// a client may make a request under a catalog policy. The fronting service
// forwards the client's headers and session cookie; the request is counted
// exactly as if the policy wrapped the real endpoint.
type AdmissionHandler struct {
	guard    *middleware.RateLimitGuard
	policies []ratelimit.Policy
}

// AdmissionResult is returned when the request is admitted. Rejections use the
// 429 body of the rate limit middleware.
type AdmissionResult struct {
	Policy        string `json:"policy"`
	Admitted      bool   `json:"admitted"`
	Authenticated bool   `json:"authenticated"`
	// Remaining is absent when the policy is not enforced in this environment.
	Remaining *int `json:"remaining,omitempty"`
}

// NewAdmissionHandler creates a handler serving every policy in catalog.
func NewAdmissionHandler(guard *middleware.RateLimitGuard, catalog *ratelimit.Catalog) *AdmissionHandler {
	return &AdmissionHandler{guard: guard, policies: catalog.Policies()}
}

// RegisterRoutes mounts POST /{policy} for each policy.
// The router should already have the /api/admit prefix
func (h *AdmissionHandler) RegisterRoutes(r *mux.Router) {
	for _, p := range h.policies {
		r.Handle("/"+p.Name, h.guard.Policy(p)(h.admit(p.Name))).Methods("POST")
	}
}

func (h *AdmissionHandler) admit(policy string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := AdmissionResult{Policy: policy, Admitted: true}
		if id, ok := request.IdentityFromContext(r); ok {
			result.Authenticated = id.Authenticated
		}
		if v := w.Header().Get("X-RateLimit-Remaining"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				result.Remaining = &n
			}
		}
		respondJSON(w, http.StatusOK, result)
	})
}
