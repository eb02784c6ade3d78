package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/benvon/liftlog/internal/request"
	"go.uber.org/zap"
)

// RequireSession rejects requests without a verified session. Identities
// already resolved by a dual rate limit wrapper are reused.
func RequireSession(resolver *request.Resolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := request.IdentityFromContext(r)
			if !ok || !id.Authenticated {
				id = resolver.Resolve(r)
			}
			if !id.Authenticated {
				respondError(w, http.StatusUnauthorized, "Invalid or expired session", logger)
				return
			}

			next.ServeHTTP(w, r.WithContext(request.WithIdentity(r.Context(), id)))
		})
	}
}

func respondError(w http.ResponseWriter, status int, message string, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"success": false,
		"error":   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil && logger != nil {
		logger.Error("failed_to_encode_error_response", zap.Error(err), zap.Int("status_code", status))
	}
}
