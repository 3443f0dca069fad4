package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// DenyFunc writes the response for a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, status int)

// RequireUser rejects requests without a valid token and stores the identity
// on the request context.
func RequireUser(v *TokenVerifier, deny DenyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.FromRequest(r)
			if err != nil {
				logger.Debug("Rejected unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
				deny(w, r, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after RequireUser.
func RequireAdmin(a *Authorizer, deny DenyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				deny(w, r, http.StatusUnauthorized)
				return
			}
			if !a.IsAdmin(id.UserID) {
				logger.Warn("Non-admin tried an admin endpoint", zap.String("user_id", id.UserID), zap.String("path", r.URL.Path))
				deny(w, r, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
