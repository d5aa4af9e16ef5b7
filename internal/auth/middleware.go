package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// Middleware rejects unauthenticated requests with 401 when auth is enabled.
// Credentials arrive as "Authorization: Bearer <jwt-or-api-key>"; WebSocket
// clients that cannot set headers may pass ?api_key= instead.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if header := r.Header.Get("Authorization"); header != "" {
			var err error
			if token, err = ExtractBearer(header); err != nil {
				unauthorized(w, "invalid authorization header")
				return
			}
		} else if q := r.URL.Query().Get("api_key"); q != "" {
			token = q
		}

		principal, err := a.Authenticate(token)
		if err != nil {
			a.logger.Debug("request rejected",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			unauthorized(w, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
