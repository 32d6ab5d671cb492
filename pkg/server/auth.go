package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/effektvakt/effektvakt/pkg/log"
)

// authMiddleware validates the Bearer ID token on every API request. With no
// audience or admin list configured the service assumes a trusted LAN and
// lets requests through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		r = r.WithContext(ctx)

		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if s.oidcVerifier == nil {
			writeJSONError(w, "authentication not configured", http.StatusUnauthorized)
			return
		}
		idToken, err := s.oidcVerifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse token claims", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if len(s.adminEmails) > 0 && !s.isAdmin(claims.Email) {
			log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", log.Sanitize(claims.Email)))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAdmin(email string) bool {
	for _, adminEmail := range s.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}
