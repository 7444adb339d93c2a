package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// agentAuthMiddleware validates the X-API-Key header agents send with every
// submission. The key is checked against a bcrypt hash so the plaintext never
// lives in server config. With no hash configured the middleware runs in
// grace period mode: it logs what it would reject but lets requests through.
func (s *Server) agentAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enforced := s.agentKeyHash != ""
			apiKey := r.Header.Get("X-API-Key")

			if apiKey == "" {
				if enforced {
					s.logger.Warn("agent auth failed: missing API key",
						"path", r.URL.Path,
					)
					http.Error(w, "unauthorized: missing API key", http.StatusUnauthorized)
					return
				}
				// Grace period: log but allow
				s.logger.Debug("agent auth: missing API key (grace period)",
					"path", r.URL.Path,
				)
				next.ServeHTTP(w, r)
				return
			}

			if !enforced {
				next.ServeHTTP(w, r)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(s.agentKeyHash), []byte(apiKey)); err != nil {
				s.logger.Warn("agent auth failed: invalid API key",
					"path", r.URL.Path,
				)
				http.Error(w, "unauthorized: invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// managementAuthMiddleware validates the Bearer token on management reads.
// Tokens are HS256 JWTs signed with the configured secret; issuance lives
// outside this service. With no secret configured the management API is open.
func (s *Server) managementAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(s.jwtSecret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized: missing bearer token", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return s.jwtSecret, nil
			})
			if err != nil || !token.Valid {
				s.logger.Warn("management auth failed: invalid token",
					"path", r.URL.Path,
					"error", err,
				)
				http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
