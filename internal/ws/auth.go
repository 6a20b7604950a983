package ws

import (
	"net/http"
	"strings"

	"go_fleet/internal/auth"
)

// extractToken reads the JWT from the token query parameter or a Bearer header
func extractToken(r *http.Request) string {
	// Socket.IO clients send { auth: { token } } as ?token= on the handshake
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// WrapWithAuth rejects Socket.IO handshakes that carry no valid operator token
func (s *Server) WrapWithAuth(verifier *auth.Verifier) http.Handler {
	return s.withAuth(verifier, s.io)
}

func (s *Server) withAuth(verifier *auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/socket.io/") {
			token := extractToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := verifier.Parse(token)
			if err != nil {
				s.logger.Warnf("Handshake rejected from %s: %v", r.RemoteAddr, err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			s.logger.Debugf("Handshake accepted: operator=%s", claims.Operator)
		}
		next.ServeHTTP(w, r)
	})
}
