package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/seantiz/shipwright/internal/pipeline"
)

// authenticate compares got to the configured secret in constant time and
// returns pipeline.ErrUnauthorized on mismatch. An empty configured secret
// matches nothing.
func (s *Server) authenticate(got string) error {
	if s.secret == "" || got == "" {
		return pipeline.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		return pipeline.ErrUnauthorized
	}
	return nil
}

// requireSecret rejects requests whose Authorization header does not carry
// the shared secret as a bearer token.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = ""
		}
		if err := s.authenticate(strings.TrimSpace(token)); err != nil {
			authFailuresTotal.WithLabelValues("/v1").Inc()
			s.writeError(w, http.StatusForbidden, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
