package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// operatorAuth guards the mutating operator endpoints. Two credentials are
// accepted: the static OPERATOR_TOKEN, or an HS256 JWT signed with JWT_SECRET.
// With neither configured the endpoints are open, for local runs.
type operatorAuth struct {
	staticToken string
	jwtSecret   []byte
}

func newOperatorAuth(staticToken, jwtSecret string) *operatorAuth {
	return &operatorAuth{staticToken: staticToken, jwtSecret: []byte(jwtSecret)}
}

func (a *operatorAuth) enabled() bool {
	return a.staticToken != "" || len(a.jwtSecret) > 0
}

func (a *operatorAuth) authorize(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return fmt.Errorf("missing Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return fmt.Errorf("empty bearer token")
	}

	if a.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.staticToken)) == 1 {
		return nil
	}

	if len(a.jwtSecret) > 0 {
		parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.jwtSecret, nil
		})
		if err == nil && parsed.Valid {
			return nil
		}
	}

	return fmt.Errorf("invalid credentials")
}

// requireOperator wraps a handler with operator authentication.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.enabled() {
			if err := s.auth.authorize(r); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
		}
		next(w, r)
	}
}
