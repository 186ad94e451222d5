package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomhq/loom/internal/id"
)

// Claims is the JWT payload the gateway accepts.
type Claims struct {
	SessionID string `json:"session_id"`
	UserType  string `json:"user_type"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// parseToken validates an HS256 bearer token and returns its claims.
func parseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return claims, nil
}

// withAuth authenticates the request and attaches a RequestContext to its
// context. The trace id comes from the caller when present, so traces span
// service hops.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")
		claims, err := parseToken(s.jwtSecret, raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		rc := id.RequestContext{
			SessionID: id.SessionID(claims.SessionID),
			TraceID:   id.TraceID(r.Header.Get(id.HeaderTraceID)),
			UserID:    id.UserID(claims.Subject),
			UserType:  claims.UserType,
			AuthToken: raw,
			ClientID:  r.Header.Get(id.HeaderClientID),
		}
		if rc.SessionID == "" {
			rc.SessionID = id.NewSessionID()
		}
		if rc.TraceID == "" {
			rc.TraceID = id.NewTraceID()
		}
		if rc.UserType == "" {
			rc.UserType = "user"
		}

		next(w, r.WithContext(rc.Into(r.Context())))
	}
}
