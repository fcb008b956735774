package rpc

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lightning-goats/cl-hive-sub002/rpc/auth"
)

// DefaultSessionTTL bounds how long an operator session token issued after
// passphrase unlock remains valid before the caller must unlock again.
const DefaultSessionTTL = 12 * time.Hour

// SessionIssuer mints and verifies short-lived operator session tokens. A
// session is obtained once by presenting the keystore passphrase (see
// Server.handleUnlock) and then carried as a bearer token on every
// subsequent call — the coordination core never re-derives the identity
// key from a passphrase sent over the wire on each request.
type SessionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewSessionIssuer builds an issuer signing with an HMAC secret, following
// the bearer-token scheme the wider example set uses for its own operator
// and partner gateways.
func NewSessionIssuer(secret []byte, issuer string, ttl time.Duration) *SessionIssuer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

func (s *SessionIssuer) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// Issue mints a token scoped to nodeID, the operator's own node identity.
func (s *SessionIssuer) Issue(nodeID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": nodeID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates tokenString, returning the subject node id.
func (s *SessionIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("rpc: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("rpc: invalid session token")
	}
	if s.issuer != "" {
		if iss, _ := claims["iss"].(string); iss != s.issuer {
			return "", errors.New("rpc: issuer mismatch")
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("rpc: session token missing subject")
	}
	return sub, nil
}

type sessionContextKey struct{}

// RequireSession wraps a handler so it only runs once a valid bearer token
// is present, storing the subject node id for handlers via SessionNodeID.
func (s *SessionIssuer) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		nodeID, err := s.Verify(token)
		if err != nil {
			http.Error(w, "invalid or expired session", http.StatusUnauthorized)
			return
		}
		ctx := contextWithSessionNodeID(r.Context(), nodeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireSessionOrAPIKey accepts either an interactive operator's bearer
// session token or a machine caller's HMAC-signed request (see
// rpc/auth), so one protected route serves both an operator's browser
// session and a fleet peer's own monitoring automation. api may be nil,
// in which case only bearer sessions are accepted.
func (s *SessionIssuer) RequireSessionOrAPIKey(api *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := bearerToken(r.Header.Get("Authorization")); token != "" {
				if nodeID, err := s.Verify(token); err == nil {
					next.ServeHTTP(w, r.WithContext(contextWithSessionNodeID(r.Context(), nodeID)))
					return
				}
			}
			if api != nil && r.Header.Get(auth.HeaderAPIKey) != "" {
				body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
				if err == nil {
					r.Body = io.NopCloser(strings.NewReader(string(body)))
					if principal, err := api.Authenticate(r, body); err == nil {
						next.ServeHTTP(w, r.WithContext(contextWithSessionNodeID(r.Context(), principal.APIKey)))
						return
					}
				}
			}
			http.Error(w, "missing or invalid credentials", http.StatusUnauthorized)
		})
	}
}
