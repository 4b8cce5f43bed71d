// Package auth extracts authenticated session identity from inbound requests
// and exposes the freshness predicates consumed by transition guards.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing authenticated session information.
type contextKey string

const contextKeyClaims contextKey = "session_claims"

// Role represents an authorized persona within the exchange system.
type Role string

// Supported roles.
const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
	RoleSystem      Role = "system"
)

var allowedRoles = map[Role]struct{}{
	RoleParticipant: {},
	RoleAdmin:       {},
	RoleSystem:      {},
}

var (
	// ErrMissingToken indicates no bearer token was supplied.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken indicates signature or claim validation failed.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrNoClaims indicates the context carries no authenticated session.
	ErrNoClaims = errors.New("auth: no claims in context")
)

// Claims represents identity data extracted from the inbound session token.
type Claims struct {
	Subject          uuid.UUID
	Role             Role
	SessionStartedAt time.Time
	OTPVerifiedAt    *time.Time
}

// SessionAge returns how long ago the session was established.
func (c Claims) SessionAge(now time.Time) time.Duration {
	return now.Sub(c.SessionStartedAt)
}

// FreshSession reports whether the session age is below the ceiling.
func (c Claims) FreshSession(now time.Time, ceiling time.Duration) bool {
	if c.Role == RoleSystem {
		return true
	}
	return c.SessionAge(now) <= ceiling
}

// FreshOTP reports whether a one-time code was verified within the window.
func (c Claims) FreshOTP(now time.Time, window time.Duration) bool {
	if c.OTPVerifiedAt == nil {
		return false
	}
	return now.Sub(*c.OTPVerifiedAt) <= window
}

// SystemClaims returns the synthetic identity used by scheduled jobs and
// saga-internal calls.
func SystemClaims() Claims {
	return Claims{Subject: uuid.Nil, Role: RoleSystem, SessionStartedAt: time.Unix(0, 0)}
}

// Verifier validates session tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// VerifierConfig bundles verifier construction inputs.
type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Now      func() time.Time
}

// NewVerifier constructs an HS256 session verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		now:      now,
	}, nil
}

// Parse validates the raw token and extracts session claims.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	subject, err := mapClaims.GetSubject()
	if err != nil {
		return nil, ErrInvalidToken
	}
	subjectID, err := uuid.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	role := Role(strings.ToLower(strings.TrimSpace(stringClaim(mapClaims, "role"))))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	sessionStart := unixClaim(mapClaims, "session_started_at")
	if sessionStart.IsZero() {
		return nil, fmt.Errorf("%w: session_started_at claim required", ErrInvalidToken)
	}
	claims := &Claims{
		Subject:          subjectID,
		Role:             role,
		SessionStartedAt: sessionStart,
	}
	if otp := unixClaim(mapClaims, "otp_verified_at"); !otp.IsZero() {
		claims.OTPVerifiedAt = &otp
	}
	return claims, nil
}

// Authenticate is the HTTP middleware attaching session claims to the context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole rejects requests whose session does not carry one of the roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims returns a context carrying the session claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts session claims stored by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, ErrNoClaims
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func unixClaim(claims jwt.MapClaims, key string) time.Time {
	switch v := claims[key].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
