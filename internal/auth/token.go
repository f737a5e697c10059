// Package auth verifies the bearer tokens that carry student and school
// identities. Issuing tokens in production belongs to the session service;
// Issue exists for operators and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is what a token holder may do.
type Role string

const (
	RoleStudent Role = "student"
	RoleSchool  Role = "school"
)

const bearerPrefix = "Bearer "

var (
	ErrEmptySecret         = errors.New("token secret cannot be empty")
	ErrAuthHeaderEmpty     = errors.New("authorization header is required")
	ErrAuthHeaderMalformed = errors.New("authorization header must be a bearer token")
	ErrInvalidToken        = errors.New("invalid token")
	ErrUnknownRole         = errors.New("unknown role")
	ErrMissingSubject      = errors.New("token has no student id")
)

// Claims is the payload of a service token.
type Claims struct {
	StudentID string `json:"student_id"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager. A nil now uses time.Now.
func NewManager(secret, issuer string, ttl time.Duration, now func() time.Time) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	if now == nil {
		now = time.Now
	}

	return &Manager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now}, nil
}

// Issue signs a token for subject with role.
func (m *Manager) Issue(subject string, role Role) (string, error) {
	if role != RoleStudent && role != RoleSchool {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	now := m.now()
	claims := Claims{
		StudentID: subject,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a token string.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}

	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Role != RoleStudent && claims.Role != RoleSchool {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}

	if claims.Role == RoleStudent && claims.StudentID == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrAuthHeaderEmpty
	}

	token, found := strings.CutPrefix(header, bearerPrefix)
	if !found || token == "" {
		return "", ErrAuthHeaderMalformed
	}

	return token, nil
}

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)

	return claims, ok && claims != nil
}
