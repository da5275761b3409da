package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"podster/config"
	"podster/internal/domain/session"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

const (
	hostAudience  = "podster-host"
	guestAudience = "podster-guest"
)

// Principal is the verified identity behind a request or relay connection.
// For hosts Subject is the host id, for guests it is the session id.
type Principal struct {
	Role    Role
	Subject string
	Name    string
}

func (p Principal) IsHost() bool  { return p.Role == RoleHost }
func (p Principal) IsGuest() bool { return p.Role == RoleGuest }

type TokenClaims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type AuthService struct {
	hostSecret  []byte
	guestSecret []byte
	ttl         time.Duration
	now         func() time.Time
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		hostSecret:  []byte(cfg.HostJWTSecret),
		guestSecret: []byte(cfg.GuestJWTSecret),
		ttl:         cfg.TokenTTL(),
		now:         time.Now,
	}
}

func (s *AuthService) IssueHostToken(hostID string) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", fmt.Errorf("%w: host id is required", podster_errors.ErrInvalidInput)
	}
	return s.sign(RoleHost, hostID, "")
}

func (s *AuthService) IssueGuestToken(sessionID uuid.UUID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: guest name is required", podster_errors.ErrInvalidInput)
	}
	return s.sign(RoleGuest, sessionID.String(), name)
}

func (s *AuthService) sign(role Role, subject, name string) (string, error) {
	secret, audience, _ := s.domain(role)
	now := s.now()
	claims := TokenClaims{
		Role: string(role),
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *AuthService) domain(role Role) ([]byte, string, bool) {
	switch role {
	case RoleHost:
		return s.hostSecret, hostAudience, true
	case RoleGuest:
		return s.guestSecret, guestAudience, true
	}
	return nil, "", false
}

// Decode verifies tokenString once. The unverified role claim only selects
// the signing domain; a token carrying a role it was not signed for fails
// verification against that domain's key and audience.
func (s *AuthService) Decode(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, fmt.Errorf("%w: missing token", podster_errors.ErrAuthenticationFailed)
	}

	var peek TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &peek); err != nil {
		return Principal{}, fmt.Errorf("%w: malformed token", podster_errors.ErrAuthenticationFailed)
	}
	secret, audience, ok := s.domain(Role(peek.Role))
	if !ok {
		return Principal{}, fmt.Errorf("%w: unknown role", podster_errors.ErrAuthenticationFailed)
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", podster_errors.ErrAuthenticationFailed, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", podster_errors.ErrAuthenticationFailed)
	}

	return Principal{Role: Role(claims.Role), Subject: claims.Subject, Name: claims.Name}, nil
}

func (s *AuthService) AuthenticateHost(tokenString string) (Principal, error) {
	p, err := s.Decode(tokenString)
	if err != nil {
		return Principal{}, err
	}
	if !p.IsHost() {
		return Principal{}, fmt.Errorf("%w: host token required", podster_errors.ErrForbiddenRoleMismatch)
	}
	return p, nil
}

func (s *AuthService) AuthenticateGuest(tokenString string, sessionID uuid.UUID) (Principal, error) {
	p, err := s.Decode(tokenString)
	if err != nil {
		return Principal{}, err
	}
	if !p.IsGuest() {
		return Principal{}, fmt.Errorf("%w: guest token required", podster_errors.ErrForbiddenRoleMismatch)
	}
	if err := checkGuestScope(p, sessionID); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// AuthenticateAny accepts either role. Guest tokens must be scoped to
// sessionID; host ownership is checked against the session by AuthorizeSession.
func (s *AuthService) AuthenticateAny(tokenString string, sessionID uuid.UUID) (Principal, error) {
	p, err := s.Decode(tokenString)
	if err != nil {
		return Principal{}, err
	}
	if p.IsGuest() {
		if err := checkGuestScope(p, sessionID); err != nil {
			return Principal{}, err
		}
	}
	return p, nil
}

func checkGuestScope(p Principal, sessionID uuid.UUID) error {
	if p.Subject != sessionID.String() {
		return fmt.Errorf("%w: guest token is scoped to another session", podster_errors.ErrForbiddenRoleMismatch)
	}
	return nil
}

// AuthorizeSession applies the per-role subject rule against a loaded session.
func AuthorizeSession(p Principal, s *session.Session) error {
	switch p.Role {
	case RoleHost:
		if p.Subject != s.HostID {
			return fmt.Errorf("%w: host does not own session", podster_errors.ErrForbiddenRoleMismatch)
		}
	case RoleGuest:
		if p.Subject != s.ID.String() {
			return fmt.Errorf("%w: guest token is scoped to another session", podster_errors.ErrForbiddenRoleMismatch)
		}
	default:
		return podster_errors.ErrAuthenticationFailed
	}
	return nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx. The principal is set once per request or
// connection and never replaced.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return context.WithValue(ctx, logger.UserIdKey, string(p.Role)+":"+p.Subject)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
