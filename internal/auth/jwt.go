// Package auth validates the bearer tokens that carry a caller's identity.
// Tokens are HS256 JWTs whose subject is the enrolled identity ID; the
// attendance endpoints trust that subject once the signature checks out.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RoleAdmin grants access to period-wide attendance reports.
const RoleAdmin = "admin"

// AccessTokenExpiry is the lifetime of tokens minted by GenerateAccessToken.
const AccessTokenExpiry = 15 * time.Minute

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")

	// ErrWrongTokenType is returned when a non-access token is presented.
	ErrWrongTokenType = errors.New("token is not an access token")

	// ErrEmptyIdentityID is returned when minting a token without a subject.
	ErrEmptyIdentityID = errors.New("identityID cannot be empty")
)

// Claims represents the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"` // Token type: "access" or "refresh"
	Role string `json:"role,omitempty"`
}

// IdentityID returns the identity the token was issued to.
func (c *Claims) IdentityID() string {
	return c.Subject
}

// Config configures a JWTService.
type Config struct {
	// Secret signs new tokens and validates presented ones.
	Secret string
	// PreviousSecret, when set, is also accepted during validation so the
	// signing key can rotate without invalidating live tokens.
	PreviousSecret string
	// Leeway tolerates clock skew on exp/nbf; DefaultLeeway when zero.
	// Use a negative value to disable leeway entirely.
	Leeway time.Duration
	// Issuer, when set, is stamped on minted tokens and required on validation.
	Issuer string
}

// JWTService handles JWT token operations.
type JWTService struct {
	secrets [][]byte
	leeway  time.Duration
	issuer  string
	now     func() time.Time
}

// NewJWTService creates a new JWTService from cfg.
func NewJWTService(cfg Config) *JWTService {
	leeway := cfg.Leeway
	switch {
	case leeway == 0:
		leeway = DefaultLeeway
	case leeway < 0:
		leeway = 0
	}

	secrets := [][]byte{[]byte(cfg.Secret)}
	if cfg.PreviousSecret != "" {
		secrets = append(secrets, []byte(cfg.PreviousSecret))
	}

	return &JWTService{
		secrets: secrets,
		leeway:  leeway,
		issuer:  cfg.Issuer,
		now:     time.Now,
	}
}

// GenerateAccessToken mints an access token for identityID, signed with the current secret.
// The API never issues tokens to clients; this serves operators and tests.
func (s *JWTService) GenerateAccessToken(identityID string) (string, error) {
	return s.GenerateRoleToken(identityID, "")
}

// GenerateRoleToken mints an access token carrying role.
func (s *JWTService) GenerateRoleToken(identityID, role string) (string, error) {
	if identityID == "" {
		return "", ErrEmptyIdentityID
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Type: TokenTypeAccess,
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secrets[0])
}

// ValidateToken parses and validates a JWT, returning its claims if valid.
// The current secret is tried first, then the previous one.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(s.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var lastErr error
	for _, secret := range s.secrets {
		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, opts...)
		if err == nil {
			if claims, ok := token.Claims.(*Claims); ok && token.Valid {
				return claims, nil
			}
			return nil, ErrInvalidToken
		}
		lastErr = err
		// An expired token signed with this key will not verify under the other.
		if errors.Is(err, jwt.ErrTokenExpired) {
			break
		}
	}

	if errors.Is(lastErr, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken validates tokenString and requires an access token with a subject.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	if claims.IdentityID() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
