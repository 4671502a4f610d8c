package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Claims is the signed payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// UserID parses the subject claim.
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// TokenSigner signs and verifies stateless session tokens.
type TokenSigner interface {
	Sign(userID int64, email, role string) (token string, claims *Claims, err error)
	Verify(token string) (*Claims, error)
}

// JWTSigner implements TokenSigner with HS256.
type JWTSigner struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  shared.Clock
}

// NewJWTSigner builds a signer. The secret must be at least 32 bytes.
func NewJWTSigner(secret string, ttl time.Duration, issuer string, clock shared.Clock) (*JWTSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("security: token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("security: token ttl must be positive")
	}
	return &JWTSigner{secret: []byte(secret), ttl: ttl, issuer: issuer, clock: clock}, nil
}

// Sign issues a token for the user with a fresh id and the configured lifetime.
func (s *JWTSigner) Sign(userID int64, email, role string) (string, *Claims, error) {
	now := s.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
		Role:  role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("security: sign token: %w", err)
	}
	return token, claims, nil
}

// Verify validates signature, algorithm, issuer and expiry.
func (s *JWTSigner) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
		// jwt treats now == exp as expired; the instant of expiry is still valid here.
		jwt.WithLeeway(time.Nanosecond),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, shared.ErrExpiredToken
		}
		return nil, shared.ErrInvalidToken
	}
	if !parsed.Valid || claims.ID == "" {
		return nil, shared.ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, shared.ErrInvalidToken
	}
	return claims, nil
}

var _ TokenSigner = (*JWTSigner)(nil)
