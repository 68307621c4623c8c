package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const socketTokenIssuer = "consultd"

var (
	// ErrInvalidToken is returned for a socket token that fails verification.
	ErrInvalidToken = errors.New("invalid socket token")
	// ErrInvalidTokenConfig is returned when the signing key is missing.
	ErrInvalidTokenConfig = errors.New("invalid socket token config")
)

// Claims is the payload of a socket token.
type Claims struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and checks the short-lived tokens a client presents when it opens
// its socket.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns a configured token service.
func NewTokenService(secret string, expiresIn time.Duration, now func() time.Time) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidTokenConfig)
	}
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, now: now}, nil
}

// Issue signs a token for actorID.
func (service *TokenService) Issue(actorID string, role string) (string, time.Time, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", time.Time{}, fmt.Errorf("%w: actor id is required", ErrInvalidToken)
	}
	issuedAt := service.now().UTC()
	expiresAt := issuedAt.Add(service.expiresIn)
	claims := Claims{
		ActorID: actorID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    socketTokenIssuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(service.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate verifies a token and returns its claims.
func (service *TokenService) Validate(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return service.secret, nil
	}, jwt.WithIssuer(socketTokenIssuer), jwt.WithTimeFunc(service.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.ActorID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
