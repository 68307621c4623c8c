package walletrpc

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	authorizationHeader  = "authorization"
	bearerPrefix         = "Bearer "
	errorUnauthenticated = "unauthenticated"
)

// ErrInvalidAPIKeyHash is returned for a hash bcrypt cannot read.
var ErrInvalidAPIKeyHash = errors.New("invalid api key hash")

// APIKeyInterceptor admits calls whose bearer key matches the bcrypt hash.
func APIKeyInterceptor(hash string) (grpc.UnaryServerInterceptor, error) {
	hashed := []byte(strings.TrimSpace(hash))
	if _, err := bcrypt.Cost(hashed); err != nil {
		return nil, errors.Join(ErrInvalidAPIKeyHash, err)
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(authorizationHeader)
		if len(values) == 0 || !strings.HasPrefix(values[0], bearerPrefix) {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		key := strings.TrimPrefix(values[0], bearerPrefix)
		if bcrypt.CompareHashAndPassword(hashed, []byte(key)) != nil {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(ctx, request)
	}, nil
}

// WithAPIKey attaches key to outgoing calls.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+key)
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
