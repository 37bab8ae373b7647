// Package auth validates the tokens clients present when joining a room.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tubesync/tubesync/internal/envelope"
)

var (
	// ErrInvalidToken is returned for any token that fails validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrMissingToken is returned when a validator requires a token and
	// none was given.
	ErrMissingToken = errors.New("auth: missing token")
)

// Validator decides whether client may join room with token.
type Validator interface {
	Validate(ctx context.Context, token string, room envelope.RoomName, client envelope.ClientID) error
}

// AllowAll accepts every token, including the empty one.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string, envelope.RoomName, envelope.ClientID) error {
	return nil
}

// Claims are the JWT claims a join token carries. Room, when set, limits
// the token to that room.
type Claims struct {
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures a JWTValidator.
type JWTConfig struct {
	Secret []byte
	Issuer string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// JWTValidator accepts HMAC-signed JWTs.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator returns a validator for tokens signed with cfg.Secret.
func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTValidator{secret: cfg.Secret, parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTValidator) Validate(_ context.Context, token string, room envelope.RoomName, _ envelope.ClientID) error {
	if token == "" {
		return ErrMissingToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Room != "" && envelope.NormalizeRoomName(claims.Room) != room {
		return fmt.Errorf("%w: token is for room %q", ErrInvalidToken, claims.Room)
	}
	return nil
}

// SignToken issues a token for subject, optionally limited to room. Used
// by operators and tests.
func SignToken(secret []byte, issuer, subject string, room envelope.RoomName, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Room: string(room),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
