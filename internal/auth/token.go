package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"whatsapp-gateway/internal/model"
)

// ErrInvalidToken covers expired, malformed, and badly signed tokens alike;
// callers get no hint which.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenIssuer mints and verifies stateless HS256 session tokens carrying
// the verified phone and role.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token and its expiry.
func (t *TokenIssuer) Issue(identity model.Identity) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.ttl)

	claims := jwt.MapClaims{
		"sub":  identity.Phone,
		"role": identity.Role,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (t *TokenIssuer) Verify(tokenString string) (model.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return model.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.Identity{}, ErrInvalidToken
	}
	phone, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if phone == "" || role == "" {
		return model.Identity{}, ErrInvalidToken
	}

	return model.Identity{Phone: phone, Role: role}, nil
}
