package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates bearer tokens as signed JWTs, extracting the
// client id from a configurable claim (default "sub"). API keys are
// never accepted by this validator; ValidateAPIKey always fails.
type JWTValidator struct {
	secret    []byte
	claimName string
}

// NewJWTValidator creates a JWTValidator verifying HMAC-signed tokens
// (HS256, HS384 or HS512) with secret. claimName defaults to "sub" when empty.
func NewJWTValidator(secret []byte, claimName string) *JWTValidator {
	if claimName == "" {
		claimName = "sub"
	}
	return &JWTValidator{secret: secret, claimName: claimName}
}

func (v *JWTValidator) ValidateAPIKey(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (v *JWTValidator) ValidateBearerToken(_ context.Context, token string) (string, bool, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", false, nil
		}
		return "", false, nil
	}
	if !parsed.Valid {
		return "", false, nil
	}

	clientID, ok := claims[v.claimName].(string)
	if !ok || clientID == "" {
		return "", false, nil
	}
	return clientID, true, nil
}
