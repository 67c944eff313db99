package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// SessionLength is how long an api session token is good for, in seconds.
const SessionLength = 86400 * 2

// Create a JSON web token for API clients that shouldn't carry their API key
// around. The `name` parameter is the user this session is for, `id` is just
// a unique identifier for the session, `length` is the number of seconds from
// now the session should be valid for, and `secret` is a key used to
// cryptographically sign the token to ensure the integrity of the claims.
func CreateSessionToken(name, id string, length int64, secret []byte) (string, error) {
	if name == "" {
		return "", fmt.Errorf("can't create session token: no user")
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("can't create session token: empty secret")
	}
	now := time.Now().Unix()
	claims := jwt.StandardClaims{
		ExpiresAt: now + length,
		Id:        id,
		IssuedAt:  now,
		Subject:   name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(secret)
	if err != nil {
		return "", err
	}
	return ss, nil
}

// Ensure the JWT is valid and return the user name it was issued to
// 1. Crypto signature matches
// 2. Token is not yet expired
func ValidateSessionToken(token string, secret []byte) (string, error) {
	claims := &jwt.StandardClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("unable to parse session token: %v", err)
	}
	if !t.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.Subject, nil
}
