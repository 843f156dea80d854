// Package session provides the local collaborator identity and the handshake
// credential presented to the relay.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const Audience = "pagerelay"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// Session is the identity of the local collaborator.
type Session struct {
	UserID   string
	UserName string
	Token    string
}

// Anonymous returns a session with a random user id and no credential.
func Anonymous(name string) Session {
	id := "user-" + uuid.NewString()
	if strings.TrimSpace(name) == "" {
		name = id
	}
	return Session{UserID: id, UserName: name}
}

func (s Session) HasCredential() bool {
	return strings.TrimSpace(s.Token) != ""
}

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID. Used by the relay's development mode and
// by tests; production deployments mint tokens elsewhere.
func IssueToken(secret, userID, userName string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("issue token: secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("issue token: user id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		Name: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken validates signature, audience and expiry and returns the session the
// token describes. The returned session carries the raw token.
func VerifyToken(secret, raw string) (Session, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Session{}, ErrMissingToken
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Session{}, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Session{UserID: claims.Subject, UserName: name, Token: raw}, nil
}

// FromToken reads the identity carried by a token without verifying it. Clients
// do not hold the signing secret; the relay verifies on connect.
func FromToken(raw string) (Session, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Session{}, ErrMissingToken
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Session{}, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Session{UserID: claims.Subject, UserName: name, Token: raw}, nil
}
