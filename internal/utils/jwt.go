// Package utils issues access tokens for local development and tests.
// Production tokens come from the identity provider and are only verified
// by this service.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is a signed JWT and its expiry.
type AccessToken struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"expires_at"`
}

// NewAccessToken signs an HS256 token for actor. orgID may be empty for a
// personal token.
func NewAccessToken(secret, actor, orgID, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("signing secret is empty")
	}
	if actor == "" {
		return AccessToken{}, errors.New("actor is required")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": actor,
		"exp": exp.Unix(),
		"iat": now.Unix(),
	}
	if orgID != "" {
		claims["org_id"] = orgID
	}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
