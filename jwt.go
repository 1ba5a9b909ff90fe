package dfdb

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims the client cares about in a bearer token. The
// token is never verified client-side; the server is the authority.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}
	if subject, err := claims.GetSubject(); err == nil {
		tokenClaims.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		tokenClaims.ExpiresAt = expiresAt.Time
	}
	return tokenClaims, nil
}

func (self *TokenClaims) Expired() bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return self.ExpiresAt.Before(time.Now())
}
