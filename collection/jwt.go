package collection

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the claims of a bearer token the driver and the push feed send.
// the server verifies the token; clients only read it
type ByJwt struct {
	Subject   string
	ExpiresAt time.Time
	Claims    map[string]any
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{
		Claims: map[string]any(claims),
	}

	if subject, err := claims.GetSubject(); err == nil {
		byJwt.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}

	return byJwt, nil
}

// a token without an expiration never expires
func (self *ByJwt) Expired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt)
}
