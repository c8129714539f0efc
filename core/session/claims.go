package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtExpiry peeks the exp claim of a signed JWT without verifying it. The
// session row's expires_at must equal the token's own exp, so the token is
// the authoritative source, not the TTL arithmetic around it. Returns nil
// for non-JWT tokens or tokens without exp.
func jwtExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
