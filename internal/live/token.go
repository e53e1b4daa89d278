package live

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/formachat/internal/chat"
)

// checkToken rejects empty tokens and JWTs whose exp claim has passed. The
// signature is not verified; opaque non-JWT tokens are passed through.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return &chat.RequestError{Kind: chat.ErrUnauthorized, Op: "connect", Message: "no session token"}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return &chat.RequestError{Kind: chat.ErrUnauthorized, Op: "connect", Message: "session token expired"}
	}
	return nil
}
