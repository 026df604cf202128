package mapping

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CheckCredential rejects a JWT session token whose exp claim has passed (or passes within
// skew). The signature is not verified; the service does that. Opaque tokens and tokens
// without exp are accepted as-is.
func CheckCredential(token string, now time.Time, skew time.Duration) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Add(skew).Before(exp.Time) {
		return fmt.Errorf("%w (expired at %s)", ErrCredentialExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
