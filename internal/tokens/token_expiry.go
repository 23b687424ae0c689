package tokens

import (
	"time"

	"github.com/golang-jwt/jwt"
)

// expiryFromAccessToken pulls the exp claim out of a JWT-shaped access
// token.  The signature is not verified - the token was just issued to
// us over TLS and we only need the expiry hint, never the claims for
// authorization.
func expiryFromAccessToken(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}

	if _, _, err := new(jwt.Parser).ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}

	return time.Unix(int64(exp), 0), true
}
