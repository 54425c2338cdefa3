package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the user id as subject plus the session epoch recorded at
// login time.
type Claims struct {
	Epoch int64 `json:"epoch"`
	Admin bool  `json:"adm,omitempty"`
	Guest bool  `json:"gst,omitempty"`
	jwt.RegisteredClaims
}

// SignJWT mints an HS256 token for the user under the given session epoch.
func SignJWT(userID uint64, epoch int64, admin, guest bool, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Epoch: epoch,
		Admin: admin,
		Guest: guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT verifies the signature and expiry and returns the claims.
func ParseJWT(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
