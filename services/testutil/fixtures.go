package testutil

import (
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RequesterID = "trader-alice"
	ApproverID  = "approver-bob"
	OutsiderID  = "ops-mallory"
)

func GenerateJWT(subject string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles: []string{"trader"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "trades-test",
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// MustJWT is GenerateJWT with a one hour lifetime that panics on error.
func MustJWT(subject string, secret []byte) string {
	token, err := GenerateJWT(subject, secret, time.Hour, time.Now())
	if err != nil {
		panic(err)
	}
	return token
}
