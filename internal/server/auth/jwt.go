package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

// Issuer is the iss claim of every token; tokens from other issuers are
// refused even when signed with the same secret.
const Issuer = "remotesettings"

// NewToken signs an HS256 token whose subject is the account name.
func NewToken(account string, secret []byte, validity time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   account,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
	}).SignedString(secret)
}

// ParseToken returns the account of a valid token. Every failure is
// common.ErrUnauthorized.
func ParseToken(token string, secret []byte) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", common.ErrUnauthorized.WithMessage("token expired")
	case err != nil:
		return "", common.ErrUnauthorized.WithMessage("invalid token")
	case claims.Subject == "":
		return "", common.ErrUnauthorized.WithMessage("token has no subject")
	}
	return claims.Subject, nil
}
