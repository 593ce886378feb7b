// Package auth turns the Authorization header into an account id. Bearer
// tokens are HS256 JWTs; Basic credentials are checked against bcrypt hashes.
package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

// AccountPrefix is prepended to user names to form principals.
const AccountPrefix = "account:"

type Authenticator struct {
	secret   []byte
	validity time.Duration
	accounts map[string]string
}

// New builds an Authenticator. accounts maps user names to bcrypt hashes.
func New(secret string, validity time.Duration, accounts map[string]string) *Authenticator {
	return &Authenticator{secret: []byte(secret), validity: validity, accounts: accounts}
}

// Authenticate returns the principal of the caller, or "" for anonymous
// requests. Present but invalid credentials yield common.ErrUnauthorized.
func (a *Authenticator) Authenticate(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	scheme, value, _ := strings.Cut(header, " ")
	value = strings.TrimSpace(value)

	switch strings.ToLower(scheme) {
	case "bearer":
		user, err := ParseToken(value, a.secret)
		if err != nil {
			return "", err
		}
		return AccountPrefix + user, nil
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", common.ErrUnauthorized.WithMessage("malformed basic credentials")
		}
		user, password, ok := strings.Cut(string(raw), ":")
		if !ok {
			return "", common.ErrUnauthorized.WithMessage("malformed basic credentials")
		}
		if err := a.checkPassword(user, password); err != nil {
			return "", err
		}
		return AccountPrefix + user, nil
	default:
		return "", common.ErrUnauthorized.WithMessagef("unsupported scheme %q", scheme)
	}
}

func (a *Authenticator) checkPassword(user, password string) error {
	hash, ok := a.accounts[user]
	if !ok {
		return common.ErrUnauthorized.WithMessage("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return common.ErrUnauthorized.WithMessage("invalid credentials")
	}
	return nil
}

// IssueToken signs a bearer token for user.
func (a *Authenticator) IssueToken(user string) (string, error) {
	return NewToken(user, a.secret, a.validity)
}

// HashPassword returns the bcrypt hash stored in the accounts setting.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
