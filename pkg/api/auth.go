package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("missing bearer token")

// Authenticator validates user bearer tokens and builder callback secrets.
type Authenticator struct {
	JWTSecret      string
	CallbackSecret string
}

// UserID extracts the authenticated user from the Authorization header.
// Tokens are HS256 JWTs with the user ID in the "sub" claim.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == header || raw == "" {
		return "", errors.New("authorization header must be a bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// OptionalUserID returns the user ID when a valid token is present and ""
// when the request is anonymous. A present but invalid token is an error.
func (a *Authenticator) OptionalUserID(r *http.Request) (string, error) {
	userID, err := a.UserID(r)
	if errors.Is(err, errNoToken) {
		return "", nil
	}
	return userID, err
}

// VerifyCallback checks the builder's shared-secret header.
func (a *Authenticator) VerifyCallback(r *http.Request) bool {
	if a.CallbackSecret == "" {
		return false
	}
	got := r.Header.Get("X-Builder-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.CallbackSecret)) == 1
}
