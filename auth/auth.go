package auth

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already exists")
	ErrUnauthenticated    = errors.New("unauthenticated")
)

type Client interface {
	// Auth authenticate current request, return the principal.
	Auth(r *http.Request) (string, error)
}
