package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// MockClient trusts the `x-principal` cookie. Development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var principal string

	if c, err := r.Cookie("x-principal"); err == nil {
		principal = strings.TrimSpace(c.Value)
	}

	if principal == "" {
		return "", fmt.Errorf("empty x-principal from cookie: %w", ErrUnauthenticated)
	}
	return principal, nil
}
