package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	DefaultTokenTTL = 72 * time.Hour

	claimPrincipal = "principal"
)

// JWTClient issues and verifies HS256 tokens carrying the principal.
type JWTClient struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTClient(secret string, ttl time.Duration) *JWTClient {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTClient{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (c *JWTClient) Issue(principal string) (string, error) {
	claims := jwt.MapClaims{
		claimPrincipal: principal,
		"exp":          c.now().Add(c.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Parse verifies the token and returns its principal.
func (c *JWTClient) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrUnauthenticated)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthenticated
	}
	principal, _ := claims[claimPrincipal].(string)
	if principal == "" {
		return "", fmt.Errorf("token without principal: %w", ErrUnauthenticated)
	}
	return principal, nil
}

// Auth reads the token from the Authorization header, the `token` query
// parameter (browsers can't set headers on websocket upgrades) or the
// `x-token` cookie.
func (c *JWTClient) Auth(r *http.Request) (string, error) {
	var token string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if v := r.URL.Query().Get("token"); v != "" {
		token = v
	} else if ck, err := r.Cookie("x-token"); err == nil {
		token = ck.Value
	}
	if token == "" {
		return "", fmt.Errorf("missing token: %w", ErrUnauthenticated)
	}
	return c.Parse(token)
}
