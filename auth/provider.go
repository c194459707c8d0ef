package auth

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/crypto/bcrypt"

	"github.com/mqy/minichat/store"
)

// Provider is the identity provider: it registers principals and signs them in.
type Provider struct {
	users  store.IUserStore
	tokens *JWTClient
}

func NewProvider(users store.IUserStore, tokens *JWTClient) *Provider {
	return &Provider{users: users, tokens: tokens}
}

// SignUp registers email and returns a token for it.
func (p *Provider) SignUp(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := p.users.Create(ctx, &store.User{Principal: email, PasswordHash: string(hash)}); err != nil {
		if p.users.IsDupKeyError(err) {
			return "", ErrEmailExists
		}
		glog.Errorf("auth: create user %s: %v", email, err)
		return "", err
	}
	glog.Infof("auth: registered %s", email)
	return p.tokens.Issue(email)
}

// SignIn never tells an unknown email from a wrong password.
func (p *Provider) SignIn(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	u, err := p.users.Get(ctx, email)
	if err != nil {
		glog.Errorf("auth: get user %s: %v", email, err)
		return "", err
	}
	if u == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return p.tokens.Issue(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
