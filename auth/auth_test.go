package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mqy/minichat/store"
	mock_store "github.com/mqy/minichat/store/mock"
)

func TestJWTRoundTrip(t *testing.T) {
	c := NewJWTClient("secret", time.Hour)
	token, err := c.Issue("alice@x.com")
	require.NoError(t, err)

	p, err := c.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice@x.com", p)

	_, err = NewJWTClient("other", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	expired := NewJWTClient("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("alice@x.com")
	require.NoError(t, err)
	_, err = c.Parse(old)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWTAuthSources(t *testing.T) {
	c := NewJWTClient("secret", time.Hour)
	token, _ := c.Issue("bob@y.com")

	r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := c.Auth(r)
	assert.NoError(t, err)
	assert.Equal(t, "bob@y.com", p)

	r = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	p, err = c.Auth(r)
	assert.NoError(t, err)
	assert.Equal(t, "bob@y.com", p)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "x-token", Value: token})
	p, err = c.Auth(r)
	assert.NoError(t, err)
	assert.Equal(t, "bob@y.com", p)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err = c.Auth(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.AddCookie(&http.Cookie{Name: "x-principal", Value: "alice@x.com"})
	p, err := c.Auth(r)
	assert.NoError(t, err)
	assert.Equal(t, "alice@x.com", p)
}

func TestProvider(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	users := mock_store.NewMockIUserStore(mockCtrl)
	tokens := NewJWTClient("secret", time.Hour)
	p := NewProvider(users, tokens)
	ctx := context.Background()

	var saved *store.User
	users.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, u *store.User) error {
		saved = u
		return nil
	})
	token, err := p.SignUp(ctx, " Alice@X.com ", "secret1")
	require.NoError(t, err)
	principal, _ := tokens.Parse(token)
	assert.Equal(t, "alice@x.com", principal)
	require.NotNil(t, saved)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(saved.PasswordHash), []byte("secret1")))

	dup := errors.New("duplicate")
	users.EXPECT().Create(ctx, gomock.Any()).Return(dup)
	users.EXPECT().IsDupKeyError(dup).Return(true)
	_, err = p.SignUp(ctx, "alice@x.com", "secret1")
	assert.Equal(t, ErrEmailExists, err)

	users.EXPECT().Get(ctx, "alice@x.com").Return(saved, nil).Times(2)
	token, err = p.SignIn(ctx, "alice@x.com", "secret1")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
	_, err = p.SignIn(ctx, "alice@x.com", "wrong")
	assert.Equal(t, ErrInvalidCredentials, err)

	users.EXPECT().Get(ctx, "nobody@x.com").Return(nil, nil)
	_, err = p.SignIn(ctx, "nobody@x.com", "secret1")
	assert.Equal(t, ErrInvalidCredentials, err)
}
