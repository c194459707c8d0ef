// Package client is the Go SDK of a minichat server: authentication, the buddy
// list, avatar upload, message submission and the live feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already exists")
	ErrUnauthenticated    = errors.New("unauthenticated")
)

const defaultTimeout = 10 * time.Second

// HTTPError is a non-2xx REST answer.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to one server. The token is kept in memory only.
type Client struct {
	baseURL string
	http    *http.Client

	mu        sync.Mutex
	token     string
	principal string
	listeners map[int]func(principal string, signedIn bool)
	nextId    int
}

// New creates a client for the server at baseURL, e.g. `http://127.0.0.1:8000`.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		listeners: make(map[int]func(string, bool)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SignUp(ctx context.Context, email, password string) error {
	var resp pb.AuthResp
	err := c.call(ctx, http.MethodPost, "/api/auth/signup", &pb.AuthReq{Email: email, Password: password}, &resp)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusConflict {
		return ErrEmailExists
	} else if err != nil {
		return err
	}
	c.setAuth(resp.Token, resp.Principal)
	return nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) error {
	var resp pb.AuthResp
	err := c.call(ctx, http.MethodPost, "/api/auth/signin", &pb.AuthReq{Email: email, Password: password}, &resp)
	if errors.Is(err, ErrUnauthenticated) {
		return ErrInvalidCredentials
	} else if err != nil {
		return err
	}
	c.setAuth(resp.Token, resp.Principal)
	return nil
}

// SignOut forgets the token. Signing out twice is a no-op.
func (c *Client) SignOut() {
	c.setAuth("", "")
}

// Current returns the signed in principal.
func (c *Client) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal, c.token != ""
}

// OnAuthStateChanged registers fn. It is called at once with the current
// state, then on every change, until cancel is called.
func (c *Client) OnAuthStateChanged(fn func(principal string, signedIn bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextId
	c.nextId++
	c.listeners[id] = fn
	principal, signedIn := c.principal, c.token != ""
	c.mu.Unlock()

	fn(principal, signedIn)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setAuth(token, principal string) {
	c.mu.Lock()
	if c.token == token && c.principal == principal {
		c.mu.Unlock()
		return
	}
	c.token, c.principal = token, principal
	fns := make([]func(string, bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	glog.V(5).Infof("client: auth state changed, principal: %q", principal)
	for _, fn := range fns {
		fn(principal, token != "")
	}
}

func (c *Client) getToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Buddies lists every user but the caller.
func (c *Client) Buddies(ctx context.Context) ([]*pb.User, error) {
	var out []*pb.User
	if err := c.call(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Me(ctx context.Context) (*pb.User, error) {
	var out pb.User
	if err := c.call(ctx, http.MethodGet, "/api/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadAvatar uploads the image and returns its public URL.
func (c *Client) UploadAvatar(ctx context.Context, image io.Reader) (string, error) {
	var out pb.User
	if err := c.do(ctx, http.MethodPut, "/api/avatar", "application/octet-stream", image, &out); err != nil {
		return "", err
	}
	return out.AvatarUrl, nil
}

// Append implements `feed.Sink`. The server takes the sender from the token.
func (c *Client) Append(ctx context.Context, msg *pb.Message) (string, error) {
	var out pb.SendResp
	req := &pb.SendReq{
		Id:        msg.Id,
		CreatedAt: msg.CreatedAt,
		Text:      msg.Text,
		Receiver:  msg.Receiver,
	}
	if err := c.call(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return "", err
	}
	return out.Id, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthenticated
	}
	if resp.StatusCode/100 != 2 {
		var apiErr pb.ApiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &HTTPError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
