package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/feed"
	pb "github.com/mqy/minichat/proto"
)

const (
	reconnectMinInterval = 500 * time.Millisecond
	reconnectMaxInterval = 30 * time.Second

	errorCodeInternal = 13
)

var errKickedOff = errors.New("session kicked off by server")

// ServerError is an error pushed by the server over the websocket.
type ServerError struct {
	Code   int32
	Params []string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, strings.Join(e.Params, "; "))
}

// FeedSource implements `feed.Source` over the server websocket. Every
// subscription owns one connection.
type FeedSource struct {
	c      *Client
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration
}

func (c *Client) FeedSource() *FeedSource {
	return &FeedSource{
		c:          c,
		dialer:     websocket.DefaultDialer,
		minBackoff: reconnectMinInterval,
		maxBackoff: reconnectMaxInterval,
	}
}

// Subscribe implements `feed.Source.Subscribe`. Transport errors are reported
// to onError and the connection is re-established with backoff, until ctx
// is done or the client is signed out.
func (s *FeedSource) Subscribe(ctx context.Context, sess *feed.Session, onSnapshot func([]*pb.Message),
	onError func(error)) error {

	var sleep time.Duration
	for {
		if s.c.getToken() == "" {
			return ErrUnauthenticated
		}

		delivered, err := s.stream(ctx, sess, onSnapshot, onError)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthenticated) {
			return err
		}
		if delivered {
			sleep = 0
		}
		glog.Errorf("client: feed %s stream error: %v", sess, err)
		onError(err)

		sleep = s.backoff(sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *FeedSource) backoff(d time.Duration) time.Duration {
	if d == 0 {
		return s.minBackoff
	}
	d *= 2
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

func (s *FeedSource) wsURL() (string, error) {
	u, err := url.Parse(s.c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {s.c.getToken()}}.Encode()
	return u.String(), nil
}

// stream runs one connection until it fails or ctx is done. delivered tells
// whether at least one snapshot got through.
func (s *FeedSource) stream(ctx context.Context, sess *feed.Session, onSnapshot func([]*pb.Message),
	onError func(error)) (delivered bool, err error) {

	addr, err := s.wsURL()
	if err != nil {
		return false, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 403 {
			return false, ErrUnauthenticated
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	glog.V(5).Infof("client: feed %s connected", sess)

	for {
		var msg pb.ServerMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return delivered, fmt.Errorf("read: %w", err)
		}

		switch {
		case msg.Conf != nil:
			req := &pb.ClientMsg{Subscribe: &pb.SubscribeReq{Peer: sess.Peer}}
			if err := conn.WriteJSON(req); err != nil {
				return delivered, fmt.Errorf("subscribe: %w", err)
			}
		case msg.Snapshot != nil:
			if msg.Snapshot.Peer != sess.Peer {
				continue
			}
			delivered = true
			onSnapshot(msg.Snapshot.Messages)
		case msg.Error != nil:
			serr := &ServerError{Code: msg.Error.Code, Params: msg.Error.Params}
			if serr.Code != errorCodeInternal {
				return delivered, serr
			}
			onError(serr)
		case msg.Kickoff:
			return delivered, errKickedOff
		}
	}
}
