package feed

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

// Source delivers live snapshots of the feed, newest first.
//
// Subscribe blocks until ctx is done or the source gives up, and must not
// invoke either callback after it returns. Callbacks of one subscription are
// invoked sequentially. Transport failures are reported to onError; recovering
// from them (reconnecting) is up to the source.
type Source interface {
	Subscribe(ctx context.Context, sess *Session, onSnapshot func([]*pb.Message), onError func(error)) error
}

type SubscriberOption func(*Subscriber)

// OnChange sets the listener called with every new view. It must not call
// Switch or Close synchronously.
func OnChange(fn func([]*Message)) SubscriberOption {
	return func(s *Subscriber) { s.onChange = fn }
}

// OnError sets the listener called on delivery failures.
func OnError(fn func(error)) SubscriberOption {
	return func(s *Subscriber) { s.onError = fn }
}

func WithClock(now func() time.Time) SubscriberOption {
	return func(s *Subscriber) { s.now = now }
}

// Subscriber maintains the conversation view of one screen. At most one
// subscription is live at any time.
type Subscriber struct {
	src      Source
	onChange func([]*Message)
	onError  func(error)
	now      func() time.Time

	// serializes Switch and Close.
	switchMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	sess   *Session
	view   []*Message
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(src Source, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		src: src,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Switch closes the live subscription, if any, then opens one for sess. A
// session lacking either identity leaves the subscriber idle with an empty view.
func (s *Subscriber) Switch(sess *Session) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.stop()

	var cp *Session
	if sess != nil {
		cp = &Session{Me: sess.Me, Peer: sess.Peer}
	}

	s.mu.Lock()
	s.sess = cp
	s.view = nil
	gen := s.gen
	if !cp.Valid() {
		s.mu.Unlock()
		glog.V(5).Infof("feed: no conversation selected")
		s.notify(nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.notify(nil)

	glog.V(5).Infof("feed: subscribe %s", cp)
	go func() {
		defer close(done)
		err := s.src.Subscribe(ctx, cp,
			func(snap []*pb.Message) { s.apply(gen, cp, snap) },
			func(err error) { s.fail(gen, cp, err) })
		if err != nil && ctx.Err() == nil {
			s.fail(gen, cp, err)
		}
		glog.V(5).Infof("feed: subscription %s ended", cp)
	}()
}

// Close releases the live subscription. The view is kept.
func (s *Subscriber) Close() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.stop()
}

// stop cancels the live subscription and waits until its source returns.
func (s *Subscriber) stop() {
	s.mu.Lock()
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// View returns the current view, newest first.
func (s *Subscriber) View() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.view))
	copy(out, s.view)
	return out
}

// Session returns the session being viewed, nil if none.
func (s *Subscriber) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return &Session{Me: s.sess.Me, Peer: s.sess.Peer}
}

// Active reports whether a subscription is live.
func (s *Subscriber) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Subscriber) apply(gen uint64, sess *Session, snap []*pb.Message) {
	view := Filter(snap, sess, s.now())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		glog.V(5).Infof("feed: drop stale snapshot for %s", sess)
		return
	}
	s.view = view
	s.mu.Unlock()

	snapshots.Inc()
	glog.V(5).Infof("feed: %s view has %d of %d messages", sess, len(view), len(snap))
	s.notify(view)
}

func (s *Subscriber) fail(gen uint64, sess *Session, err error) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	glog.Errorf("feed: subscription %s error: %v", sess, err)
	if s.onError != nil {
		s.onError(&StoreError{Op: "subscribe", Err: err})
	}
}

func (s *Subscriber) notify(view []*Message) {
	if s.onChange == nil {
		return
	}
	out := make([]*Message, len(view))
	copy(out, view)
	s.onChange(out)
}
