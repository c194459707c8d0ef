package feed

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	pb "github.com/mqy/minichat/proto"
)

// Sink appends one record to the feed. It is create-only.
type Sink interface {
	Append(ctx context.Context, m *pb.Message) (string, error)
}

type sendOpts struct {
	id string
	at time.Time
}

type SendOption func(*sendOpts)

// WithID uses id instead of a generated one.
func WithID(id string) SendOption {
	return func(o *sendOpts) { o.id = id }
}

// WithTime stamps the message with t instead of now.
func WithTime(t time.Time) SendOption {
	return func(o *sendOpts) { o.at = t }
}

// Submitter is the send path. It never touches a view: the appended message
// shows up through the live subscription.
type Submitter struct {
	sink Sink
	now  func() time.Time
}

func NewSubmitter(sink Sink) *Submitter {
	return &Submitter{sink: sink, now: time.Now}
}

// Send appends text from sess.Me to sess.Peer and returns the message id.
func (s *Submitter) Send(ctx context.Context, sess *Session, text string, opts ...SendOption) (string, error) {
	if !sess.Valid() {
		sends.WithLabelValues("precondition").Inc()
		glog.Errorf("feed: send: %v", ErrNoConversation)
		return "", ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		sends.WithLabelValues("precondition").Inc()
		return "", ErrEmptyText
	}

	o := sendOpts{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New()
	}
	if o.at.IsZero() {
		o.at = s.now()
	}

	msg := &pb.Message{
		Id:        o.id,
		CreatedAt: FormatTime(o.at),
		Text:      text,
		Sender:    sess.Me,
		Receiver:  sess.Peer,
	}

	id, err := s.sink.Append(ctx, msg)
	if err != nil {
		sends.WithLabelValues("error").Inc()
		glog.Errorf("feed: send %s to %s failed: %v", msg.Id, sess, err)
		return "", &StoreError{Op: "append", Err: err}
	}
	sends.WithLabelValues("ok").Inc()
	glog.V(5).Infof("feed: sent %s to %s", id, sess)
	return id, nil
}
