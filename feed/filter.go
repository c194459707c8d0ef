package feed

import (
	"sort"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

// Normalize converts a wire record. A record without a convertible createdAt
// is stamped with now, and the substitution is logged and counted.
func Normalize(m *pb.Message, now time.Time) *Message {
	t, ok := ParseTime(m.CreatedAt)
	if !ok {
		timestampFallbacks.Inc()
		glog.Warningf("feed: message %q has no usable createdAt (%q), using now", m.Id, string(m.CreatedAt))
		t = now
	}
	return &Message{
		Id:        m.Id,
		CreatedAt: t,
		Text:      m.Text,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
	}
}

// Filter projects a snapshot onto the session's pair, newest first. The order
// of the snapshot is not trusted. It is a pure function of its arguments.
func Filter(snapshot []*pb.Message, sess *Session, now time.Time) []*Message {
	if !sess.Valid() {
		return nil
	}

	out := make([]*Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m == nil || !sess.Includes(m.Sender, m.Receiver) {
			continue
		}
		out = append(out, Normalize(m, now))
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Id > b.Id
	})
	return out
}
