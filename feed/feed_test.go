package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/mqy/minichat/proto"
)

const (
	alice = "alice@x.com"
	bob   = "bob@y.com"
	carol = "carol@z.com"
)

// memFeed is an in-memory Source and Sink that pushes the whole feed to every
// subscriber on each append.
type memFeed struct {
	sync.Mutex
	msgs       []*pb.Message
	subs       map[int]chan []*pb.Message
	next       int
	opened     int
	failAppend error
}

func newMemFeed() *memFeed {
	return &memFeed{subs: make(map[int]chan []*pb.Message)}
}

func (f *memFeed) snapshot() []*pb.Message {
	out := make([]*pb.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *memFeed) Append(ctx context.Context, m *pb.Message) (string, error) {
	f.Lock()
	defer f.Unlock()
	if f.failAppend != nil {
		return "", f.failAppend
	}
	f.msgs = append([]*pb.Message{m}, f.msgs...)
	for _, ch := range f.subs {
		ch <- f.snapshot()
	}
	return m.Id, nil
}

func (f *memFeed) Subscribe(ctx context.Context, sess *Session, onSnapshot func([]*pb.Message), onError func(error)) error {
	ch := make(chan []*pb.Message, 64)
	f.Lock()
	id := f.next
	f.next++
	f.opened++
	f.subs[id] = ch
	ch <- f.snapshot()
	f.Unlock()

	defer func() {
		f.Lock()
		delete(f.subs, id)
		f.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-ch:
			onSnapshot(snap)
		}
	}
}

func (f *memFeed) live() int {
	f.Lock()
	defer f.Unlock()
	return len(f.subs)
}

func msg(id string, ms int64, text, sender, receiver string) *pb.Message {
	return &pb.Message{Id: id, CreatedAt: FormatTime(time.UnixMilli(ms)), Text: text, Sender: sender, Receiver: receiver}
}

func texts(view []*Message) []string {
	out := make([]string, 0, len(view))
	for _, m := range view {
		out = append(out, m.Text)
	}
	return out
}

// waitView waits for a view accepted by pred.
func waitView(t *testing.T, ch <-chan []*Message, pred func([]*Message) bool) []*Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if pred(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("timeout waiting for view")
			return nil
		}
	}
}

func newTestSubscriber(f *memFeed) (*Subscriber, chan []*Message) {
	ch := make(chan []*Message, 64)
	s := NewSubscriber(f, OnChange(func(v []*Message) { ch <- v }))
	return s, ch
}

func TestSendAppearsOnlyInItsPair(t *testing.T) {
	f := newMemFeed()
	sub := NewSubmitter(f)

	ab, abCh := newTestSubscriber(f)
	defer ab.Close()
	ac, acCh := newTestSubscriber(f)
	defer ac.Close()

	ab.Switch(NewSession(alice, bob))
	ac.Switch(NewSession(alice, carol))

	id, err := sub.Send(context.Background(), NewSession(alice, bob), "hi")
	require.NoError(t, err)

	view := waitView(t, abCh, func(v []*Message) bool { return len(v) == 1 })
	assert.Equal(t, id, view[0].Id)

	// the (alice, carol) view is recomputed from the same feed but stays empty.
	waitView(t, acCh, func(v []*Message) bool { return true })
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ac.View())
}

func TestScenarioBobSeesAliceMessage(t *testing.T) {
	f := newMemFeed()
	_, _ = f.Append(context.Background(), msg("old", 50, "earlier", bob, alice))

	bobView, ch := newTestSubscriber(f)
	defer bobView.Close()
	bobView.Switch(NewSession(bob, alice))
	waitView(t, ch, func(v []*Message) bool { return len(v) == 1 })

	_, err := NewSubmitter(f).Send(context.Background(), NewSession(alice, bob), "hi", WithTime(time.UnixMilli(100)))
	require.NoError(t, err)

	view := waitView(t, ch, func(v []*Message) bool { return len(v) == 2 })
	assert.Equal(t, "hi", view[0].Text)
	assert.Equal(t, alice, view[0].Sender)
	assert.Equal(t, "earlier", view[1].Text)
}

func TestScenarioNotes(t *testing.T) {
	f := newMemFeed()
	notes, notesCh := newTestSubscriber(f)
	defer notes.Close()
	pair, pairCh := newTestSubscriber(f)
	defer pair.Close()

	notes.Switch(Notes(alice))
	pair.Switch(NewSession(alice, bob))
	assert.True(t, notes.Session().IsSelf())

	_, err := NewSubmitter(f).Send(context.Background(), Notes(alice), "buy milk")
	require.NoError(t, err)

	view := waitView(t, notesCh, func(v []*Message) bool { return len(v) == 1 })
	assert.Equal(t, "buy milk", view[0].Text)
	assert.Equal(t, alice, view[0].Sender)
	assert.Equal(t, alice, view[0].Receiver)

	waitView(t, pairCh, func(v []*Message) bool { return true })
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, pair.View())
}

func TestSwitchClosesPreviousSubscription(t *testing.T) {
	f := newMemFeed()
	s, ch := newTestSubscriber(f)
	defer s.Close()

	s.Switch(NewSession(alice, bob))
	waitView(t, ch, func(v []*Message) bool { return true })
	assert.Equal(t, 1, f.live())

	for i := 0; i < 5; i++ {
		s.Switch(NewSession(alice, carol))
		s.Switch(NewSession(alice, bob))
	}
	s.Switch(NewSession(alice, carol))
	assert.Equal(t, 1, f.live())
	assert.Equal(t, 12, f.opened)

	// drain, then a message for the old pair must not reach the view.
	time.Sleep(50 * time.Millisecond)
	for len(ch) > 0 {
		<-ch
	}
	_, _ = f.Append(context.Background(), msg("1", 100, "to bob", alice, bob))
	_, _ = f.Append(context.Background(), msg("2", 200, "to carol", alice, carol))

	view := waitView(t, ch, func(v []*Message) bool { return len(v) == 1 })
	assert.Equal(t, []string{"to carol"}, texts(view))
	assert.Equal(t, []string{"to carol"}, texts(s.View()))

	s.Close()
	assert.Equal(t, 0, f.live())
	assert.False(t, s.Active())
}

func TestNoConversationNoSubscription(t *testing.T) {
	f := newMemFeed()
	s, ch := newTestSubscriber(f)

	s.Switch(NewSession(alice, ""))
	view := waitView(t, ch, func(v []*Message) bool { return true })
	assert.Empty(t, view)
	assert.Equal(t, 0, f.live())
	assert.False(t, s.Active())

	s.Switch(nil)
	assert.Equal(t, 0, f.opened)
	assert.Nil(t, s.Session())
}

type failingSource struct {
	errs chan error
}

func (f *failingSource) Subscribe(ctx context.Context, sess *Session, onSnapshot func([]*pb.Message), onError func(error)) error {
	onSnapshot([]*pb.Message{msg("1", 100, "hi", alice, bob)})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-f.errs:
			onError(err)
		}
	}
}

func TestErrorKeepsLastView(t *testing.T) {
	src := &failingSource{errs: make(chan error)}
	errCh := make(chan error, 1)
	viewCh := make(chan []*Message, 8)
	s := NewSubscriber(src,
		OnChange(func(v []*Message) { viewCh <- v }),
		OnError(func(err error) { errCh <- err }))
	defer s.Close()

	s.Switch(NewSession(bob, alice))
	waitView(t, viewCh, func(v []*Message) bool { return len(v) == 1 })

	transport := errors.New("connection reset")
	src.errs <- transport
	select {
	case err := <-errCh:
		var se *StoreError
		require.True(t, errors.As(err, &se))
		assert.ErrorIs(t, err, transport)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}
	assert.Equal(t, []string{"hi"}, texts(s.View()))
	assert.True(t, s.Active())
}

func TestSendPreconditions(t *testing.T) {
	f := newMemFeed()
	s, ch := newTestSubscriber(f)
	defer s.Close()
	s.Switch(NewSession(alice, bob))
	waitView(t, ch, func(v []*Message) bool { return true })
	time.Sleep(50 * time.Millisecond)
	for len(ch) > 0 {
		<-ch
	}

	sub := NewSubmitter(f)
	_, err := sub.Send(context.Background(), NewSession(alice, ""), "hi")
	assert.Equal(t, ErrNoConversation, err)
	_, err = sub.Send(context.Background(), nil, "hi")
	assert.Equal(t, ErrNoConversation, err)
	_, err = sub.Send(context.Background(), NewSession(alice, bob), "  \n\t")
	assert.Equal(t, ErrEmptyText, err)

	f.Lock()
	assert.Empty(t, f.msgs)
	f.Unlock()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ch, 0)
	assert.Empty(t, s.View())
}

func TestSendStoreError(t *testing.T) {
	f := newMemFeed()
	f.failAppend = errors.New("unavailable")

	_, err := NewSubmitter(f).Send(context.Background(), NewSession(alice, bob), "hi", WithID("fixed"))
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "append", se.Op)
	assert.ErrorIs(t, err, f.failAppend)
}

func TestSendBuildsRecord(t *testing.T) {
	f := newMemFeed()
	at := time.UnixMilli(1_700_000_000_123)
	id, err := NewSubmitter(f).Send(context.Background(), NewSession(alice, bob), "hi", WithID("m1"), WithTime(at))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.Len(t, f.msgs, 1)
	m := f.msgs[0]
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, alice, m.Sender)
	assert.Equal(t, bob, m.Receiver)
	got, ok := ParseTime(m.CreatedAt)
	assert.True(t, ok)
	assert.True(t, at.Equal(got))

	id, err = NewSubmitter(f).Send(context.Background(), NewSession(alice, bob), "again")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "m1", id)
}
