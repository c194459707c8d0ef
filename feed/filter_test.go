package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pb "github.com/mqy/minichat/proto"
)

func TestFilterPairAndOrder(t *testing.T) {
	now := time.UnixMilli(1000)
	// deliberately not in store order.
	snap := []*pb.Message{
		msg("1", 100, "a->b 100", alice, bob),
		msg("2", 300, "b->a 300", bob, alice),
		msg("3", 200, "a->c 200", alice, carol),
		msg("4", 250, "a->a 250", alice, alice),
		msg("5", 150, "c->b 150", carol, bob),
		msg("6", 200, "a->b 200", alice, bob),
	}

	view := Filter(snap, NewSession(alice, bob), now)
	assert.Equal(t, []string{"b->a 300", "a->b 200", "a->b 100"}, texts(view))

	// the pair is unordered.
	assert.Equal(t, texts(view), texts(Filter(snap, NewSession(bob, alice), now)))

	for i := 1; i < len(view); i++ {
		assert.False(t, view[i].CreatedAt.After(view[i-1].CreatedAt))
	}
}

func TestFilterSelfChat(t *testing.T) {
	snap := []*pb.Message{
		msg("1", 100, "note", alice, alice),
		msg("2", 200, "to bob", alice, bob),
		msg("3", 300, "from bob", bob, alice),
		msg("4", 400, "bob note", bob, bob),
	}
	view := Filter(snap, Notes(alice), time.Now())
	assert.Equal(t, []string{"note"}, texts(view))
}

func TestFilterIdempotent(t *testing.T) {
	now := time.UnixMilli(5000)
	snap := []*pb.Message{
		msg("b", 100, "same time b", alice, bob),
		msg("a", 100, "same time a", bob, alice),
		{Id: "c", Text: "no time", Sender: alice, Receiver: bob},
		msg("d", 50, "older", alice, bob),
	}
	first := Filter(snap, NewSession(alice, bob), now)
	second := Filter(snap, NewSession(alice, bob), now)
	assert.Equal(t, first, second)
	// fallback to now puts the record first; equal times break by id.
	assert.Equal(t, []string{"no time", "same time b", "same time a", "older"}, texts(first))
}

func TestFilterInvalidSession(t *testing.T) {
	snap := []*pb.Message{msg("1", 100, "hi", alice, bob)}
	assert.Nil(t, Filter(snap, nil, time.Now()))
	assert.Nil(t, Filter(snap, NewSession("", bob), time.Now()))
}

func TestNormalizeFallback(t *testing.T) {
	now := time.UnixMilli(42)
	m := Normalize(&pb.Message{Id: "x", CreatedAt: json.RawMessage(`"yesterday"`)}, now)
	assert.True(t, now.Equal(m.CreatedAt))
}

func TestParseTime(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.UTC)
	cases := []struct {
		raw string
		ok  bool
	}{
		{`1714557600250`, true},
		{`"1714557600250"`, true},
		{`"2024-05-01T10:00:00.25Z"`, true},
		{`{"seconds":1714557600,"nanos":250000000}`, true},
		{`{"seconds":1714557600,"nanoseconds":250000000}`, true},
		{`1714557600250.0`, true},
		{``, false},
		{`null`, false},
		{`""`, false},
		{`"not a time"`, false},
		{`{"nanos":1}`, false},
		{`true`, false},
	}
	for _, c := range cases {
		got, ok := ParseTime(json.RawMessage(c.raw))
		assert.Equal(t, c.ok, ok, c.raw)
		if c.ok {
			assert.True(t, ref.Equal(got), "%s: got %s", c.raw, got)
		}
	}
}

func TestSession(t *testing.T) {
	s := NewSession(" alice@x.com ", "bob@y.com")
	assert.Equal(t, alice, s.Me)
	assert.True(t, s.Valid())
	assert.False(t, s.IsSelf())
	assert.True(t, s.Includes(bob, alice))
	assert.False(t, s.Includes(alice, alice))
	assert.True(t, Notes(alice).IsSelf())

	s = NewSession("Alice@X.com", " BOB@y.com")
	assert.Equal(t, alice, s.Me)
	assert.Equal(t, bob, s.Peer)
	assert.True(t, s.Includes(alice, bob))

	var none *Session
	assert.False(t, none.Valid())
	assert.Equal(t, "<none>", none.String())
}
