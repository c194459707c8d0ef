package store

import (
	"context"
	"time"
)

// Message is one immutable feed record.
type Message struct {
	Id        string
	CreatedAt time.Time
	Text      string
	Sender    string
	Receiver  string
}

// Same reports whether m and o carry the same content, used to tell a replayed
// append from an id collision.
func (m *Message) Same(o *Message) bool {
	return m.Id == o.Id && m.Text == o.Text && m.Sender == o.Sender && m.Receiver == o.Receiver &&
		m.CreatedAt.UnixNano()/1e6 == o.CreatedAt.UnixNano()/1e6
}

// Pair is an unordered pair of principals. A and B are equal for self-chat.
type Pair struct {
	A string
	B string
}

type User struct {
	Principal    string
	PasswordHash string
	AvatarURL    string
	CreateTime   time.Time
}

type IMessageStore interface {
	// Append inserts the message. It never updates an existing row.
	Append(ctx context.Context, m *Message) (string, error)

	// Get gets a message by id, nil if not found.
	Get(ctx context.Context, id string) (*Message, error)

	// List lists messages order by create time DESC. A nil pair lists the
	// whole feed. limit <= 0 means no limit.
	List(ctx context.Context, pair *Pair, limit int32) ([]*Message, error)

	// DeleteOutdated deletes messages older than ttlDays.
	DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error)

	IsDupKeyError(err error) bool
}

type IUserStore interface {
	// Create creates the user, fails with a dup key error if exists.
	Create(ctx context.Context, u *User) error

	// Get gets user by principal, nil if not found.
	Get(ctx context.Context, principal string) (*User, error)

	// List lists all users order by principal.
	List(ctx context.Context) ([]*User, error)

	// UpsertAvatar sets the avatar url of an existing user.
	UpsertAvatar(ctx context.Context, principal, url string) error

	IsDupKeyError(err error) bool
}
