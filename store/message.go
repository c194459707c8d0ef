package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	insertMessageSQL = "INSERT INTO messages (id,created_at,text,sender,receiver) VALUES (?,?,?,?,?)"
	getMessageSQL    = "SELECT id,created_at,text,sender,receiver FROM messages WHERE id=?"
	listMessagesSQL  = "SELECT id,created_at,text,sender,receiver FROM messages"
	pairWhereSQL     = " WHERE (sender=? AND receiver=?) OR (sender=? AND receiver=?)"
	orderBySQL       = " ORDER BY created_at DESC, id DESC"
	cleanMessagesSQL = "DELETE FROM messages WHERE created_at <= ?"
)

// messageStore implements `IMessageStore` on mysql.
type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db}
}

func (s *messageStore) IsDupKeyError(err error) bool {
	return isDupKeyError(err)
}

// Append inserts m. When the id already exists with the same content the
// append is a replay (e.g. a kafka message not committed) and succeeds.
func (s *messageStore) Append(ctx context.Context, m *Message) (string, error) {
	if m.Id == "" {
		return "", fmt.Errorf("append: empty message id")
	}
	err := withTx(ctx, s.DB, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL, m.Id, m.CreatedAt, m.Text, m.Sender, m.Receiver)
		if err == nil {
			return nil
		}
		if isDupKeyError(err) {
			old, err2 := scanMessage(tx.QueryRowContext(ctx, getMessageSQL, m.Id))
			if err2 != nil {
				glog.Errorf("get message error, id: %s, err: %v", m.Id, err2)
			} else if old != nil && old.Same(m) {
				return nil
			}
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return m.Id, nil
}

func (s *messageStore) Get(ctx context.Context, id string) (*Message, error) {
	return scanMessage(s.QueryRowContext(ctx, getMessageSQL, id))
}

func (s *messageStore) List(ctx context.Context, pair *Pair, limit int32) ([]*Message, error) {
	query := listMessagesSQL
	var args []interface{}
	if pair != nil {
		query += pairWhereSQL
		args = pairArgs(pair)
	}
	query += orderBySQL
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		glog.Errorf("list messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.CreatedAt, &m.Text, &m.Sender, &m.Receiver); err != nil {
			glog.Errorf("list messages scan err: %v", err)
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *messageStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	var lteCreateTime = GetDayBefore(ttlDays)
	res, err := s.ExecContext(ctx, cleanMessagesSQL, lteCreateTime)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var t time.Time
	if err := row.Scan(&m.Id, &t, &m.Text, &m.Sender, &m.Receiver); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.CreatedAt = t
	return &m, nil
}
