package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	insertUserSQL   = "INSERT INTO users (principal,password_hash,avatar_url,create_time) VALUES (?,?,?,?)"
	getUserSQL      = "SELECT principal,password_hash,avatar_url,create_time FROM users WHERE principal=?"
	listUsersSQL    = "SELECT principal,password_hash,avatar_url,create_time FROM users ORDER BY principal"
	lockUserSQL     = "SELECT principal FROM users WHERE principal=? FOR UPDATE"
	setAvatarURLSQL = "UPDATE users SET avatar_url=? WHERE principal=?"
)

// userStore implements `IUserStore` on mysql.
type userStore struct {
	*sql.DB
}

func NewUserStore(db *sql.DB) *userStore {
	return &userStore{db}
}

func (s *userStore) IsDupKeyError(err error) bool {
	return isDupKeyError(err)
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.CreateTime.IsZero() {
		u.CreateTime = time.Now()
	}
	_, err := s.ExecContext(ctx, insertUserSQL, u.Principal, u.PasswordHash, u.AvatarURL, u.CreateTime)
	return err
}

func (s *userStore) Get(ctx context.Context, principal string) (*User, error) {
	var u User
	row := s.QueryRowContext(ctx, getUserSQL, principal)
	if err := row.Scan(&u.Principal, &u.PasswordHash, &u.AvatarURL, &u.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("get user scan err: %v", err)
		return nil, err
	}
	return &u, nil
}

func (s *userStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.QueryContext(ctx, listUsersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Principal, &u.PasswordHash, &u.AvatarURL, &u.CreateTime); err != nil {
			glog.Errorf("list users scan err: %v", err)
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// UpsertAvatar replaces the avatar url in place, the user row is never duplicated.
func (s *userStore) UpsertAvatar(ctx context.Context, principal, url string) error {
	return withTx(ctx, s.DB, func(ctx context.Context, tx *sql.Tx) error {
		var p string
		if err := tx.QueryRowContext(ctx, lockUserSQL, principal).Scan(&p); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("user not found: %s", principal)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, setAvatarURLSQL, url, principal)
		return err
	})
}
