package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

// GetDayBefore get the time of before `days`, exclude today.
func GetDayBefore(days int32) time.Time {
	days += 1
	offset := time.Duration(days*24) * time.Hour
	d := time.Now().Add(-offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.Local)
}

// pairArgs returns args for `(sender=? AND receiver=?) OR (sender=? AND receiver=?)`.
// For self-chat both halves are the same predicate.
func pairArgs(p *Pair) []interface{} {
	return []interface{}{p.A, p.B, p.B, p.A}
}

func isDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func withTx(ctx context.Context, db *sql.DB, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := db.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}
