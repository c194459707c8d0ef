package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var blobsBucket = []byte("blobs")

// BoltStore keeps blobs in a bbolt file; the server serves them under baseURL.
type BoltStore struct {
	db      *bbolt.DB
	baseURL string
}

func NewBoltStore(path, baseURL string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *BoltStore) Upload(ctx context.Context, path string, content io.Reader) error {
	if path == "" {
		return fmt.Errorf("blob: empty path")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(path), data)
	})
	if err == nil {
		glog.V(5).Infof("blob: stored %s, %d bytes", path, len(data))
	}
	return err
}

// Get returns the blob at path, nil if absent.
func (s *BoltStore) Get(path string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(blobsBucket).Get([]byte(path)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PublicURL(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("blob: empty path")
	}
	return s.baseURL + "/" + url.PathEscape(path), nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
