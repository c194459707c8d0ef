// Package theme persists the light/dark preference on the device.
package theme

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

const (
	Dark  = "dark"
	Light = "light"
)

var (
	prefsBucket = []byte("prefs")
	themeKey    = []byte("theme")
)

// Preference is the persisted theme flag. It is read once by Load and written
// on every Toggle or Set.
type Preference struct {
	mu     sync.Mutex
	db     *bbolt.DB
	isDark bool
}

// Load opens the preference file, creating it if missing. A missing or
// unknown value reads as light.
func Load(path string) (*Preference, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	p := &Preference{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(prefsBucket)
		if err != nil {
			return err
		}
		p.isDark = string(b.Get(themeKey)) == Dark
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	glog.V(5).Infof("theme: loaded %s", p.Name())
	return p, nil
}

func (p *Preference) IsDark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDark
}

// Name returns "dark" or "light".
func (p *Preference) Name() string {
	if p.IsDark() {
		return Dark
	}
	return Light
}

// Toggle flips the flag, persists it and returns the new value.
func (p *Preference) Toggle() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.save(!p.isDark); err != nil {
		return p.isDark, err
	}
	p.isDark = !p.isDark
	return p.isDark, nil
}

func (p *Preference) Set(dark bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.save(dark); err != nil {
		return err
	}
	p.isDark = dark
	return nil
}

func (p *Preference) save(dark bool) error {
	v := Light
	if dark {
		v = Dark
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(prefsBucket).Put(themeKey, []byte(v))
	})
}

func (p *Preference) Close() error {
	return p.db.Close()
}
