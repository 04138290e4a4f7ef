// Package rate limits how many connections a client may open within a sliding
// window. Each accepted connection is stored as a version of the client's key
// in badger, expiring when it leaves the window; a client is limited while it
// has as many live versions as the limit.
package rate

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var ErrLimited = errors.New("rate: limited")

func IsForbidden(err error) bool {
	return errors.Is(err, ErrLimited)
}

type Config struct {
	// Path is the badger directory. Empty keeps the state in memory.
	Path string
	// Window is rounded to whole seconds, with a minimum of one second.
	Window time.Duration
	// Limit is the number of takes allowed per key within Window.
	Limit uint32
	// Buckets splits Window into spans used to normalize expiry times.
	// Defaults to 10.
	Buckets uint32
}

type Rate struct {
	db     *badger.DB
	window time.Duration
	limit  uint32
	span   uint32
}

func (r *Rate) Close() error {
	return r.db.Close()
}

func New(c Config) (*Rate, error) {
	if c.Limit == 0 {
		return nil, errors.New("rate: limit must be positive")
	}
	if c.Window < time.Second {
		c.Window = time.Second
	}
	if c.Buckets == 0 {
		c.Buckets = 10
	}
	o := badger.DefaultOptions(c.Path)
	if c.Path == "" {
		o = o.WithInMemory(true)
	}
	o.Logger = nil
	o.NumVersionsToKeep = int(c.Limit) + 1
	db, err := badger.Open(o)
	if err != nil {
		return nil, err
	}
	windowSec := uint32(c.Window.Seconds())
	span := windowSec / c.Buckets
	if windowSec%c.Buckets > 0 || span == 0 {
		span++
	}
	return &Rate{
		db:     db,
		span:   span,
		limit:  c.Limit,
		window: c.Window,
	}, nil
}

// TakeAt records a take for key at ts. It returns ErrLimited when key already
// used up its limit within the window ending at ts.
func (r *Rate) TakeAt(ts time.Time, key []byte) error {
	return r.db.Update(func(txn *badger.Txn) error {
		it := txn.NewKeyIterator(key, badger.IteratorOptions{
			AllVersions: true,
		})
		var live uint32
		for it.Rewind(); it.Valid(); it.Next() {
			e := it.Item()
			if e.IsDeletedOrExpired() || e.ExpiresAt() <= timestamp(ts) {
				continue
			}
			live++
		}
		it.Close()
		if live >= r.limit {
			return ErrLimited
		}
		e := badger.NewEntry(key, nil)
		e.ExpiresAt = r.bucket(ts.Add(r.window))
		return txn.SetEntry(e)
	})
}

// bucket rounds ts up to the next span boundary.
func (r *Rate) bucket(ts time.Time) uint64 {
	v := timestamp(ts)
	if m := v % uint64(r.span); m != 0 {
		v += uint64(r.span) - m
	}
	return v
}

func timestamp(ts time.Time) uint64 {
	return uint64(ts.Unix())
}

// Take returns nil if key hasn't exceeded its limit
func (r *Rate) Take(key []byte) error {
	return r.TakeAt(time.Now(), key)
}
