// Package bolt implements a TTL-bounded seen-URL cache on bbolt.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

const (
	urlBucket        = "seen_urls"
	expiryValueBytes = 8
)

// Cache stores URL expiry times in a single bucket.
type Cache struct {
	db    *bolt.DB
	ttl   time.Duration
	clock crawler.Clock
}

// Open creates or opens the cache file at path.
func Open(path string, ttl time.Duration, clock crawler.Clock) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("seen cache path is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("seen cache ttl must be positive")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create seen cache directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(urlBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}
	return &Cache{db: db, ttl: ttl, clock: clock}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Filter returns urls with no live entry. Expired entries are removed.
func (c *Cache) Filter(_ context.Context, urls []string) ([]string, error) {
	now := c.clock.Now()
	fresh := make([]string, 0, len(urls))
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(urlBucket))
		if bucket == nil {
			return fmt.Errorf("seen bucket missing")
		}
		for _, u := range urls {
			key := []byte(u)
			value := bucket.Get(key)
			if value == nil {
				fresh = append(fresh, u)
				continue
			}
			expiry, ok := decodeExpiry(value)
			if ok && expiry.After(now) {
				continue
			}
			if err := bucket.Delete(key); err != nil {
				return err
			}
			fresh = append(fresh, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// Mark records urls as seen until now+ttl.
func (c *Cache) Mark(_ context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	buf := make([]byte, expiryValueBytes)
	binary.BigEndian.PutUint64(buf, uint64(c.clock.Now().Add(c.ttl).Unix()))
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(urlBucket))
		if bucket == nil {
			return fmt.Errorf("seen bucket missing")
		}
		for _, u := range urls {
			if err := bucket.Put([]byte(u), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge deletes expired entries and returns how many were removed.
func (c *Cache) Purge(_ context.Context) (int, error) {
	now := c.clock.Now()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(urlBucket))
		if bucket == nil {
			return fmt.Errorf("seen bucket missing")
		}
		var expired [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if expiry, ok := decodeExpiry(v); ok && expiry.After(now) {
				continue
			}
			expired = append(expired, append([]byte(nil), k...))
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func decodeExpiry(value []byte) (time.Time, bool) {
	if len(value) != expiryValueBytes {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint64(value)), 0), true
}
