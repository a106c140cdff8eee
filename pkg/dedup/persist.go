// persist.go backs the Dedup Cache's optional persisted seed set with
// bbolt, so ids pre-seeded at publish time survive a broker restart
// without replaying the entire outbound publish queue. This is narrower
// than the teacher's use of bbolt as a general cluster-state store (see
// DESIGN.md): here it holds nothing but recently pre-seeded message ids.
package dedup

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentmesh/brokerd/pkg/brokererr"
)

var seedBucket = []byte("dedup_seeds")

// Store persists pre-seeded dedup entries to a bbolt database file so they
// survive a broker restart.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "open dedup seed store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(seedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, brokererr.Wrap(brokererr.KindIOError, "init dedup seed bucket", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSeed persists a single pre-seeded message id with its observed-at
// timestamp (as Unix nanos) so LoadSeeds can reconstruct age on restart.
func (s *Store) SaveSeed(id string, observedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seedBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(observedAt.UnixNano()))
		return b.Put([]byte(id), buf[:])
	})
}

// LoadSeeds replays every persisted seed into cache, dropping ones already
// older than cache's ttl so a long-idle broker doesn't resurrect stale
// entries.
func (s *Store) LoadSeeds(cache *Cache) error {
	now := cache.clock()
	var toDelete [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(seedBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			observedAt := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if now.Sub(observedAt) > cache.ttl {
				toDelete = append(toDelete, append([]byte(nil), k...))
				return nil
			}
			el := cache.order.PushBack(&node{id: string(k), observedAt: observedAt})
			// Keep the list newest-first so age eviction from the back stays valid.
			for prev := el.Prev(); prev != nil && prev.Value.(*node).observedAt.Before(observedAt); prev = el.Prev() {
				cache.order.MoveBefore(el, prev)
			}
			cache.index[string(k)] = el
			return nil
		})
	})
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "load dedup seeds", err)
	}
	for cache.order.Len() > cache.cap {
		cache.evictOldest()
	}

	if len(toDelete) > 0 {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(seedBucket)
			for _, k := range toDelete {
				_ = b.Delete(k)
			}
			return nil
		})
	}
	return nil
}

// Prune removes persisted seeds older than ttl, intended to be called
// periodically alongside persistence compaction.
func (s *Store) Prune(ttl time.Duration, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seedBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) != 8 {
				continue
			}
			observedAt := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			if now.Sub(observedAt) > ttl {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
