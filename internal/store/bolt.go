package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions   = []byte("sessions")
	bucketSessionIDs = []byte("session_ids")
	bucketPoints     = []byte("points")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketSessionIDs, bucketPoints} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// SaveSession appends rec to the journal. Saving the same ID twice replaces
// the earlier record in place.
func (s *BoltStore) SaveSession(rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record without id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		idx := tx.Bucket(bucketSessionIDs)
		if b == nil || idx == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := idx.Get([]byte(rec.ID))
		if key == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key = itob(seq)
			if err := idx.Put([]byte(rec.ID), key); err != nil {
				return err
			}
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetSession(id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		idx := tx.Bucket(bucketSessionIDs)
		if b == nil || idx == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		key := idx.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessions returns up to limit records, newest first. A limit of 0 or
// less returns all of them.
func (s *BoltStore) ListSessions(limit int) ([]*SessionRecord, error) {
	var out []*SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil // no bucket = no sessions
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PruneSessions(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		idx := tx.Bucket(bucketSessionIDs)
		if b == nil || idx == nil {
			return nil
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var ids, keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(keys) < excess; k, v = c.Next() {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				ids = append(ids, []byte(rec.ID))
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := idx.Delete(id); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

func (s *BoltStore) SavePoint(p *Point) error {
	if p.Name == "" {
		return fmt.Errorf("point without name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPoints)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPoints)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), data)
	})
}

func (s *BoltStore) GetPoint(name string) (*Point, error) {
	var p Point
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPoints)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPoints)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("point %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeletePoint(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPoints)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPoints)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) ListPoints() ([]*Point, error) {
	var points []*Point
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPoints)
		if b == nil {
			return nil // no bucket = no points
		}
		points = make([]*Point, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var p Point
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			points = append(points, &p)
			return nil
		})
	})
	return points, err
}

func (s *BoltStore) UpdatePoint(name string, fn func(p *Point) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPoints)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPoints)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("point %s: %w", name, ErrNotFound)
		}
		var p Point
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		if p.Name != name {
			return fmt.Errorf("point %s: rename not allowed", name)
		}
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
