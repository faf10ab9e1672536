package kvstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSlots = []byte("slots")

// BoltStore keeps every key in a single bucket. Each Put is its own
// read-write transaction, which bbolt fsyncs before returning.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSlots); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketSlots, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key uint16) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSlots).Get(boltKey(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(key uint16, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Put(boltKey(key), value)
	})
}

func (s *BoltStore) Delete(key uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Delete(boltKey(key))
	})
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSlots) == nil {
			return fmt.Errorf("bucket %s missing", bucketSlots)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(key uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], key)
	return b[:]
}
