// Package boltstate stores a ListState in a bbolt bucket.
package boltstate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mirkobrombin/go-twophase/pkg/state"
	bolt "go.etcd.io/bbolt"
)

// Store keeps one ListState per bucket. Keys are big-endian sequence
// numbers, so a cursor walk returns records in insertion order.
type Store struct {
	db     *bolt.DB
	bucket []byte
	owned  bool
}

// Open opens the database at path and binds the store to the named bucket.
// The database is closed with the store.
func Open(path, name string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	s, err := New(db, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New binds a store to a bucket of an already opened database.
func New(db *bolt.DB, name string) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("boltstate: empty state name")
	}
	s := &Store{db: db, bucket: []byte(name)}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *Store) Add(value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), value)
	})
}

func (s *Store) Clear() error {
	return s.Update(nil)
}

func (s *Store) Get() ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

// Update recreates the bucket and writes values inside one transaction.
func (s *Store) Update(values [][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(s.bucket)
		if err != nil {
			return err
		}
		for _, v := range values {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restored reports whether the bucket holds any record.
func (s *Store) Restored() (bool, error) {
	restored := false
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(s.bucket).Cursor().First()
		restored = k != nil
		return nil
	})
	return restored, err
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

var _ state.ListState = (*Store)(nil)
