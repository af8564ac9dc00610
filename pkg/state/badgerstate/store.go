// Package badgerstate stores a ListState under a key prefix of a badger
// database.
package badgerstate

import (
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/mirkobrombin/go-twophase/pkg/state"
)

// Store keeps the records of one ListState under "<name>/" followed by a
// big-endian sequence number.
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	prefix []byte
	next   uint64
	owned  bool
}

// Open opens a badger database in dir and binds the store to name.
func Open(dir, name string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
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

// New binds a store to an already opened database.
func New(db *badger.DB, name string) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("badgerstate: empty state name")
	}
	s := &Store{db: db, prefix: []byte(name + "/")}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible key of the prefix to find the last one.
		seek := append(append([]byte(nil), s.prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(s.prefix) {
			key := it.Item().Key()
			s.next = binary.BigEndian.Uint64(key[len(s.prefix):]) + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) key(seq uint64) []byte {
	k := make([]byte, len(s.prefix)+8)
	copy(k, s.prefix)
	binary.BigEndian.PutUint64(k[len(s.prefix):], seq)
	return k
}

func (s *Store) Add(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(seq), value)
	})
	if err != nil {
		return err
	}
	s.next++
	return nil
}

func (s *Store) Clear() error {
	return s.Update(nil)
}

func (s *Store) Get() ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Update deletes every record of the prefix and writes values in a single
// badger transaction.
func (s *Store) Update(values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for i, v := range values {
			if err := txn.Set(s.key(uint64(i)), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.next = uint64(len(values))
	return nil
}

// Restored reports whether the prefix holds any record.
func (s *Store) Restored() (bool, error) {
	restored := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(s.prefix)
		restored = it.ValidForPrefix(s.prefix)
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
