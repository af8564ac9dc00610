package warpsink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-warp/v1/adapter"
	bolt "go.etcd.io/bbolt"
)

// BoltStore is a go-warp store over a bbolt bucket. Values are JSON encoded.
type BoltStore[T any] struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore binds a store to the named bucket of db, creating it if needed.
func NewBoltStore[T any](db *bolt.DB, bucket string) (*BoltStore[T], error) {
	if bucket == "" {
		return nil, fmt.Errorf("warpsink: empty bucket name")
	}
	s := &BoltStore[T]{db: db, bucket: []byte(bucket)}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get implements adapter.Store.Get.
func (s *BoltStore[T]) Get(_ context.Context, key string) (T, bool, error) {
	var (
		val   T
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &val)
	})
	return val, found, err
}

// Set implements adapter.Store.Set.
func (s *BoltStore[T]) Set(_ context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
}

// Keys implements adapter.Store.Keys.
func (s *BoltStore[T]) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Batch implements adapter.Batcher.Batch. Operations are staged in memory
// and written in a single bolt transaction on Commit.
func (s *BoltStore[T]) Batch(_ context.Context) (adapter.Batch[T], error) {
	return &boltBatch[T]{store: s}, nil
}

type boltOp struct {
	key    []byte
	value  []byte
	delete bool
}

type boltBatch[T any] struct {
	store *BoltStore[T]
	ops   []boltOp
}

func (b *boltBatch[T]) Set(_ context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, boltOp{key: []byte(key), value: data})
	return nil
}

func (b *boltBatch[T]) Delete(_ context.Context, key string) error {
	b.ops = append(b.ops, boltOp{key: []byte(key), delete: true})
	return nil
}

func (b *boltBatch[T]) Commit(_ context.Context) error {
	ops := b.ops
	b.ops = nil
	return b.store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.store.bucket)
		for _, op := range ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

var _ adapter.Store[any] = (*BoltStore[any])(nil)
var _ adapter.Batcher[any] = (*BoltStore[any])(nil)
