// Package redisstate stores a ListState in a Redis list.
package redisstate

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/state"
	"github.com/redis/go-redis/v9"
)

// Option defines a functional configuration for Store.
type Option = options.Option[Store]

// WithKeyPrefix sets the prefix prepended to the state name.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store keeps the records of one ListState in the Redis list
// "<prefix><name>". Durability is whatever the server's persistence
// settings give.
type Store struct {
	client redis.UniversalClient
	prefix string
	key    string
}

func New(client redis.UniversalClient, name string, opts ...Option) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("redisstate: empty state name")
	}
	s := &Store{client: client, prefix: "twophase:state:"}
	options.Apply(s, opts...)
	s.key = s.prefix + name
	return s, nil
}

// Key returns the Redis key the list is stored under.
func (s *Store) Key() string {
	return s.key
}

func (s *Store) Add(value []byte) error {
	return s.client.RPush(context.Background(), s.key, value).Err()
}

func (s *Store) Clear() error {
	return s.client.Del(context.Background(), s.key).Err()
}

func (s *Store) Get() ([][]byte, error) {
	values, err := s.client.LRange(context.Background(), s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Update replaces the list inside a MULTI/EXEC block.
func (s *Store) Update(values [][]byte) error {
	ctx := context.Background()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) == 0 {
			return nil
		}
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, s.key, args...)
		return nil
	})
	return err
}

// Restored reports whether the list exists.
func (s *Store) Restored() (bool, error) {
	n, err := s.client.Exists(context.Background(), s.key).Result()
	return n > 0, err
}

var _ state.ListState = (*Store)(nil)
