// Package mongostate stores a ListState in a single MongoDB document.
package mongostate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/state"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
)

type Option = options.Option[Store]

// WithTimeout bounds every server round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// Store keeps all records of one ListState in the document whose _id is the
// state name. Single document writes are atomic, which is what Update needs.
type Store struct {
	coll    *mongo.Collection
	name    string
	timeout time.Duration
}

type document struct {
	ID      string   `bson:"_id"`
	Records [][]byte `bson:"records"`
}

func New(coll *mongo.Collection, name string, opts ...Option) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("mongostate: empty state name")
	}
	s := &Store{coll: coll, name: name, timeout: 10 * time.Second}
	options.Apply(s, opts...)
	return s, nil
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) Add(value []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": s.name},
		bson.M{"$push": bson.M{"records": value}},
		mongoopts.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) Clear() error {
	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.name})
	return err
}

func (s *Store) Get() ([][]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": s.name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Records, nil
}

// Update replaces the whole document.
func (s *Store) Update(values [][]byte) error {
	ctx, cancel := s.ctx()
	defer cancel()

	if values == nil {
		values = [][]byte{}
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": s.name},
		document{ID: s.name, Records: values},
		mongoopts.Replace().SetUpsert(true),
	)
	return err
}

// Restored reports whether the document exists.
func (s *Store) Restored() (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": s.name})
	return n > 0, err
}

var _ state.ListState = (*Store)(nil)
