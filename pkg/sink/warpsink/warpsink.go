// Package warpsink is a transactional key/value sink on top of a go-warp
// store. Writes are buffered in the transaction and applied in one batch on
// commit, together with a marker that makes the commit idempotent.
package warpsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/twophase"
	"github.com/mirkobrombin/go-warp/v1/adapter"
	"github.com/mirkobrombin/go-warp/v1/cache"
)

const markerPrefix = "_twophase/commit/"

var ErrSealed = fmt.Errorf("warpsink: transaction already pre-committed")

// Record is a single write.
type Record[T any] struct {
	Key   string `json:"key"`
	Value T      `json:"value"`
}

// Entry is what ends up in the store: the value and the transaction that
// wrote it. Commit markers carry no value.
type Entry[T any] struct {
	Value T      `json:"value"`
	TxnID string `json:"txn"`
}

// Transaction buffers writes until commit. It is persisted whole, so a
// pre-committed transaction can be replayed after a restart.
type Transaction[T any] struct {
	ID     string      `json:"id"`
	Writes []Record[T] `json:"writes"`
	Sealed bool        `json:"sealed"`
}

func (t *Transaction[T]) String() string {
	return t.ID
}

// Session is the user context: it identifies the writer across restarts.
type Session struct {
	ID    string `json:"id"`
	Epoch int    `json:"epoch"`
}

// Store is the go-warp backend a Handler writes to.
type Store[T any] interface {
	adapter.Store[Entry[T]]
	adapter.Batcher[Entry[T]]
}

type Option = options.Option[config]

type config struct {
	log           *slog.Logger
	cachedCommits int
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCommitCache sets how many committed transaction IDs are remembered
// in memory before falling back to the store marker.
func WithCommitCache(size int) Option {
	return func(c *config) {
		c.cachedCommits = size
	}
}

type Handler[T any] struct {
	store     Store[T]
	committed cache.Cache[bool]
	log       *slog.Logger
	session   twophase.Optional[Session]
}

func New[T any](store Store[T], opts ...Option) *Handler[T] {
	cfg := config{log: slog.Default(), cachedCommits: 10000}
	options.Apply(&cfg, opts...)

	return &Handler[T]{
		store:     store,
		committed: cache.NewInMemory[bool](cache.WithMaxEntries[bool](cfg.cachedCommits)),
		log:       cfg.log,
	}
}

// Serde persists transactions and sessions as JSON.
func Serde[T any]() twophase.Serde[*Transaction[T], Session] {
	return twophase.Serde[*Transaction[T], Session]{
		Transaction: jsonCodec[*Transaction[T]](),
		Context:     jsonCodec[Session](),
	}
}

func jsonCodec[V any]() twophase.Codec[V] {
	return twophase.Codec[V]{
		Encode: func(v V) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (V, error) {
			var v V
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

// NewDriver wires h into a driver.
func NewDriver[T any](h *Handler[T], opts ...twophase.Option) *twophase.Driver[Record[T], *Transaction[T], Session] {
	return twophase.New[Record[T], *Transaction[T], Session](h, Serde[T](), opts...)
}

// Session returns the writer session, once the driver has set it up.
func (h *Handler[T]) Session() twophase.Optional[Session] {
	return h.session
}

func (h *Handler[T]) BeginTransaction(_ context.Context) (*Transaction[T], error) {
	return &Transaction[T]{ID: uuid.NewString()}, nil
}

func (h *Handler[T]) Invoke(_ context.Context, txn *Transaction[T], r Record[T]) error {
	if txn.Sealed {
		return ErrSealed
	}
	txn.Writes = append(txn.Writes, r)
	return nil
}

func (h *Handler[T]) PreCommit(_ context.Context, txn *Transaction[T]) error {
	txn.Sealed = true
	return nil
}

// Commit applies the writes and the commit marker in one batch. A
// transaction whose marker already exists is skipped.
func (h *Handler[T]) Commit(ctx context.Context, txn *Transaction[T]) error {
	done, err := h.isCommitted(ctx, txn.ID)
	if err != nil {
		return err
	}
	if done {
		h.log.Debug("transaction already committed", "transaction", txn.ID)
		return nil
	}

	b, err := h.store.Batch(ctx)
	if err != nil {
		return err
	}
	for _, w := range txn.Writes {
		if err := b.Set(ctx, w.Key, Entry[T]{Value: w.Value, TxnID: txn.ID}); err != nil {
			return err
		}
	}
	if err := b.Set(ctx, MarkerKey(txn.ID), Entry[T]{TxnID: txn.ID}); err != nil {
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return err
	}

	_ = h.committed.Set(ctx, txn.ID, true, 0)
	return nil
}

func (h *Handler[T]) isCommitted(ctx context.Context, id string) (bool, error) {
	if ok, hit, _ := h.committed.Get(ctx, id); hit && ok {
		return true, nil
	}
	_, found, err := h.store.Get(ctx, MarkerKey(id))
	if err != nil {
		return false, err
	}
	if found {
		_ = h.committed.Set(ctx, id, true, 0)
	}
	return found, nil
}

func (h *Handler[T]) Abort(_ context.Context, txn *Transaction[T]) error {
	txn.Writes = nil
	return nil
}

func (h *Handler[T]) RecoverAndCommit(ctx context.Context, txn *Transaction[T]) error {
	return h.Commit(ctx, txn)
}

// RecoverAndAbort has nothing to clean up: uncommitted writes never left
// the transaction buffer.
func (h *Handler[T]) RecoverAndAbort(_ context.Context, txn *Transaction[T]) error {
	h.log.Debug("dropping recovered transaction", "transaction", txn.ID, "writes", len(txn.Writes))
	return nil
}

func (h *Handler[T]) InitializeUserContext(_ context.Context) (twophase.Optional[Session], error) {
	s := twophase.Some(Session{ID: uuid.NewString()})
	h.session = s
	return s, nil
}

// FinishRecoveringContext resumes the restored session under a new epoch.
func (h *Handler[T]) FinishRecoveringContext(_ context.Context, s Session) error {
	s.Epoch++
	h.session = twophase.Some(s)
	h.log.Info("resumed session", "session", s.ID, "epoch", s.Epoch)
	return nil
}

// MarkerKey is the key of the commit marker of transaction id.
func MarkerKey(id string) string {
	return markerPrefix + id
}

// IsMarker reports whether key is a commit marker.
func IsMarker(key string) bool {
	return strings.HasPrefix(key, markerPrefix)
}
