// Package harness drives a single sink task the way a checkpointing engine
// would: open or restore, feed elements, take snapshots and deliver
// checkpoint completions. Snapshots are returned as state.Handle values that
// can be fed back into a fresh harness to simulate a restart.
package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/state"
	"github.com/mirkobrombin/go-twophase/pkg/twophase"
)

var (
	ErrAlreadyOpen = fmt.Errorf("harness: task already open")
	ErrNotOpen     = fmt.Errorf("harness: task not open")
)

// Factory builds the driver under test. The harness passes the options
// that name the task and wire its logger.
type Factory[IN, TXN, CTX any] func(opts ...twophase.Option) *twophase.Driver[IN, TXN, CTX]

type config struct {
	name        string
	subtask     int
	parallelism int
	store       state.ListState
	logger      *slog.Logger
	driverOpts  []twophase.Option
}

type Option = options.Option[config]

func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithSubtask sets the task index (zero based) and the total parallelism.
func WithSubtask(index, parallelism int) Option {
	return func(c *config) {
		c.subtask = index
		c.parallelism = parallelism
	}
}

// WithStore runs the task on s instead of a fresh in-memory state.
func WithStore(s state.ListState) Option {
	return func(c *config) {
		c.store = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDriverOptions forwards extra options to the factory.
func WithDriverOptions(opts ...twophase.Option) Option {
	return func(c *config) {
		c.driverOpts = append(c.driverOpts, opts...)
	}
}

// Harness is a one-task checkpoint engine. Like the driver it wraps, it is
// not safe for concurrent use.
type Harness[IN, TXN, CTX any] struct {
	cfg    config
	driver *twophase.Driver[IN, TXN, CTX]
	store  state.ListState
	open   bool

	processed int
}

func New[IN, TXN, CTX any](factory Factory[IN, TXN, CTX], opts ...Option) *Harness[IN, TXN, CTX] {
	cfg := config{
		name:        "sink",
		parallelism: 1,
		logger:      slog.Default(),
	}
	options.Apply(&cfg, opts...)

	store := cfg.store
	if store == nil {
		store = state.NewMemory()
	}

	driverOpts := append([]twophase.Option{
		twophase.WithName(cfg.TaskName()),
		twophase.WithLogger(cfg.logger),
	}, cfg.driverOpts...)

	return &Harness[IN, TXN, CTX]{
		cfg:    cfg,
		driver: factory(driverOpts...),
		store:  store,
	}
}

// TaskName is the name the task logs under, e.g. "sink 1/4".
func (c config) TaskName() string {
	return fmt.Sprintf("%s %d/%d", c.name, c.subtask+1, c.parallelism)
}

// Open starts the task without restoring anything.
func (h *Harness[IN, TXN, CTX]) Open(ctx context.Context) error {
	return h.initialize(ctx, false)
}

// InitializeState restores the task from a snapshot handle and opens it.
func (h *Harness[IN, TXN, CTX]) InitializeState(ctx context.Context, handle state.Handle) error {
	if h.open {
		return ErrAlreadyOpen
	}
	if err := h.store.Update(handle.Records()); err != nil {
		return fmt.Errorf("harness: load state: %w", err)
	}
	return h.initialize(ctx, true)
}

// Recover opens the task restoring whatever its store already holds, as
// after a process crash with a durable store.
func (h *Harness[IN, TXN, CTX]) Recover(ctx context.Context) error {
	return h.initialize(ctx, true)
}

func (h *Harness[IN, TXN, CTX]) initialize(ctx context.Context, restored bool) error {
	if h.open {
		return ErrAlreadyOpen
	}
	if err := h.driver.Initialize(ctx, h.store, restored); err != nil {
		return err
	}
	h.open = true
	return nil
}

func (h *Harness[IN, TXN, CTX]) ProcessElement(ctx context.Context, value IN) error {
	if !h.open {
		return ErrNotOpen
	}
	if err := h.driver.Invoke(ctx, value); err != nil {
		return err
	}
	h.processed++
	return nil
}

// Snapshot takes checkpoint checkpointID and returns a copy of the persisted
// state as it stands right after it.
func (h *Harness[IN, TXN, CTX]) Snapshot(ctx context.Context, checkpointID int64) (state.Handle, error) {
	if !h.open {
		return state.Handle{}, ErrNotOpen
	}
	if err := h.driver.Snapshot(ctx, checkpointID); err != nil {
		return state.Handle{}, err
	}
	return state.Capture(h.store)
}

func (h *Harness[IN, TXN, CTX]) NotifyOfCompletedCheckpoint(ctx context.Context, checkpointID int64) error {
	if !h.open {
		return ErrNotOpen
	}
	return h.driver.NotifyCheckpointComplete(ctx, checkpointID)
}

// Close closes the driver. It is a no-op on a task that was never opened.
func (h *Harness[IN, TXN, CTX]) Close(ctx context.Context) error {
	if !h.open {
		return nil
	}
	h.open = false
	return h.driver.Close(ctx)
}

func (h *Harness[IN, TXN, CTX]) Driver() *twophase.Driver[IN, TXN, CTX] {
	return h.driver
}

func (h *Harness[IN, TXN, CTX]) Store() state.ListState {
	return h.store
}

// Processed returns the number of elements accepted so far.
func (h *Harness[IN, TXN, CTX]) Processed() int {
	return h.processed
}
