// Package twophase provides exactly-once delivery for sinks driven by a
// checkpointing stream engine. Writes go into a transaction that is
// pre-committed when a checkpoint is taken and committed only once the
// engine reports the checkpoint complete.
package twophase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type lifecycle int

const (
	uninitialized lifecycle = iota
	active
	closed
	failed
)

// Driver runs the two-phase commit protocol for one sink task on top of a
// checkpointing engine. The engine calls Initialize once, then Invoke,
// Snapshot and NotifyCheckpointComplete in any order, and finally Close.
// Those calls are never concurrent, so the driver holds no lock.
type Driver[IN, TXN, CTX any] struct {
	cfg     config
	handler Handler[IN, TXN]
	serde   Serde[TXN, CTX]
	log     *slog.Logger

	store   state.ListState
	status  lifecycle
	current *TXN
	pending pendingCommits[TXN]

	// lastCheckpoint is the highest checkpoint ID a transaction was filed
	// under, including ones already committed.
	lastCheckpoint int64
	snapshotted    bool

	userContext    Optional[CTX]
	contextRestore bool
}

// New creates a driver for handler. Optional handler capabilities
// (Recoverer, ContextInitializer, ContextRecoverer) are picked up by type
// assertion.
func New[IN, TXN, CTX any](handler Handler[IN, TXN], serde Serde[TXN, CTX], opts ...Option) *Driver[IN, TXN, CTX] {
	cfg := defaultConfig()
	options.Apply(&cfg, opts...)

	return &Driver[IN, TXN, CTX]{
		cfg:     cfg,
		handler: handler,
		serde:   serde,
		log:     cfg.logger.With("sink", cfg.name),
	}
}

func (d *Driver[IN, TXN, CTX]) Name() string {
	return d.cfg.name
}

// Initialize binds the driver to its persisted state. When restored is true
// the records in store are recovered first: every pre-committed transaction
// goes through RecoverAndCommit, in persisted order, and the transaction
// that was open goes through RecoverAndAbort. A new transaction is begun in
// every case.
func (d *Driver[IN, TXN, CTX]) Initialize(ctx context.Context, store state.ListState, restored bool) (err error) {
	ctx, span := d.cfg.tracer.Start(ctx, "twophase.initialize", trace.WithAttributes(
		attribute.String("sink", d.cfg.name),
		attribute.Bool("restored", restored),
	))
	defer func() { d.endSpan(span, "initialize", err) }()

	if d.status != uninitialized {
		return ErrAlreadyInitialized
	}
	d.store = store

	// When restoring we don't know whether the pending transactions were
	// already committed: the failure may have happened between the
	// checkpoint completing and the notification reaching us. The common
	// case is that they were, which is why RecoverAndCommit must be
	// idempotent. There may be no record at all (failure before the first
	// checkpoint) or several (state merged from other tasks).
	if restored {
		d.log.Info("restoring state")
		if err := d.recover(ctx); err != nil {
			d.status = failed
			return err
		}
	}

	if !d.contextRestore {
		d.log.Info("no state to restore")
		userCtx, err := d.initializeUserContext(ctx)
		if err != nil {
			return err
		}
		d.userContext = userCtx
	}

	d.pending.reset()
	d.cfg.metrics.SetPending(d.cfg.name, 0)

	txn, err := d.begin(ctx)
	if err != nil {
		return err
	}
	d.current = &txn
	d.status = active
	return nil
}

func (d *Driver[IN, TXN, CTX]) recover(ctx context.Context) error {
	records, err := d.store.Get()
	if err != nil {
		return fmt.Errorf("%w: read state: %w", ErrRecoveryFailed, err)
	}

	for _, record := range records {
		st, err := DecodeState(d.serde, record)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
		}

		d.userContext = st.Context
		d.contextRestore = true

		for _, txn := range st.PendingCommitTransactions {
			// If this fails, there is actually a data loss.
			if err := d.recoverAndCommit(ctx, txn); err != nil {
				d.log.Error("failed to commit recovered transaction", "transaction", txn, "err", err)
				return fmt.Errorf("%w: commit recovered transaction: %w", ErrRecoveryFailed, err)
			}
			d.cfg.metrics.IncRecoveredCommit(d.cfg.name)
			d.log.Info("committed recovered transaction", "transaction", txn)
		}

		if err := d.recoverAndAbort(ctx, st.PendingTransaction); err != nil {
			return fmt.Errorf("%w: abort recovered transaction: %w", ErrRecoveryFailed, err)
		}
		d.cfg.metrics.IncRecoveredAbort(d.cfg.name)
		d.log.Info("aborted recovered transaction", "transaction", st.PendingTransaction)

		if userCtx, ok := st.Context.Get(); ok {
			if r, ok := d.handler.(ContextRecoverer[CTX]); ok {
				if err := r.FinishRecoveringContext(ctx, userCtx); err != nil {
					return fmt.Errorf("%w: finish recovering context: %w", ErrRecoveryFailed, err)
				}
			}
		}
	}
	return nil
}

// Invoke writes value into the current transaction.
func (d *Driver[IN, TXN, CTX]) Invoke(ctx context.Context, value IN) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	return d.handler.Invoke(ctx, *d.current, value)
}

// Snapshot is the pre-commit phase: it flushes the current transaction,
// files it under checkpointID, starts a new one and persists the state.
// Any error fails the checkpoint.
func (d *Driver[IN, TXN, CTX]) Snapshot(ctx context.Context, checkpointID int64) (err error) {
	ctx, span := d.cfg.tracer.Start(ctx, "twophase.snapshot", trace.WithAttributes(
		attribute.String("sink", d.cfg.name),
		attribute.Int64("checkpoint.id", checkpointID),
	))
	defer func() { d.endSpan(span, "snapshot", err) }()

	if err := d.checkActive(); err != nil {
		return err
	}
	if d.current == nil {
		return ErrNoTransaction
	}
	if d.snapshotted && checkpointID <= d.lastCheckpoint {
		return fmt.Errorf("%w: %d after %d", ErrCheckpointOrder, checkpointID, d.lastCheckpoint)
	}

	txn := *d.current
	d.log.Debug("checkpoint triggered, flushing transaction", "checkpoint", checkpointID, "transaction", txn)

	if err := d.handler.PreCommit(ctx, txn); err != nil {
		return fmt.Errorf("twophase: pre-commit for checkpoint %d: %w", checkpointID, err)
	}
	d.cfg.metrics.IncPreCommitted(d.cfg.name)

	d.pending.put(checkpointID, txn)
	d.lastCheckpoint, d.snapshotted = checkpointID, true
	d.cfg.metrics.SetPending(d.cfg.name, d.pending.len())
	d.log.Debug("stored pending transactions", "checkpoints", d.pending.ids())

	next, err := d.begin(ctx)
	if err != nil {
		// txn is already filed as pending, so it can no longer be current.
		// Only a restart recovers it.
		d.current = nil
		d.status = failed
		d.log.Error("no transaction after pre-commit, driver needs a restart", "checkpoint", checkpointID, "err", err)
		return err
	}
	d.current = &next

	// In case of failure we might not be able to abort the current
	// transaction, so it goes into the state and is aborted after restart.
	record, err := EncodeState(d.serde, State[TXN, CTX]{
		PendingTransaction:        next,
		PendingCommitTransactions: d.pending.values(),
		Context:                   d.userContext,
	})
	if err != nil {
		return err
	}
	if err := d.persist(record); err != nil {
		return fmt.Errorf("twophase: persist state for checkpoint %d: %w", checkpointID, err)
	}

	d.cfg.metrics.IncSnapshots(d.cfg.name)
	return nil
}

func (d *Driver[IN, TXN, CTX]) persist(record []byte) error {
	return d.store.Update([][]byte{record})
}

// NotifyCheckpointComplete is the commit phase. Every pending transaction
// from a checkpoint up to and including checkpointID is committed, in
// checkpoint order.
//
// Usually exactly one transaction is pending. Several can be when an
// earlier checkpoint was subsumed by this one (its metadata never became
// durable, or another task could not persist its state in time), or when
// notifications are delayed and checkpoints overlap. There should never be
// none.
func (d *Driver[IN, TXN, CTX]) NotifyCheckpointComplete(ctx context.Context, checkpointID int64) (err error) {
	ctx, span := d.cfg.tracer.Start(ctx, "twophase.notify", trace.WithAttributes(
		attribute.String("sink", d.cfg.name),
		attribute.Int64("checkpoint.id", checkpointID),
	))
	defer func() { d.endSpan(span, "notify", err) }()

	if err := d.checkActive(); err != nil {
		return err
	}

	if d.pending.len() == 0 {
		d.status = failed
		d.log.Error("checkpoint completed, but no transaction pending", "checkpoint", checkpointID)
		return fmt.Errorf("%w: checkpoint %d", ErrNoPendingTransaction, checkpointID)
	}

	err = d.pending.commitUpTo(checkpointID, func(id int64, txn TXN) error {
		d.log.Info("checkpoint complete, committing transaction",
			"checkpoint", checkpointID, "transaction", txn, "from_checkpoint", id)

		if err := d.handler.Commit(ctx, txn); err != nil {
			return fmt.Errorf("%w: transaction from checkpoint %d: %w", ErrCommitFailed, id, err)
		}
		d.cfg.metrics.IncCommitted(d.cfg.name)
		d.log.Debug("committed checkpoint transaction", "transaction", txn)
		return nil
	})
	d.cfg.metrics.SetPending(d.cfg.name, d.pending.len())

	if err != nil {
		d.status = failed
		d.log.Error("commit failed, driver needs a restart", "checkpoint", checkpointID, "err", err)
		return err
	}
	return nil
}

// Close aborts the current transaction, which was never pre-committed.
// Pending transactions are left for a later notification or recovery.
func (d *Driver[IN, TXN, CTX]) Close(ctx context.Context) (err error) {
	ctx, span := d.cfg.tracer.Start(ctx, "twophase.close", trace.WithAttributes(
		attribute.String("sink", d.cfg.name),
	))
	defer func() { d.endSpan(span, "close", err) }()

	if d.status != failed {
		d.status = closed
	}

	if d.current == nil {
		return nil
	}
	txn := *d.current
	d.current = nil

	if err := d.handler.Abort(ctx, txn); err != nil {
		return fmt.Errorf("twophase: abort on close: %w", err)
	}
	d.cfg.metrics.IncAborted(d.cfg.name)
	return nil
}

// CurrentTransaction returns the transaction accepting writes, if any.
func (d *Driver[IN, TXN, CTX]) CurrentTransaction() (TXN, bool) {
	if d.current == nil {
		var zero TXN
		return zero, false
	}
	return *d.current, true
}

// PendingCheckpoints returns the checkpoint IDs awaiting completion, oldest
// first.
func (d *Driver[IN, TXN, CTX]) PendingCheckpoints() []int64 {
	return d.pending.ids()
}

// PendingTransactions returns the pre-committed transactions awaiting
// completion, oldest first.
func (d *Driver[IN, TXN, CTX]) PendingTransactions() []TXN {
	return d.pending.values()
}

func (d *Driver[IN, TXN, CTX]) UserContext() Optional[CTX] {
	return d.userContext
}

// Failed reports whether a fatal error requires the task to restart.
func (d *Driver[IN, TXN, CTX]) Failed() bool {
	return d.status == failed
}

func (d *Driver[IN, TXN, CTX]) checkActive() error {
	switch d.status {
	case uninitialized:
		return ErrNotInitialized
	case closed:
		return ErrClosed
	case failed:
		return ErrFailed
	}
	return nil
}

func (d *Driver[IN, TXN, CTX]) begin(ctx context.Context) (TXN, error) {
	txn, err := d.handler.BeginTransaction(ctx)
	if err != nil {
		var zero TXN
		return zero, fmt.Errorf("twophase: begin transaction: %w", err)
	}
	d.cfg.metrics.IncBegun(d.cfg.name)
	d.log.Debug("started new transaction", "transaction", txn)
	return txn, nil
}

func (d *Driver[IN, TXN, CTX]) recoverAndCommit(ctx context.Context, txn TXN) error {
	if r, ok := d.handler.(Recoverer[TXN]); ok {
		return r.RecoverAndCommit(ctx, txn)
	}
	return d.handler.Commit(ctx, txn)
}

func (d *Driver[IN, TXN, CTX]) recoverAndAbort(ctx context.Context, txn TXN) error {
	if r, ok := d.handler.(Recoverer[TXN]); ok {
		return r.RecoverAndAbort(ctx, txn)
	}
	return d.handler.Abort(ctx, txn)
}

func (d *Driver[IN, TXN, CTX]) initializeUserContext(ctx context.Context) (Optional[CTX], error) {
	if i, ok := d.handler.(ContextInitializer[CTX]); ok {
		userCtx, err := i.InitializeUserContext(ctx)
		if err != nil {
			return None[CTX](), fmt.Errorf("twophase: initialize user context: %w", err)
		}
		return userCtx, nil
	}
	return None[CTX](), nil
}

func (d *Driver[IN, TXN, CTX]) endSpan(span trace.Span, op string, err error) {
	if err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		d.cfg.metrics.IncFailures(d.cfg.name, op)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
