package twophase

import (
	"context"
)

// Handler is implemented by every concrete sink. The driver owns the
// transaction handles and hands them to the handler one call at a time.
type Handler[IN, TXN any] interface {
	// BeginTransaction starts a new transaction.
	BeginTransaction(ctx context.Context) (TXN, error)

	// Invoke writes value within txn.
	Invoke(ctx context.Context, txn TXN, value IN) error

	// PreCommit prepares txn for a commit that may happen later, usually by
	// flushing it. The transaction can still be aborted afterwards, but a
	// Commit of a pre-committed transaction must always succeed eventually.
	PreCommit(ctx context.Context, txn TXN) error

	// Commit makes a pre-committed transaction visible. A failure is fatal
	// for the driver: the task is restarted and the transaction reaches
	// RecoverAndCommit again.
	Commit(ctx context.Context, txn TXN) error

	// Abort discards txn.
	Abort(ctx context.Context, txn TXN) error
}

// Recoverer is implemented by handlers that need different behaviour for
// transactions restored after a failure. Without it the driver falls back to
// Commit and Abort.
type Recoverer[TXN any] interface {
	// RecoverAndCommit is invoked on restored pre-committed transactions, in
	// the order they were created. It must eventually succeed or data is
	// lost, and it must tolerate transactions that were already committed.
	RecoverAndCommit(ctx context.Context, txn TXN) error

	// RecoverAndAbort is invoked on the restored transaction that was open
	// when the previous run stopped.
	RecoverAndAbort(ctx context.Context, txn TXN) error
}

// ContextInitializer creates the user context when there is none to restore.
type ContextInitializer[CTX any] interface {
	InitializeUserContext(ctx context.Context) (Optional[CTX], error)
}

// ContextRecoverer is told when a restored user context has gone through
// recovery of its transactions.
type ContextRecoverer[CTX any] interface {
	FinishRecoveringContext(ctx context.Context, userCtx CTX) error
}

// Codec converts a value to and from its persisted form.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// Serde carries the codecs for the persisted driver state.
type Serde[TXN, CTX any] struct {
	Transaction Codec[TXN]
	Context     Codec[CTX]
}

// NoContext is the context type of sinks that do not need one.
type NoContext struct{}

// NoContextCodec persists NoContext as an empty payload.
var NoContextCodec = Codec[NoContext]{
	Encode: func(NoContext) ([]byte, error) { return nil, nil },
	Decode: func([]byte) (NoContext, error) { return NoContext{}, nil },
}
