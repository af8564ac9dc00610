package twophase

import "fmt"

var (
	ErrNotInitialized     = fmt.Errorf("twophase: driver not initialized")
	ErrAlreadyInitialized = fmt.Errorf("twophase: driver already initialized")
	ErrClosed             = fmt.Errorf("twophase: driver closed")
	ErrFailed             = fmt.Errorf("twophase: driver failed, restart required")

	// ErrNoTransaction means a snapshot arrived without a current
	// transaction, which only happens if Initialize was skipped or failed.
	ErrNoTransaction = fmt.Errorf("twophase: bug: no transaction object when performing state snapshot")

	// ErrNoPendingTransaction means a checkpoint completed that has no
	// matching snapshot.
	ErrNoPendingTransaction = fmt.Errorf("twophase: checkpoint completed, but no transaction pending")

	ErrCheckpointOrder = fmt.Errorf("twophase: checkpoint id not greater than the last pending one")
	ErrCommitFailed    = fmt.Errorf("twophase: commit failed")
	ErrRecoveryFailed  = fmt.Errorf("twophase: recovery failed")
)
