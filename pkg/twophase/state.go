package twophase

import (
	"encoding/json"
	"fmt"
)

// State is the record persisted on every snapshot: the open transaction,
// every pre-committed transaction in checkpoint order, and the user context.
type State[TXN, CTX any] struct {
	PendingTransaction        TXN
	PendingCommitTransactions []TXN
	Context                   Optional[CTX]
}

// stateEnvelope is the on-disk layout of State. Handles and context are
// stored as the bytes produced by the handler's codecs.
type stateEnvelope struct {
	Version                   int      `json:"version"`
	PendingTransaction        []byte   `json:"pendingTransaction"`
	PendingCommitTransactions [][]byte `json:"pendingCommitTransactions"`
	HasContext                bool     `json:"hasContext"`
	Context                   []byte   `json:"context,omitempty"`
}

const stateVersion = 1

// EncodeState serializes s with the given codecs.
func EncodeState[TXN, CTX any](serde Serde[TXN, CTX], s State[TXN, CTX]) ([]byte, error) {
	env := stateEnvelope{
		Version:                   stateVersion,
		PendingCommitTransactions: make([][]byte, 0, len(s.PendingCommitTransactions)),
	}

	var err error
	env.PendingTransaction, err = serde.Transaction.Encode(s.PendingTransaction)
	if err != nil {
		return nil, fmt.Errorf("twophase: encode pending transaction: %w", err)
	}

	for i, txn := range s.PendingCommitTransactions {
		b, err := serde.Transaction.Encode(txn)
		if err != nil {
			return nil, fmt.Errorf("twophase: encode pending commit transaction %d: %w", i, err)
		}
		env.PendingCommitTransactions = append(env.PendingCommitTransactions, b)
	}

	if c, ok := s.Context.Get(); ok {
		env.HasContext = true
		env.Context, err = serde.Context.Encode(c)
		if err != nil {
			return nil, fmt.Errorf("twophase: encode context: %w", err)
		}
	}

	return json.Marshal(env)
}

// DecodeState is the inverse of EncodeState.
func DecodeState[TXN, CTX any](serde Serde[TXN, CTX], data []byte) (State[TXN, CTX], error) {
	var s State[TXN, CTX]

	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return s, fmt.Errorf("twophase: decode state: %w", err)
	}
	if env.Version != stateVersion {
		return s, fmt.Errorf("twophase: unsupported state version %d", env.Version)
	}

	var err error
	s.PendingTransaction, err = serde.Transaction.Decode(env.PendingTransaction)
	if err != nil {
		return s, fmt.Errorf("twophase: decode pending transaction: %w", err)
	}

	s.PendingCommitTransactions = make([]TXN, 0, len(env.PendingCommitTransactions))
	for i, b := range env.PendingCommitTransactions {
		txn, err := serde.Transaction.Decode(b)
		if err != nil {
			return s, fmt.Errorf("twophase: decode pending commit transaction %d: %w", i, err)
		}
		s.PendingCommitTransactions = append(s.PendingCommitTransactions, txn)
	}

	if env.HasContext {
		c, err := serde.Context.Decode(env.Context)
		if err != nil {
			return s, fmt.Errorf("twophase: decode context: %w", err)
		}
		s.Context = Some(c)
	}

	return s, nil
}
