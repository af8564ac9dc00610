// Package state provides the persisted list containers a sink driver keeps
// its transaction bookkeeping in. A ListState survives process restarts; the
// driver clears and re-populates it on every snapshot and reads it once on
// recovery.
package state

import (
	"fmt"
)

var (
	ErrClosed = fmt.Errorf("state: closed")
)

// ListState is a durable, ordered list of opaque records.
type ListState interface {
	// Add appends a record.
	Add(value []byte) error
	// Clear drops every record.
	Clear() error
	// Get returns all records in insertion order.
	Get() ([][]byte, error)
	// Update atomically replaces the content with values.
	Update(values [][]byte) error
}

// Handle is an immutable copy of a ListState's records, used as an external
// recovery point.
type Handle struct {
	records [][]byte
}

// Capture copies the current content of s into a Handle.
func Capture(s ListState) (Handle, error) {
	records, err := s.Get()
	if err != nil {
		return Handle{}, err
	}
	return Handle{records: cloneAll(records)}, nil
}

// NewHandle builds a Handle from raw records.
func NewHandle(records [][]byte) Handle {
	return Handle{records: cloneAll(records)}
}

// Records returns a copy of the captured records.
func (h Handle) Records() [][]byte {
	return cloneAll(h.records)
}

// Empty reports whether the handle holds no records.
func (h Handle) Empty() bool {
	return len(h.records) == 0
}

func cloneAll(values [][]byte) [][]byte {
	if values == nil {
		return nil
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = append([]byte(nil), v...)
	}
	return out
}
