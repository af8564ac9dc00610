package harness

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/state"
	"github.com/mirkobrombin/go-twophase/pkg/twophase"
)

// listSink buffers values per transaction and appends them to out on commit.
type listSink struct {
	next    int
	buffers map[int][]int
	out     []int
}

func (s *listSink) BeginTransaction(context.Context) (int, error) {
	s.next++
	return s.next, nil
}

func (s *listSink) Invoke(_ context.Context, txn int, v int) error {
	s.buffers[txn] = append(s.buffers[txn], v)
	return nil
}

func (s *listSink) PreCommit(context.Context, int) error { return nil }

func (s *listSink) Commit(_ context.Context, txn int) error {
	s.out = append(s.out, s.buffers[txn]...)
	delete(s.buffers, txn)
	return nil
}

func (s *listSink) Abort(_ context.Context, txn int) error {
	delete(s.buffers, txn)
	return nil
}

var intCodec = twophase.Codec[int]{
	Encode: func(v int) ([]byte, error) { return []byte(strconv.Itoa(v)), nil },
	Decode: func(b []byte) (int, error) { return strconv.Atoi(string(b)) },
}

func factory(s *listSink) Factory[int, int, twophase.NoContext] {
	return func(opts ...twophase.Option) *twophase.Driver[int, int, twophase.NoContext] {
		return twophase.New[int, int, twophase.NoContext](s, twophase.Serde[int, twophase.NoContext]{
			Transaction: intCodec,
			Context:     twophase.NoContextCodec,
		}, opts...)
	}
}

func TestHarness_Lifecycle(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := &listSink{buffers: map[int][]int{}}
	h := New(factory(sink), WithName("numbers"), WithSubtask(2, 4), WithLogger(logger))
	assert.Equal(t, "numbers 3/4", h.Driver().Name())

	assert.ErrorIs(t, h.ProcessElement(ctx, 1), ErrNotOpen)
	_, err := h.Snapshot(ctx, 1)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.EqualError(t, err, "harness: task not open")

	require.NoError(t, h.Open(ctx))
	assert.EqualError(t, h.Open(ctx), "harness: task already open")

	require.NoError(t, h.ProcessElement(ctx, 1))
	require.NoError(t, h.ProcessElement(ctx, 2))
	handle, err := h.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, handle.Records(), 1)
	assert.Equal(t, 2, h.Processed())

	require.NoError(t, h.NotifyOfCompletedCheckpoint(ctx, 1))
	assert.Equal(t, []int{1, 2}, sink.out)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	assert.Contains(t, logs.String(), `sink="numbers 3/4"`)
}

func TestHarness_RestoreFromHandle(t *testing.T) {
	ctx := context.Background()
	sink := &listSink{buffers: map[int][]int{}}
	h := New(factory(sink))
	require.NoError(t, h.Open(ctx))

	require.NoError(t, h.ProcessElement(ctx, 7))
	handle, err := h.Snapshot(ctx, 1)
	require.NoError(t, err)

	// Snapshots taken later must not leak into the handle.
	require.NoError(t, h.ProcessElement(ctx, 8))
	_, err = h.Snapshot(ctx, 2)
	require.NoError(t, err)

	restored := New(factory(sink))
	require.NoError(t, restored.InitializeState(ctx, handle))
	assert.Equal(t, []int{7}, sink.out)
	assert.Empty(t, restored.Driver().PendingCheckpoints())
	assert.ErrorIs(t, restored.InitializeState(ctx, handle), ErrAlreadyOpen)
}

func TestHarness_EmptyHandle(t *testing.T) {
	ctx := context.Background()
	sink := &listSink{buffers: map[int][]int{}}
	store := state.NewMemory()

	h := New(factory(sink), WithStore(store))
	require.NoError(t, h.InitializeState(ctx, state.Handle{}))
	assert.Same(t, store, h.Store())

	records, err := store.Get()
	require.NoError(t, err)
	assert.Empty(t, records)
}
