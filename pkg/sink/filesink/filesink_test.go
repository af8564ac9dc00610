package filesink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/harness"
	"github.com/mirkobrombin/go-twophase/pkg/state"
	"github.com/mirkobrombin/go-twophase/pkg/state/boltstate"
	"github.com/mirkobrombin/go-twophase/pkg/twophase"
)

var errInjected = errors.New("injected pre-commit failure")

// flaky fails PreCommit on demand.
type flaky struct {
	*Handler
	failPreCommit bool
}

func (f *flaky) PreCommit(ctx context.Context, txn *Transaction) error {
	if f.failPreCommit {
		return errInjected
	}
	return f.Handler.PreCommit(ctx, txn)
}

type fileHarness = harness.Harness[string, *Transaction, twophase.NoContext]

func newHarness(t *testing.T, h twophase.Handler[string, *Transaction], opts ...harness.Option) *fileHarness {
	t.Helper()
	opts = append([]harness.Option{
		harness.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return harness.New(func(o ...twophase.Option) *twophase.Driver[string, *Transaction, twophase.NoContext] {
		return twophase.New[string, *Transaction, twophase.NoContext](h, Serde, o...)
	}, opts...)
}

func newHandler(t *testing.T, root string) *Handler {
	t.Helper()
	h, err := New(filepath.Join(root, "tmp"), filepath.Join(root, "target"), WithSync(false))
	require.NoError(t, err)
	return h
}

func TestNotifyCommitsUpToCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, t.TempDir())
	task := newHarness(t, h)
	require.NoError(t, task.Open(ctx))

	require.NoError(t, task.ProcessElement(ctx, "42"))
	_, err := task.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, task.ProcessElement(ctx, "43"))
	_, err = task.Snapshot(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, task.ProcessElement(ctx, "44"))
	_, err = task.Snapshot(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, task.NotifyOfCompletedCheckpoint(ctx, 2))

	committed, err := h.Committed()
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "43"}, committed)

	pending, err := h.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2, "checkpoint 3 and the current transaction")

	require.NoError(t, task.Close(ctx))
	pending, err = h.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "only the pre-committed file of checkpoint 3")
}

func TestFailBeforeNotify(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	h := &flaky{Handler: newHandler(t, root)}
	task := newHarness(t, h)
	require.NoError(t, task.Open(ctx))

	require.NoError(t, task.ProcessElement(ctx, "42"))
	_, err := task.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, task.ProcessElement(ctx, "43"))
	recoveryPoint, err := task.Snapshot(ctx, 2)
	require.NoError(t, err)

	h.failPreCommit = true
	require.NoError(t, task.ProcessElement(ctx, "44"))
	_, err = task.Snapshot(ctx, 3)
	require.ErrorIs(t, err, errInjected)
	// The task dies here without closing.

	committed, err := h.Committed()
	require.NoError(t, err)
	assert.Empty(t, committed)

	restarted := newHandler(t, root)
	task = newHarness(t, restarted)
	require.NoError(t, task.InitializeState(ctx, recoveryPoint))

	committed, err = restarted.Committed()
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "43"}, committed)

	require.NoError(t, task.Close(ctx))
	pending, err := restarted.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailBeforeNotifyDurableStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	stateDir := filepath.Join(root, "state")

	log, err := state.OpenLog(stateDir)
	require.NoError(t, err)

	h := &flaky{Handler: newHandler(t, root)}
	task := newHarness(t, h, harness.WithStore(log))
	require.NoError(t, task.Open(ctx))

	require.NoError(t, task.ProcessElement(ctx, "42"))
	_, err = task.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, task.ProcessElement(ctx, "43"))
	_, err = task.Snapshot(ctx, 2)
	require.NoError(t, err)

	h.failPreCommit = true
	require.NoError(t, task.ProcessElement(ctx, "44"))
	_, err = task.Snapshot(ctx, 3)
	require.ErrorIs(t, err, errInjected)
	require.NoError(t, log.Close())

	log, err = state.OpenLog(stateDir)
	require.NoError(t, err)
	defer log.Close()
	require.True(t, log.Restored())

	restarted := newHandler(t, root)
	task = newHarness(t, restarted, harness.WithStore(log))
	require.NoError(t, task.Recover(ctx))
	require.NoError(t, task.Close(ctx))

	committed, err := restarted.Committed()
	require.NoError(t, err)
	assert.Equal(t, []string{"42", "43"}, committed)

	pending, err := restarted.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverTwiceCommitsOnce(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := filepath.Join(root, "state.db")

	store, err := boltstate.Open(path, "filesink")
	require.NoError(t, err)

	h := newHandler(t, root)
	task := newHarness(t, h, harness.WithStore(store))
	require.NoError(t, task.Open(ctx))
	require.NoError(t, task.ProcessElement(ctx, "1"))
	_, err = task.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, task.NotifyOfCompletedCheckpoint(ctx, 1))
	require.NoError(t, store.Close())

	// The state still lists checkpoint 1 as pending: the notification
	// arrived after the last snapshot.
	for range 2 {
		store, err = boltstate.Open(path, "filesink")
		require.NoError(t, err)
		restored, err := store.Restored()
		require.NoError(t, err)
		require.True(t, restored)

		task = newHarness(t, newHandler(t, root), harness.WithStore(store))
		require.NoError(t, task.Recover(ctx))
		require.NoError(t, task.Close(ctx))
		require.NoError(t, store.Close())
	}

	committed, err := h.Committed()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, committed)
}

func TestInvokeAfterPreCommit(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, t.TempDir())

	txn, err := h.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Invoke(ctx, txn, "a"))
	require.NoError(t, h.PreCommit(ctx, txn))
	assert.ErrorIs(t, h.Invoke(ctx, txn, "b"), ErrSealed)

	data, err := os.ReadFile(txn.TmpPath)
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(data))
}

func TestCodec(t *testing.T) {
	data, err := Codec.Encode(&Transaction{TmpPath: "/tmp/x"})
	require.NoError(t, err)

	txn, err := Codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", txn.TmpPath)
	assert.Equal(t, "x", txn.String())
}
