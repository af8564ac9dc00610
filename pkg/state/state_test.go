package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/wal"
)

func bs(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func exerciseListState(t *testing.T, s ListState) {
	t.Helper()

	got, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Add([]byte("a")))
	require.NoError(t, s.Add([]byte("b")))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, bs("a", "b"), got)

	require.NoError(t, s.Update(bs("c")))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, bs("c"), got)

	require.NoError(t, s.Clear())
	got, err = s.Get()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory(t *testing.T) {
	exerciseListState(t, NewMemory())
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Add([]byte("x")))

	got, _ := m.Get()
	got[0][0] = 'y'

	again, _ := m.Get()
	assert.Equal(t, bs("x"), again)
}

func TestHandle_Capture(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Update(bs("one", "two")))

	h, err := Capture(m)
	require.NoError(t, err)
	require.NoError(t, m.Clear())

	assert.False(t, h.Empty())
	restored := NewMemoryFrom(h)
	got, err := restored.Get()
	require.NoError(t, err)
	assert.Equal(t, bs("one", "two"), got)

	assert.True(t, NewHandle(nil).Empty())
}

func TestLogState(t *testing.T) {
	s, err := OpenLog(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Restored())
	exerciseListState(t, s)
}

func TestLogState_Reopen(t *testing.T) {
	for _, compress := range []bool{true, false} {
		dir := t.TempDir()

		s, err := OpenLog(dir, WithCompression(compress))
		require.NoError(t, err)
		require.NoError(t, s.Update(bs("first")))
		require.NoError(t, s.Update(bs("second", "third")))
		require.NoError(t, s.Add([]byte("fourth")))
		require.NoError(t, s.Close())

		reopened, err := OpenLog(dir, WithCompression(!compress))
		require.NoError(t, err)

		assert.True(t, reopened.Restored())
		got, err := reopened.Get()
		require.NoError(t, err)
		assert.Equal(t, bs("second", "third", "fourth"), got)
		require.NoError(t, reopened.Close())
	}
}

func TestLogState_UpdateCompacts(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLog(dir, WithWAL(wal.WithMaxSegmentSize(64)))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Add([]byte("some value that fills segments")))
	}
	require.NoError(t, s.Update(bs("only")))

	assert.Empty(t, s.wal.SealedSegments())

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, bs("only"), got)
}

func TestLogState_UnknownRecordType(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewManager(dir)
	require.NoError(t, err)
	_, err = w.Append(wal.Record{Type: 0x07, Values: bs("foreign")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = OpenLog(dir)
	assert.ErrorIs(t, err, wal.ErrCorrupt)
}

func TestLogState_Closed(t *testing.T) {
	s, err := OpenLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Add([]byte("x")), ErrClosed)
	_, err = s.Get()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}
