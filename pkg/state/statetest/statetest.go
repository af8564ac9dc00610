// Package statetest holds the behaviour every state.ListState backend is
// expected to share.
package statetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/state"
)

func records(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

// Run checks add/get/update/clear ordering on an empty store.
func Run(t *testing.T, s state.ListState) {
	t.Helper()

	got, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Add([]byte("a")))
	require.NoError(t, s.Add([]byte("b")))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, records("a", "b"), got)

	require.NoError(t, s.Update(records("c", "d", "e")))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, records("c", "d", "e"), got)

	require.NoError(t, s.Add([]byte("f")))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, records("c", "d", "e", "f"), got)

	require.NoError(t, s.Clear())
	got, err = s.Get()
	require.NoError(t, err)
	assert.Empty(t, got)
}
