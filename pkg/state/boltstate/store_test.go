package boltstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/state/statetest"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), "sink-0")
	require.NoError(t, err)
	defer s.Close()

	statetest.Run(t, s)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path, "sink-0")
	require.NoError(t, err)
	restored, err := s.Restored()
	require.NoError(t, err)
	assert.False(t, restored)

	require.NoError(t, s.Update([][]byte{[]byte("x"), []byte("y")}))
	require.NoError(t, s.Close())

	s, err = Open(path, "sink-0")
	require.NoError(t, err)
	defer s.Close()

	restored, err = s.Restored()
	require.NoError(t, err)
	assert.True(t, restored)

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x"), []byte("y")}, got)
}

func TestNew_EmptyName(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), "sink-0")
	require.NoError(t, err)
	defer s.Close()

	_, err = New(s.db, "")
	assert.Error(t, err)
}
