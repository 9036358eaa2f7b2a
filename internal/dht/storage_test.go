package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage(0)
	kw := RandomID()

	assert.Nil(t, s.Get(kw))
	_, ok := s.GetSpecific(kw, []byte("a"))
	assert.False(t, ok)

	require.NoError(t, s.Set(kw, []byte("b"), []byte("2")))
	require.NoError(t, s.Set(kw, []byte("a"), []byte("1")))

	pairs := s.Get(kw)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", string(pairs[0].Key), "pairs come back ordered by key")
	assert.Equal(t, "b", string(pairs[1].Key))

	v, ok := s.GetSpecific(kw, []byte("a"))
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	// Last write wins per (keyword, key).
	require.NoError(t, s.Set(kw, []byte("a"), []byte("3")))
	v, _ = s.GetSpecific(kw, []byte("a"))
	assert.Equal(t, "3", string(v))

	require.NoError(t, s.Delete(kw, []byte("a")))
	_, ok = s.GetSpecific(kw, []byte("a"))
	assert.False(t, ok)

	require.NoError(t, s.Delete(kw, []byte("b")))
	assert.Empty(t, s.Keywords(), "keyword disappears with its last record")
}

func TestMemoryStorageKeywords(t *testing.T) {
	s := NewMemoryStorage(0)
	kw1, kw2 := RandomID(), RandomID()
	require.NoError(t, s.Set(kw1, []byte("k"), []byte("v")))
	require.NoError(t, s.Set(kw2, []byte("k"), []byte("v")))
	assert.ElementsMatch(t, []NodeID{kw1, kw2}, s.Keywords())
}

func TestMemoryStorageTTL(t *testing.T) {
	s := NewMemoryStorage(10 * time.Millisecond)
	kw := RandomID()
	require.NoError(t, s.Set(kw, []byte("k"), []byte("v")))

	_, ok := s.GetSpecific(kw, []byte("k"))
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = s.GetSpecific(kw, []byte("k"))
	assert.False(t, ok, "expired records are invisible")
	assert.Nil(t, s.Get(kw))

	assert.Equal(t, 1, s.Prune())
	assert.Empty(t, s.Keywords())
	assert.Equal(t, 0, s.Prune(), "prune is idempotent")
}

func TestMemoryStorageCopiesValues(t *testing.T) {
	s := NewMemoryStorage(0)
	kw := RandomID()
	value := []byte("original")
	require.NoError(t, s.Set(kw, []byte("k"), value))
	value[0] = 'X'

	got, _ := s.GetSpecific(kw, []byte("k"))
	assert.Equal(t, "original", string(got))
}
