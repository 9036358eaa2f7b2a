package sqlstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shirokane/kadnet/internal/dht"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// expire backdates every row so the next read sees it as gone.
func expire(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE records SET expires_at = ?`, time.Now().Add(-time.Minute).Unix())
	require.NoError(t, err)
}

func TestStoreCRUD(t *testing.T) {
	s := openTestStore(t, 0)
	kw := dht.RandomID()

	assert.Nil(t, s.Get(kw))

	require.NoError(t, s.Set(kw, []byte("b"), []byte("2")))
	require.NoError(t, s.Set(kw, []byte("a"), []byte("1")))

	pairs := s.Get(kw)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", string(pairs[0].Key), "pairs come back ordered by key")
	assert.Equal(t, "b", string(pairs[1].Key))

	v, ok := s.GetSpecific(kw, []byte("a"))
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	require.NoError(t, s.Set(kw, []byte("a"), []byte("3")))
	v, _ = s.GetSpecific(kw, []byte("a"))
	assert.Equal(t, "3", string(v), "last write wins")

	require.NoError(t, s.Delete(kw, []byte("a")))
	_, ok = s.GetSpecific(kw, []byte("a"))
	assert.False(t, ok)

	pairs = s.Get(kw)
	require.Len(t, pairs, 1)
}

func TestStoreKeywords(t *testing.T) {
	s := openTestStore(t, 0)
	kw1, kw2 := dht.RandomID(), dht.RandomID()
	require.NoError(t, s.Set(kw1, []byte("k"), []byte("v")))
	require.NoError(t, s.Set(kw2, []byte("k"), []byte("v")))
	assert.ElementsMatch(t, []dht.NodeID{kw1, kw2}, s.Keywords())
}

func TestStoreExpiry(t *testing.T) {
	s := openTestStore(t, time.Hour)
	kw := dht.RandomID()
	require.NoError(t, s.Set(kw, []byte("k"), []byte("v")))

	_, ok := s.GetSpecific(kw, []byte("k"))
	require.True(t, ok)

	expire(t, s)
	_, ok = s.GetSpecific(kw, []byte("k"))
	assert.False(t, ok, "expired records are invisible")
	assert.Nil(t, s.Get(kw))
	assert.Empty(t, s.Keywords())

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 0, s.Prune(), "prune is idempotent")
}

func TestStoreZeroTTLNeverExpires(t *testing.T) {
	s := openTestStore(t, 0)
	kw := dht.RandomID()
	require.NoError(t, s.Set(kw, []byte("k"), []byte("v")))

	assert.Equal(t, 0, s.Prune())
	_, ok := s.GetSpecific(kw, []byte("k"))
	assert.True(t, ok)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	kw := dht.RandomID()

	s, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set(kw, []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	defer s.Close()
	v, ok := s.GetSpecific(kw, []byte("k"))
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}
