package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDB(t *testing.T) {
	t.Run("put and get", func(t *testing.T) {
		db := NewMemDB()
		require.NoError(t, db.Put([]byte("order/a"), []byte("one")))

		value, err := db.Get([]byte("order/a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), value)
	})

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		db := NewMemDB()
		_, err := db.Get([]byte("order/missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		db := NewMemDB()
		require.NoError(t, db.Put([]byte("order/a"), []byte("one")))
		require.NoError(t, db.Delete([]byte("order/a")))

		_, err := db.Get([]byte("order/a"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("values are copied", func(t *testing.T) {
		db := NewMemDB()
		value := []byte("one")
		require.NoError(t, db.Put([]byte("order/a"), value))
		value[0] = 'X'

		stored, err := db.Get([]byte("order/a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), stored)
	})

	t.Run("iterate prefix isolation", func(t *testing.T) {
		db := NewMemDB()
		require.NoError(t, db.Put([]byte("order/a"), []byte("1")))
		require.NoError(t, db.Put([]byte("order/b"), []byte("2")))
		require.NoError(t, db.Put([]byte("cursor/source"), []byte("3")))

		seen := map[string]string{}
		err := db.IteratePrefix([]byte("order/"), func(key, value []byte) bool {
			seen[string(key)] = string(value)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"order/a": "1", "order/b": "2"}, seen)
	})

	t.Run("iteration stops when fn returns false", func(t *testing.T) {
		db := NewMemDB()
		require.NoError(t, db.Put([]byte("relay/a"), []byte("1")))
		require.NoError(t, db.Put([]byte("relay/b"), []byte("2")))

		count := 0
		err := db.IteratePrefix([]byte("relay/"), func(key, value []byte) bool {
			count++
			return false
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
