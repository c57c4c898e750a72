package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	key := "gsod/2023/725030-14732.csv"
	assert.False(t, c.Has(key))

	entry, err := c.Put(key, []byte("STATION,DATE\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), entry.Size)
	assert.Len(t, entry.SHA256, 64)
	assert.Equal(t, filepath.Join(c.Dir(), "gsod", "2023", "725030-14732.csv"), entry.Path)

	assert.True(t, c.Has(key))
	data, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "STATION,DATE\n", string(data))
}

func TestPutIsWriteOnce(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	first, err := c.Put("a/b.csv", []byte("first"))
	require.NoError(t, err)
	second, err := c.Put("a/b.csv", []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, first.SHA256, second.SHA256)
	data, _ := c.Get("a/b.csv")
	assert.Equal(t, "first", string(data))
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = c.Put("x/y.csv.gz", []byte{1, 2, 3})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(c.Dir(), "x"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "y.csv.gz", entries[0].Name())
}

func TestConcurrentDistinctKeys(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Put(filepath.ToSlash(filepath.Join("pool", string(rune('a'+i))+".bin")), []byte{byte(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(c.Dir(), "pool"))
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestInvalidKeys(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "../escape", "a//b", "a/./b"} {
		_, err := c.Put(key, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
		assert.False(t, c.Has(key))
	}
}
