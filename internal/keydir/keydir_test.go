package keydir

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/hupe1980/caskdb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(seg model.SegmentID, off uint64, ts uint64) model.Entry {
	return model.Entry{Location: model.Location{SegmentID: seg, Offset: off, Length: 10}, Timestamp: ts}
}

func TestKeydir_ShardRounding(t *testing.T) {
	assert.Equal(t, DefaultShards, New(0).ShardCount())
	assert.Equal(t, 1, New(1).ShardCount())
	assert.Equal(t, 8, New(5).ShardCount())
	assert.Equal(t, 16, New(16).ShardCount())
}

func TestKeydir_PutGetDelete(t *testing.T) {
	k := New(4)

	_, ok := k.Get([]byte("a"))
	assert.False(t, ok)

	_, replaced := k.Put([]byte("a"), entry(1, 0, 1))
	assert.False(t, replaced)

	prev, replaced := k.Put([]byte("a"), entry(1, 10, 2))
	assert.True(t, replaced)
	assert.Equal(t, uint64(1), prev.Timestamp)

	got, ok := k.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.Location.Offset)
	assert.Equal(t, 1, k.Len())

	prev, ok = k.Delete([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), prev.Timestamp)
	_, ok = k.Delete([]byte("a"))
	assert.False(t, ok)
	assert.Equal(t, 0, k.Len())
}

func TestKeydir_PutIfNewer(t *testing.T) {
	k := New(1)
	key := []byte("k")

	_, _, applied := k.PutIfNewer(key, entry(2, 0, 5))
	assert.True(t, applied)

	// Older timestamp in a later segment loses.
	_, _, applied = k.PutIfNewer(key, entry(3, 0, 4))
	assert.False(t, applied)

	prev, replaced, applied := k.PutIfNewer(key, entry(1, 0, 6))
	assert.True(t, applied)
	assert.True(t, replaced)
	assert.Equal(t, uint64(5), prev.Timestamp)
}

func TestKeydir_DeleteIfOlder(t *testing.T) {
	k := New(1)
	k.Put([]byte("k"), entry(1, 0, 5))

	_, ok := k.DeleteIfOlder([]byte("k"), 4)
	assert.False(t, ok)
	_, ok = k.DeleteIfOlder([]byte("k"), 6)
	assert.True(t, ok)
	_, ok = k.Get([]byte("k"))
	assert.False(t, ok)
}

func TestKeydir_CompareAndSwap(t *testing.T) {
	k := New(2)
	key := []byte("k")
	old := entry(1, 0, 1)
	moved := entry(9, 0, 1)

	assert.False(t, k.CompareAndSwap(key, old, moved))

	k.Put(key, old)
	assert.True(t, k.CompareAndSwap(key, old, moved))
	got, _ := k.Get(key)
	assert.Equal(t, moved, got)

	// A concurrent overwrite invalidates the expected entry.
	k.Put(key, entry(2, 0, 2))
	assert.False(t, k.CompareAndSwap(key, moved, entry(10, 0, 1)))
}

func TestKeydir_CompareAndDelete(t *testing.T) {
	k := New(2)
	key := []byte("k")
	old := entry(1, 0, 1)

	assert.False(t, k.CompareAndDelete(key, old))

	k.Put(key, old)
	assert.False(t, k.CompareAndDelete(key, entry(1, 8, 1)))
	assert.Equal(t, 1, k.Len())

	assert.True(t, k.CompareAndDelete(key, old))
	_, ok := k.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, k.Len())
}

func TestKeydir_RangeAndKeys(t *testing.T) {
	k := New(8)
	for i := 0; i < 100; i++ {
		k.Put([]byte(fmt.Sprintf("key-%03d", i)), entry(1, uint64(i), uint64(i+1)))
	}

	seen := 0
	k.Range(func(string, model.Entry) bool {
		seen++
		return true
	})
	assert.Equal(t, 100, seen)

	stopped := 0
	k.Range(func(string, model.Entry) bool {
		stopped++
		return stopped < 10
	})
	assert.Equal(t, 10, stopped)

	keys := k.Keys()
	require.Len(t, keys, 100)
	strs := make([]string, len(keys))
	for i, b := range keys {
		strs[i] = string(b)
	}
	sort.Strings(strs)
	assert.Equal(t, "key-000", strs[0])
	assert.Equal(t, "key-099", strs[99])
}

func TestKeydir_Concurrent(t *testing.T) {
	k := New(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				k.Put(key, entry(1, uint64(i), uint64(i+1)))
				_, ok := k.Get(key)
				assert.True(t, ok)
				if i%2 == 0 {
					k.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8*500, k.Len())
}
