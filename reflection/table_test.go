package reflection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindMissingReturnsNil(t *testing.T) {
	tbl := New()
	assert.Nil(t, tbl.Find(Key{1, 0, 0}))
}

func TestAddCreatesThenReuses(t *testing.T) {
	tbl := New()
	e1 := tbl.Add(Key{1, 2, 3})
	e2 := tbl.Add(Key{1, 2, 3})
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, tbl.Len())
}

func TestConcurrentAddSameKeyReturnsSingleEntry(t *testing.T) {
	tbl := New()
	const n = 200
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			entries[i] = tbl.Add(Key{7, 7, 7})
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, 1, tbl.Len())
}

func TestConcurrentAccumulationUnderEntryLock(t *testing.T) {
	tbl := New()
	e := tbl.Add(Key{2, 0, 0})
	const n = 500
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			e.Lock()
			e.Temp1++
			e.Redundancy++
			e.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, float64(n), e.Temp1)
	assert.Equal(t, n, e.Redundancy)
}

func TestIterVisitsEveryEntry(t *testing.T) {
	tbl := New()
	keys := []Key{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}}
	for _, k := range keys {
		tbl.Add(k)
	}
	seen := map[Key]bool{}
	tbl.Iter(func(e *Entry) { seen[e.Key] = true })
	assert.Equal(t, len(keys), len(seen))
	for _, k := range keys {
		assert.True(t, seen[k])
	}
}
