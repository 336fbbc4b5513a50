package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_LoadStore(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.Load("missing")
	assert.False(t, ok)

	m.Store("a", 1)
	m.Store("b", 2)

	val, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, val)

	assert.Equal(t, 2, m.Length())
}

func TestMap_LoadOrStore(t *testing.T) {
	m := NewMap[string, int]()

	val, loaded := m.LoadOrStore("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, val)

	val, loaded = m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, val)
}

func TestMap_Delete(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("a", 1)

	m.Delete("a")
	_, ok := m.Load("a")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	m.Delete("missing")
}

func TestMap_Range(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 6, sum)

	visited := 0
	m.Range(func(_ string, _ int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestMap_ConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Store(i, i)
			m.Load(i)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, m.Length())
}
