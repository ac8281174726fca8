package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterGetDelete(t *testing.T) {
	r := New[string, int]()

	r.Register("a", 1)
	r.Register("a", 2)

	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.True(t, r.Has("a"))
	assert.Equal(t, 1, r.Len())

	r.Delete("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_GetOrCreate_CreatesOnce(t *testing.T) {
	r := New[string, *sync.Mutex]()

	created := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]*sync.Mutex, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := r.GetOrCreate("conv-1", func() *sync.Mutex {
				mu.Lock()
				created++
				mu.Unlock()
				return &sync.Mutex{}
			})
			results[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}

func TestRegistry_Keys(t *testing.T) {
	r := New[string, bool]()
	r.Register("x", true)
	r.Register("y", true)

	assert.ElementsMatch(t, []string{"x", "y"}, r.Keys())
}
