package preauth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConnections(t *testing.T) {
	p := NewPool(2)

	a, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, p.InUse())

	_, ok = p.Acquire()
	assert.False(t, ok, "pool beyond limit must refuse")

	require.NoError(t, a.Release())
	assert.Equal(t, 1, p.InUse())
	_, ok = p.Acquire()
	assert.True(t, ok)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewPool(1)
	s, ok := p.Acquire()
	require.True(t, ok)

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrAlreadyReleased)
	assert.Equal(t, 0, p.InUse(), "double release must not go negative")
}

func TestUnlimitedPool(t *testing.T) {
	p := NewPool(0)
	for i := 0; i < 100; i++ {
		_, ok := p.Acquire()
		require.True(t, ok)
	}
	assert.Equal(t, 100, p.InUse())
}

func TestPoolUnderConcurrentAccess(t *testing.T) {
	const limit = 16
	p := NewPool(limit)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if s, ok := p.Acquire(); ok {
					s.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.InUse())
	_, ok := p.Acquire()
	assert.True(t, ok)
}
