package idpool

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSequentialThenExhausted(t *testing.T) {
	p := New(3)
	for want := 0; want < 3; want++ {
		id, err := p.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	_, err := p.Allocate()
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, 3, p.Live())
}

func TestFreedIDIsReusedFirst(t *testing.T) {
	p := New(8)
	for i := 0; i < 4; i++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}
	p.Free(2)
	id, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 2, id, "most recently freed id comes back before never-used ids")

	id, err = p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 4, id)
}

func TestDoubleFreePanics(t *testing.T) {
	p := New(2)
	id, err := p.Allocate()
	require.NoError(t, err)
	p.Free(id)
	assert.Panics(t, func() { p.Free(id) })
	assert.Panics(t, func() { p.Free(7) })
}

func TestRandomSequenceNeverExceedsCapacity(t *testing.T) {
	const size = 16
	p := New(size)
	rng := rand.New(rand.NewSource(1))
	live := map[int]bool{}
	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			id, err := p.Allocate()
			if len(live) == size {
				require.True(t, IsExhausted(err))
				continue
			}
			require.NoError(t, err)
			require.False(t, live[id], "id %d handed out twice", id)
			live[id] = true
		} else {
			for id := range live {
				p.Free(id)
				delete(live, id)
				next, err := p.Allocate()
				require.NoError(t, err)
				require.Equal(t, id, next)
				live[next] = true
				break
			}
		}
		require.LessOrEqual(t, p.Live(), size)
		require.Equal(t, len(live), p.Live())
	}
}
