package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PreservesOrder(t *testing.T) {
	q := NewQueue(8, nil)
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.Submit(func() { got = append(got, i) }))
	}
	require.True(t, q.Do(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_ConcurrentSubmitters(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Submit(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	q.Do(func() { final = counter })
	assert.Equal(t, 2000, final)
}

func TestQueue_SurvivesPanic(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()

	q.Submit(func() { panic("boom") })

	ran := false
	require.True(t, q.Do(func() { ran = true }))
	assert.True(t, ran)
}

func TestQueue_ClosedRejectsWork(t *testing.T) {
	q := NewQueue(4, nil)
	q.Close()
	q.Close()

	assert.False(t, q.Submit(func() {}))
	assert.False(t, q.Do(func() {}))
	assert.Equal(t, 0, q.Len())
}
