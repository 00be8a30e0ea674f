package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoPushPopOrder(t *testing.T) {
	f := newFifo()
	require.True(t, f.push([]byte("a")))
	require.True(t, f.push([]byte("b")))

	item, ok := f.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), item)

	item, ok = f.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), item)
}

func TestFifoPopBlocksUntilPush(t *testing.T) {
	f := newFifo()

	done := make(chan []byte, 1)
	go func() {
		item, ok := f.pop()
		if ok {
			done <- item
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond) // give pop time to block
	require.True(t, f.push([]byte("late")))

	select {
	case item := <-done:
		assert.Equal(t, []byte("late"), item)
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
}

func TestFifoCloseWakesBlockedPoppers(t *testing.T) {
	f := newFifo()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := f.pop()
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	f.close()
	wg.Wait()

	for _, ok := range results {
		assert.False(t, ok)
	}
}

func TestFifoPushAfterCloseFails(t *testing.T) {
	f := newFifo()
	f.close()
	assert.False(t, f.push([]byte("x")))
}

func TestFifoLen(t *testing.T) {
	f := newFifo()
	assert.Equal(t, 0, f.len())
	f.push([]byte("a"))
	f.push([]byte("b"))
	assert.Equal(t, 2, f.len())
	f.pop()
	assert.Equal(t, 1, f.len())
}
