package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	buf := NewCircularBuffer[int](4)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, []int{1, 2, 3}, buf.ReadBatch(10))
	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf := NewCircularBuffer[int](3, WithDropCallback[int](func(item int) {
		dropped = append(dropped, item)
	}))

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, int64(2), buf.Stats().Drops)
	assert.Equal(t, int64(5), buf.Stats().Writes)
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	buf := NewCircularBuffer[string](2, WithOverflowPolicy[string](DropNewest))

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c"))

	assert.Equal(t, []string{"a", "b"}, buf.ReadBatch(5))
	assert.Equal(t, int64(1), buf.Stats().Drops)
}

func TestCircularBuffer_ReadySignal(t *testing.T) {
	buf := NewCircularBuffer[int](8)

	select {
	case <-buf.Ready():
		t.Fatal("ready fired on empty buffer")
	default:
	}

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	select {
	case <-buf.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled after write")
	}
	assert.Equal(t, []int{1, 2}, buf.ReadBatch(8))
}

func TestCircularBuffer_BlockReleasedByRead(t *testing.T) {
	buf := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, buf.Write(2))
	}()

	time.Sleep(20 * time.Millisecond)
	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	wg.Wait()
	v, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCircularBuffer_CloseRejectsWrites(t *testing.T) {
	buf := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))

	errCh := make(chan error, 1)
	go func() { errCh <- buf.Write(2) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked writer not released by Close")
	}
	assert.Error(t, buf.Write(3))
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Block", Block.String())
	assert.Equal(t, "Unknown", OverflowPolicy(42).String())
}
