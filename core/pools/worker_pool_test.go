package pools

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitExecutesTasks(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Shutdown()

	var done sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 100; i++ {
		done.Add(1)
		ok := p.Submit(func() {
			count.Add(1)
			done.Done()
		})
		require.True(t, ok)
	}
	done.Wait()
	assert.Equal(t, int64(100), count.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestSingleWorkerRunsInSubmissionOrder(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	var mu sync.Mutex
	var order []int
	var done sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		done.Add(1)
		p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			done.Done()
		})
	}
	done.Wait()

	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	p := NewWorkerPool(2)
	p.Shutdown()
	assert.False(t, p.Submit(func() {}))
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p := NewWorkerPool(2)

	var count atomic.Int64
	var done sync.WaitGroup
	for i := 0; i < 20; i++ {
		done.Add(1)
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
			done.Done()
		})
	}
	p.Shutdown()
	done.Wait()
	assert.Equal(t, int64(20), count.Load())
}

func TestDefaultWorkerCount(t *testing.T) {
	p := NewWorkerPool(0)
	defer p.Shutdown()

	var done sync.WaitGroup
	done.Add(1)
	require.True(t, p.Submit(func() { done.Done() }))
	done.Wait()
}
