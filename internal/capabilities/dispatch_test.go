package capabilities

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversAfterDelay(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()

	var mu sync.Mutex
	var delivered []string
	d.Register("execute", func(_ context.Context, p DispatchPayload) {
		mu.Lock()
		delivered = append(delivered, p.TaskID)
		mu.Unlock()
	})

	_, err := d.Enqueue("execute", DispatchPayload{TaskID: "task_1"}, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"task_1"}, delivered)
	mu.Unlock()
}

func TestDispatcherCancelPreventsDelivery(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()

	delivered := false
	d.Register("execute", func(_ context.Context, _ DispatchPayload) {
		delivered = true
	})

	handle, err := d.Enqueue("execute", DispatchPayload{TaskID: "task_2"}, 50*time.Millisecond)
	require.NoError(t, err)

	ok := d.Cancel(handle)
	assert.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, delivered)
}

func TestDispatcherCancelUnknownHandleReturnsFalse(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()
	assert.False(t, d.Cancel("nonexistent"))
}

func TestDispatcherEnqueueUnregisteredTargetErrors(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()
	_, err := d.Enqueue("nowhere", DispatchPayload{TaskID: "task_3"}, 0)
	assert.Error(t, err)
}

func TestDispatcherHigherPriorityDeliversFirstAtSameTime(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Stop()

	var mu sync.Mutex
	var order []string
	d.Register("execute", func(_ context.Context, p DispatchPayload) {
		mu.Lock()
		order = append(order, p.TaskID)
		mu.Unlock()
	})

	_, err := d.Enqueue("execute", DispatchPayload{TaskID: "low", Priority: 1}, 20*time.Millisecond)
	require.NoError(t, err)
	_, err = d.Enqueue("execute", DispatchPayload{TaskID: "high", Priority: 9}, 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}
