package capabilities

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DispatchHandle identifies one pending or delivered dispatch.
type DispatchHandle string

// DispatchPayload carries a task id through the scheduled-delivery bus.
// Its shape matches the orchestrator's execute(task_id) callback contract.
type DispatchPayload struct {
	TaskID   string
	Priority int
}

// Callback is invoked when a dispatch's delay elapses. It must not block
// for long; the orchestrator's execute(task_id) entry point schedules its
// own work and returns.
type Callback func(ctx context.Context, payload DispatchPayload)

// pendingDispatch is one scheduled entry. Entries are ordered by fireAt;
// entries with equal fireAt are ordered by priority (higher first), then
// by sequence (earlier enqueue first) to guarantee FIFO among equals.
type pendingDispatch struct {
	handle  DispatchHandle
	target  string
	payload DispatchPayload
	fireAt  time.Time
	seq     uint64
	index   int
}

type dispatchHeap []*pendingDispatch

func (h dispatchHeap) Len() int { return len(h) }
func (h dispatchHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	if h[i].payload.Priority != h[j].payload.Priority {
		return h[i].payload.Priority > h[j].payload.Priority
	}
	return h[i].seq < h[j].seq
}
func (h dispatchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *dispatchHeap) Push(x any) {
	pd := x.(*pendingDispatch)
	pd.index = len(*h)
	*h = append(*h, pd)
}
func (h *dispatchHeap) Pop() any {
	old := *h
	n := len(old)
	pd := old[n-1]
	old[n-1] = nil
	pd.index = -1
	*h = old[:n-1]
	return pd
}

// Dispatcher is an in-process scheduled-delivery bus standing in for the
// "deferred dispatch" external capability: enqueue(target, payload, delay,
// priority) -> handle, cancel(handle) -> bool. A single timer is kept
// armed for the earliest pending entry rather than polling; priority
// breaks ties among entries due at the same time via a min-heap.
type Dispatcher struct {
	mu        sync.Mutex
	byHandle  map[DispatchHandle]*pendingDispatch
	queue     dispatchHeap
	callbacks map[string]Callback
	seq       uint64
	timer     *time.Timer
	mirror    *ProgressMirror

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. mirror may be nil if no websocket
// progress fan-out is wanted (e.g. in tests).
func NewDispatcher(mirror *ProgressMirror) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		byHandle:  make(map[DispatchHandle]*pendingDispatch),
		callbacks: make(map[string]Callback),
		mirror:    mirror,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register binds a callback to a dispatch target. The orchestrator
// registers its execute(task_id) entry point under a single well-known
// target name at startup.
func (d *Dispatcher) Register(target string, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[target] = cb
}

// Enqueue schedules payload for delivery to target after delay (zero means
// "as soon as possible"). Returns an opaque handle usable with Cancel.
func (d *Dispatcher) Enqueue(target string, payload DispatchPayload, delay time.Duration) (DispatchHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.callbacks[target]; !ok {
		return "", fmt.Errorf("dispatch target %q is not registered", target)
	}

	d.seq++
	pd := &pendingDispatch{
		handle:  DispatchHandle(fmt.Sprintf("disp_%s_%d", payload.TaskID, d.seq)),
		target:  target,
		payload: payload,
		fireAt:  time.Now().Add(delay),
		seq:     d.seq,
	}
	d.byHandle[pd.handle] = pd
	heap.Push(&d.queue, pd)
	d.rearm()
	return pd.handle, nil
}

// Cancel removes a pending dispatch. Returns false if the handle is
// unknown or has already fired -- the caller (orchestrator cancellation
// path) treats that as "let the executor's cooperative checkpoint catch it".
func (d *Dispatcher) Cancel(handle DispatchHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pd, ok := d.byHandle[handle]
	if !ok || pd.index < 0 {
		return false
	}
	heap.Remove(&d.queue, pd.index)
	delete(d.byHandle, handle)
	d.rearm()
	return true
}

// Start arms the dispatcher's internal timer loop. Call once at startup.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rearm()
}

// Stop tears down the timer loop.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// rearm must be called with mu held. It (re)schedules a single timer for
// the earliest pending dispatch, firing deliverDue when it elapses.
func (d *Dispatcher) rearm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.queue) == 0 {
		return
	}
	next := d.queue[0]
	delay := time.Until(next.fireAt)
	if delay < 0 {
		delay = 0
	}
	d.timer = time.AfterFunc(delay, d.deliverDue)
}

// deliverDue pops every entry whose fireAt has elapsed and invokes its
// callback, then rearms for the new earliest entry. Entries that come due
// in the same pass are delivered highest priority first, then in enqueue
// order.
func (d *Dispatcher) deliverDue() {
	d.mu.Lock()
	now := time.Now()
	var due []*pendingDispatch
	for len(d.queue) > 0 && !d.queue[0].fireAt.After(now) {
		pd := heap.Pop(&d.queue).(*pendingDispatch)
		delete(d.byHandle, pd.handle)
		due = append(due, pd)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].payload.Priority != due[j].payload.Priority {
			return due[i].payload.Priority > due[j].payload.Priority
		}
		return due[i].seq < due[j].seq
	})
	d.rearm()
	cbs := make(map[string]Callback, len(d.callbacks))
	for k, v := range d.callbacks {
		cbs[k] = v
	}
	d.mu.Unlock()

	for _, pd := range due {
		if cb, ok := cbs[pd.target]; ok {
			cb(d.ctx, pd.payload)
		}
	}
}
