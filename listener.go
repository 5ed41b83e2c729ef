package bufferqueue

import (
	"sync"

	"github.com/oniro-graphics/bufferqueue/internal/fence"
)

// ConsumerSurfaceDelegator is an optional secondary subscriber a
// ReleaseListenerDispatcher forwards every release notification to,
// alongside the primary registered ReleaseListener (spec §4.6).
type ConsumerSurfaceDelegator interface {
	OnBufferReleased(buf *Buffer)
	OnBufferReleasedWithFence(buf *Buffer, f *fence.Fence)
}

type releaseEventKind int

const (
	releaseEventPlain releaseEventKind = iota
	releaseEventWithFence
)

type releaseEvent struct {
	kind  releaseEventKind
	buf   *Buffer
	fence *fence.Fence
}

// ReleaseListenerDispatcher sits on the producer side of RegisterReleaseListener:
// it is installed as a BufferQueue's ReleaseListener so that a
// ReleaseBuffer call's notification crosses into TF_ASYNC territory
// instead of running on the consumer's own goroutine. A single worker
// drains a per-dispatcher FIFO queue, which is what gives delivery its
// per-sender ordering guarantee (spec §4.6, §5's ordering guarantees).
type ReleaseListenerDispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	callback  ReleaseListener
	delegator ConsumerSurfaceDelegator
	pending   []releaseEvent
	started   bool
	closed    bool
}

// NewReleaseListenerDispatcher returns an idle dispatcher; its worker
// goroutine starts lazily on the first Register or enqueued event.
func NewReleaseListenerDispatcher() *ReleaseListenerDispatcher {
	d := &ReleaseListenerDispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

var _ ReleaseListener = (*ReleaseListenerDispatcher)(nil)

// Register installs l as the callback invoked for subsequent events.
func (d *ReleaseListenerDispatcher) Register(l ReleaseListener) {
	d.mu.Lock()
	d.callback = l
	d.ensureStartedLocked()
	d.mu.Unlock()
}

// RegisterDelegator installs an optional secondary subscriber that
// receives every event the primary callback does.
func (d *ReleaseListenerDispatcher) RegisterDelegator(del ConsumerSurfaceDelegator) {
	d.mu.Lock()
	d.delegator = del
	d.mu.Unlock()
}

// Unregister clears the callback under the lock before returning, so no
// event taken off the queue after it returns reaches the old callback.
// An event the worker had already taken off the queue when Unregister
// ran may still be delivered to it.
func (d *ReleaseListenerDispatcher) Unregister() {
	d.mu.Lock()
	d.callback = nil
	d.mu.Unlock()
}

// OnBufferReleased enqueues a no-fence release event.
func (d *ReleaseListenerDispatcher) OnBufferReleased(buf *Buffer) {
	d.enqueue(releaseEvent{kind: releaseEventPlain, buf: buf})
}

// OnBufferReleasedWithFence enqueues a fenced release event.
func (d *ReleaseListenerDispatcher) OnBufferReleasedWithFence(buf *Buffer, f *fence.Fence) {
	d.enqueue(releaseEvent{kind: releaseEventWithFence, buf: buf, fence: f})
}

func (d *ReleaseListenerDispatcher) enqueue(ev releaseEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, ev)
	d.ensureStartedLocked()
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *ReleaseListenerDispatcher) ensureStartedLocked() {
	if d.started {
		return
	}
	d.started = true
	go d.run()
}

func (d *ReleaseListenerDispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		ev := d.pending[0]
		d.pending = d.pending[1:]
		cb := d.callback
		del := d.delegator
		d.mu.Unlock()

		deliverReleaseEvent(cb, del, ev)
	}
}

func deliverReleaseEvent(cb ReleaseListener, del ConsumerSurfaceDelegator, ev releaseEvent) {
	switch ev.kind {
	case releaseEventWithFence:
		if cb != nil {
			cb.OnBufferReleasedWithFence(ev.buf, ev.fence)
		}
		if del != nil {
			del.OnBufferReleasedWithFence(ev.buf, ev.fence)
		}
	default:
		if cb != nil {
			cb.OnBufferReleased(ev.buf)
		}
		if del != nil {
			del.OnBufferReleased(ev.buf)
		}
	}
}

// Close stops the worker goroutine once its queue drains. A closed
// dispatcher silently drops any further enqueued events.
func (d *ReleaseListenerDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
