package bufferqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
	"github.com/oniro-graphics/bufferqueue/internal/allocator/memhal"
	"github.com/oniro-graphics/bufferqueue/internal/fence"
	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

type countingListener struct {
	mu    sync.Mutex
	count int
}

func (l *countingListener) OnBufferAvailable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
}

func (l *countingListener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func testConfig() allocator.Config {
	return allocator.Config{Width: 640, Height: 480, StrideAlignment: 4, Format: 1, Usage: 0, Timeout: 0}
}

func newTestQueue(t *testing.T, size int32) *BufferQueue {
	t.Helper()
	q := New(Config{Name: "test", QueueSize: size, Allocator: memhal.New()})
	q.SetListener(&countingListener{})
	return q
}

func flushAndAcquire(t *testing.T, q *BufferQueue, seq uint32) *AcquireBufferReturnValue {
	t.Helper()
	require.NoError(t, q.FlushBuffer(seq, nil, nil, BufferFlushConfigWithDamages{
		Damages:   []proto.Rect{{Left: 0, Top: 0, Width: 10, Height: 10}},
		Timestamp: time.Now().UnixNano(),
	}))
	got, err := q.AcquireBuffer(nil)
	require.NoError(t, err)
	return got
}

// S1: a single request/flush/acquire/release cycle returns the same
// sequence and handle on an unchanged config (spec §8 property 4).
func TestRequestFlushAcquireReleaseRoundTrip(t *testing.T) {
	q := newTestQueue(t, 3)

	req, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	firstHandle := req.Buffer.Handle()

	got := flushAndAcquire(t, q, req.Sequence)
	assert.Equal(t, req.Sequence, got.Sequence)

	require.NoError(t, q.ReleaseBuffer(got.Sequence, nil))

	req2, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	assert.Equal(t, req.Sequence, req2.Sequence, "released slot should be reused FIFO")
	assert.Same(t, firstHandle, req2.Buffer.Handle(), "unchanged config should not reallocate")
}

// Property 1: pool conservation -- every allocated sequence is in
// exactly one of freeList/dirtyList/held-by-peer at quiescent points.
func TestPoolConservation(t *testing.T) {
	q := newTestQueue(t, 2)

	r1, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	r2, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	assert.NotEqual(t, r1.Sequence, r2.Sequence)

	require.NoError(t, q.CancelBuffer(r1.Sequence, nil))
	got := flushAndAcquire(t, q, r2.Sequence)
	require.NoError(t, q.ReleaseBuffer(got.Sequence, nil))

	q.mu.Lock()
	assert.Len(t, q.cache, 2)
	assert.Len(t, q.freeList, 2)
	assert.Empty(t, q.dirtyList)
	q.mu.Unlock()
}

// Property 2: FIFO ordering between FlushBuffer and AcquireBuffer.
func TestFlushAcquireFIFOOrdering(t *testing.T) {
	q := newTestQueue(t, 3)

	var seqs []uint32
	for i := 0; i < 3; i++ {
		r, err := q.RequestBuffer(testConfig())
		require.NoError(t, err)
		seqs = append(seqs, r.Sequence)
		require.NoError(t, q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
			Damages:   []proto.Rect{{Width: 1, Height: 1}},
			Timestamp: int64(i),
		}))
	}

	for _, want := range seqs {
		got, err := q.AcquireBuffer(nil)
		require.NoError(t, err)
		assert.Equal(t, want, got.Sequence)
	}
}

// Property 3: backpressure -- the (N+1)th request with a positive
// timeout blocks until the timeout elapses, then fails with NO_BUFFER.
func TestRequestBufferBackpressureTimesOut(t *testing.T) {
	q := newTestQueue(t, 1)

	_, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Timeout = 50
	start := time.Now()
	_, err = q.RequestBuffer(cfg)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoBuffer))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

// A zero timeout blocks until a slot is returned rather than failing.
func TestRequestBufferZeroTimeoutBlocksIndefinitelyUntilReleased(t *testing.T) {
	q := newTestQueue(t, 1)
	r1, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.RequestBuffer(testConfig())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("request should still be blocked with timeout<=0")
	default:
	}

	require.NoError(t, q.CancelBuffer(r1.Sequence, nil))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never unblocked after release")
	}
}

// Property 5: reallocation -- a different {width,height,format,usage}
// triggers a fresh allocation and frees the old handle.
func TestRequestBufferReallocatesOnShapeChange(t *testing.T) {
	alloc := memhal.New()
	q := New(Config{Name: "realloc", QueueSize: 1, Allocator: alloc})
	q.SetListener(&countingListener{})

	r1, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	require.NoError(t, q.CancelBuffer(r1.Sequence, nil))

	bigger := testConfig()
	bigger.Width = 1920
	bigger.Height = 1080
	r2, err := q.RequestBuffer(bigger)
	require.NoError(t, err)

	assert.Equal(t, r1.Sequence, r2.Sequence)
	assert.NotSame(t, r1.Buffer.Handle(), r2.Buffer.Handle())
	assert.Equal(t, int32(1920), r2.Buffer.Width())
}

// Property 6: deletion propagation -- shrinking the queue surfaces the
// evicted sequences as DeletingBuffers on the next RequestBuffer.
func TestSetQueueSizeShrinkSurfacesDeletingBuffers(t *testing.T) {
	q := newTestQueue(t, 3)

	var seqs []uint32
	for i := 0; i < 3; i++ {
		r, err := q.RequestBuffer(testConfig())
		require.NoError(t, err)
		seqs = append(seqs, r.Sequence)
		require.NoError(t, q.CancelBuffer(r.Sequence, nil))
	}

	require.NoError(t, q.SetQueueSize(1))
	q.GoBackground() // producerCacheClean_ flag, so the next request surfaces the drop

	req, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	assert.Len(t, req.DeletingBuffers, 2)
}

// Property 7: peer-death self-heal -- once the queue is marked invalid,
// RequestBuffer fails with CONSUMER_DISCONNECTED.
func TestSetStatusInvalidFailsPendingAndFutureRequests(t *testing.T) {
	q := newTestQueue(t, 1)
	q.SetStatus(false)

	_, err := q.RequestBuffer(testConfig())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConsumerDisconnected))
}

// Property 8: ConnectStrictly/DisconnectStrictly are idempotent.
func TestDisconnectStrictlyIsIdempotentAndBlocksRequests(t *testing.T) {
	q := newTestQueue(t, 1)
	q.DisconnectStrictly()
	q.DisconnectStrictly()

	_, err := q.RequestBuffer(testConfig())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConsumerDisconnected))

	q.ConnectStrictly()
	q.ConnectStrictly()
	_, err = q.RequestBuffer(testConfig())
	assert.NoError(t, err)
}

func TestFlushBufferRequiresConsumerListener(t *testing.T) {
	q := New(Config{Name: "no-consumer", QueueSize: 1, Allocator: memhal.New()})

	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	err = q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
		Damages:   []proto.Rect{{Width: 1, Height: 1}},
		Timestamp: 1,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoConsumer))
}

func TestFlushBufferRejectsEmptyDamages(t *testing.T) {
	q := newTestQueue(t, 1)
	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	err = q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{Timestamp: 1})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArguments))
}

func TestCancelBufferRequiresRequestedState(t *testing.T) {
	q := newTestQueue(t, 1)
	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	require.NoError(t, q.CancelBuffer(r.Sequence, nil))

	err = q.CancelBuffer(r.Sequence, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBufferStateInvalid))
}

// Regression test: SetQueueSize's shrink path can mark a REQUESTED slot
// isDeleting without removing it immediately, when there is no free
// slot available to evict instead. CancelBuffer must then honor
// isDeleting the same way ReleaseBuffer does, removing the slot from
// the cache and surfacing it via producerCacheList rather than letting
// it re-enter freeList.
func TestCancelBufferHonorsIsDeleting(t *testing.T) {
	q := newTestQueue(t, 2)

	r1, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	r2, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	require.NoError(t, q.SetQueueSize(1))

	q.mu.Lock()
	var deletingSeq uint32
	var found bool
	for seq, elem := range q.cache {
		if elem.isDeleting {
			deletingSeq, found = seq, true
		}
	}
	q.mu.Unlock()
	require.True(t, found, "shrink path should have marked one REQUESTED slot isDeleting")
	assert.Contains(t, []uint32{r1.Sequence, r2.Sequence}, deletingSeq)

	require.NoError(t, q.CancelBuffer(deletingSeq, nil))

	q.mu.Lock()
	_, stillCached := q.cache[deletingSeq]
	inFreeList := false
	for _, s := range q.freeList {
		if s == deletingSeq {
			inFreeList = true
		}
	}
	inProducerCacheList := false
	for _, s := range q.producerCacheList {
		if s == deletingSeq {
			inProducerCacheList = true
		}
	}
	q.mu.Unlock()

	assert.False(t, stillCached, "isDeleting slot must be removed from cache on CancelBuffer")
	assert.False(t, inFreeList, "isDeleting slot must not re-enter freeList")
	assert.True(t, inProducerCacheList, "isDeleting slot must surface via producerCacheList")
}

func TestAcquireBufferWithExpectPresentTimestampDropsStaleEntries(t *testing.T) {
	q := newTestQueue(t, 3)

	// desiredPresentTimestamp in milliseconds: 0, 1000, 5000.
	presentTimestamps := []int64{0, 1000, 5000}
	var seqs []uint32
	for _, dpts := range presentTimestamps {
		r, err := q.RequestBuffer(testConfig())
		require.NoError(t, err)
		seqs = append(seqs, r.Sequence)
		require.NoError(t, q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
			Damages:                 []proto.Rect{{Width: 1, Height: 1}},
			DesiredPresentTimestamp: dpts,
		}))
	}

	// expect=1000, tolerance=1000ms -> threshold 2000ms admits entries 0
	// and 1000 but not 5000, so the newest admitted (seqs[1]) is picked
	// and seqs[0] is dropped as stale.
	expect := int64(1000)
	got, err := q.AcquireBuffer(&expect)
	require.NoError(t, err)
	assert.Equal(t, seqs[1], got.Sequence, "should acquire the newest entry not past the deadline")
	assert.Equal(t, uint64(1), q.DroppedFrames())
}

func TestAcquireBufferNoBufferReadyWhenAllFuture(t *testing.T) {
	q := newTestQueue(t, 1)
	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	require.NoError(t, q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
		Damages:                 []proto.Rect{{Width: 1, Height: 1}},
		DesiredPresentTimestamp: 10_000,
	}))

	expect := int64(0)
	_, err = q.AcquireBuffer(&expect)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoBufferReady))
}

func TestAttachDetachBuffer(t *testing.T) {
	q := newTestQueue(t, 1)

	foreign := &Buffer{requestConfig: testConfig()}
	seq, err := q.AttachBuffer(foreign, time.Second)
	require.NoError(t, err)
	assert.True(t, foreign.ConsumerAttachFlag())

	_, err = q.AttachBuffer(foreign, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBufferIsInCache))

	require.NoError(t, q.DetachBuffer(foreign))
	assert.Equal(t, seq, foreign.Sequence())

	err = q.DetachBuffer(foreign)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBufferNotInCache))
}

func TestAttachBufferTimesOutWhenCacheFull(t *testing.T) {
	q := newTestQueue(t, 1)
	_, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)

	foreign := &Buffer{requestConfig: testConfig()}
	start := time.Now()
	_, err = q.AttachBuffer(foreign, 30*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeOutOfRange))
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestReleaseBufferOfDeletingSlotInvokesDeleteListenersOnce(t *testing.T) {
	q := newTestQueue(t, 1)
	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	got := flushAndAcquire(t, q, r.Sequence)

	var mainCount, hwCount int
	q.AddDeleteListener(deleteListenerFunc(func(uint32) { mainCount++ }))
	q.AddDeleteListener(deleteListenerFunc(func(uint32) { hwCount++ }))

	q.CleanCache(false) // marks the still-acquired slot isDeleting without removing it yet

	require.NoError(t, q.ReleaseBuffer(got.Sequence, nil))
	assert.Equal(t, 1, mainCount)
	assert.Equal(t, 1, hwCount)

	_, stillCached := q.GetPresentTimestamp(got.Sequence)
	assert.False(t, stillCached)
}

type deleteListenerFunc func(seq uint32)

func (f deleteListenerFunc) OnBufferDelete(seq uint32) { f(seq) }

func TestFlushBufferNotifiesAvailableListenerOnce(t *testing.T) {
	q := newTestQueue(t, 1)
	l := &countingListener{}
	q.SetListener(l)

	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	require.NoError(t, q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
		Damages: []proto.Rect{{Width: 1, Height: 1}},
	}))

	assert.Equal(t, 1, l.Count())
}

func TestReleaseBufferInvokesReleaseListenerOutsideLock(t *testing.T) {
	q := newTestQueue(t, 1)

	released := make(chan uint32, 1)
	q.SetReleaseListener(releaseListenerFuncs{
		onReleased: func(buf *Buffer) {
			q.GetQueueSize() // must not deadlock: listener runs without the lock held
			released <- buf.Sequence()
		},
	})

	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	got := flushAndAcquire(t, q, r.Sequence)
	require.NoError(t, q.ReleaseBuffer(got.Sequence, nil))

	select {
	case seq := <-released:
		assert.Equal(t, got.Sequence, seq)
	case <-time.After(time.Second):
		t.Fatal("release listener was never invoked")
	}
}

type releaseListenerFuncs struct {
	onReleased          func(*Buffer)
	onReleasedWithFence func(*Buffer, *fence.Fence)
}

func (r releaseListenerFuncs) OnBufferReleased(buf *Buffer) {
	if r.onReleased != nil {
		r.onReleased(buf)
	}
}

func (r releaseListenerFuncs) OnBufferReleasedWithFence(buf *Buffer, f *fence.Fence) {
	if r.onReleasedWithFence != nil {
		r.onReleasedWithFence(buf, f)
	}
}

func TestRequestAndDetachBufferRemovesFromCache(t *testing.T) {
	q := newTestQueue(t, 2)

	ret, err := q.RequestAndDetachBuffer(testConfig())
	require.NoError(t, err)
	require.NotNil(t, ret.Buffer)

	_, ok := q.cache[ret.Sequence]
	assert.False(t, ok, "detached sequence must not remain cached")
}

func TestAttachAndFlushBufferMakesSlotAcquirable(t *testing.T) {
	q := newTestQueue(t, 2)
	buf := &Buffer{requestConfig: testConfig()}

	seq, err := q.AttachAndFlushBuffer(buf, nil, BufferFlushConfigWithDamages{
		Damages:   []proto.Rect{{Width: 1, Height: 1}},
		Timestamp: time.Now().UnixNano(),
	}, false)
	require.NoError(t, err)

	got, err := q.AcquireBuffer(nil)
	require.NoError(t, err)
	assert.Equal(t, seq, got.Sequence)
}

func TestNextUniqueIdIsMonotonicAndUnique(t *testing.T) {
	a := NextUniqueId()
	b := NextUniqueId()
	assert.NotEqual(t, a, b)
	assert.Equal(t, a>>32, b>>32, "pid component should match within one process")
	assert.Less(t, uint32(a), uint32(b))
}
