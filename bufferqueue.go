// Package bufferqueue implements the cross-process graphics buffer
// queue that mediates frame handoff between a producer (rendering
// code) and a consumer (compositor, encoder, display pipeline): the
// five-state per-slot lifecycle, the FIFO free/dirty lists, and the
// Request/Cancel/Flush/Acquire/Release/Attach/Detach protocol that
// mutates them under one mutex with two condition variables.
package bufferqueue

import (
	"os"
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
	"github.com/oniro-graphics/bufferqueue/internal/constants"
	"github.com/oniro-graphics/bufferqueue/internal/fence"
	"github.com/oniro-graphics/bufferqueue/internal/hebc"
	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

// BufferState is one of a slot's five lifecycle states (spec §4.2).
type BufferState int32

const (
	StateReleased BufferState = iota
	StateRequested
	StateFlushed
	StateAcquired
	StateAttached
)

func (s BufferState) String() string {
	switch s {
	case StateReleased:
		return "RELEASED"
	case StateRequested:
		return "REQUESTED"
	case StateFlushed:
		return "FLUSHED"
	case StateAcquired:
		return "ACQUIRED"
	case StateAttached:
		return "ATTACHED"
	default:
		return "UNKNOWN"
	}
}

// Buffer is the immutable-once-allocated descriptor of a single shared
// memory region plus pixel metadata (spec §3.1). Width/Height/ColorGamut/
// Transform are set at allocation and only mutated by explicit setters.
type Buffer struct {
	mu sync.Mutex

	sequence           uint32
	handle             *allocator.Handle
	requestConfig      allocator.Config
	width              int32
	height             int32
	colorGamut         int32
	transform          int32
	extraData          map[string]any
	consumerAttachFlag bool
}

// Sequence returns the buffer's process-unique, monotonically assigned id.
func (b *Buffer) Sequence() uint32 { return b.sequence }

// Handle returns the HAL-owned memory descriptor.
func (b *Buffer) Handle() *allocator.Handle { return b.handle }

// RequestConfig returns the config tuple that produced this buffer's
// current handle.
func (b *Buffer) RequestConfig() allocator.Config { return b.requestConfig }

// Width returns the buffer's logical width in pixels.
func (b *Buffer) Width() int32 { return b.width }

// Height returns the buffer's logical height in pixels.
func (b *Buffer) Height() int32 { return b.height }

// ColorGamut returns the buffer's color gamut, as set at allocation.
func (b *Buffer) ColorGamut() int32 { return b.colorGamut }

// Transform returns the buffer's transform, as set at allocation.
func (b *Buffer) Transform() int32 { return b.transform }

// ExtraData reads a per-frame key, set by the producer on FlushBuffer
// or CancelBuffer and delivered verbatim to the consumer.
func (b *Buffer) ExtraData(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.extraData[key]
	return v, ok
}

// ConsumerAttachFlag reports whether this buffer entered the queue via
// AttachBuffer on the consumer side, rather than via RequestBuffer.
func (b *Buffer) ConsumerAttachFlag() bool { return b.consumerAttachFlag }

func (b *Buffer) setExtraData(data map[string]any) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.extraData == nil {
		b.extraData = make(map[string]any, len(data))
	}
	for k, v := range data {
		b.extraData[k] = v
	}
}

// bufferElement is the slot record: the ground truth of ownership for
// one cached sequence number (spec §3.2).
type bufferElement struct {
	buffer     *Buffer
	state      BufferState
	isDeleting bool
	config     allocator.Config
	fence      *fence.Fence

	timestamp               int64
	damages                 []proto.Rect
	desiredPresentTimestamp int64
	scalingMode             int32
	metaData                []byte
	metaDataSet             map[uint32][]byte
	hdrMetaDataType         int32
}

// RequestBufferReturnValue is the reply to RequestBuffer (spec §3.5).
// Buffer is nil when the caller (the producer stub) has determined the
// producer already has this sequence cached -- see producer.go.
type RequestBufferReturnValue struct {
	Sequence        uint32
	Buffer          *Buffer
	Fence           *fence.Fence
	DeletingBuffers []uint32
	IsConnected     bool
}

// AcquireBufferReturnValue is the reply to AcquireBuffer.
type AcquireBufferReturnValue struct {
	Sequence  uint32
	Buffer    *Buffer
	Fence     *fence.Fence
	Timestamp int64
	Damages   []proto.Rect
}

// BufferFlushConfigWithDamages is the per-frame metadata a producer
// attaches on FlushBuffer (spec §3.5).
type BufferFlushConfigWithDamages struct {
	Damages                 []proto.Rect
	Timestamp               int64
	DesiredPresentTimestamp int64
}

// ProducerInitInfo is returned once at producer creation (spec §3.5).
type ProducerInitInfo struct {
	Name          string
	UniqueId      uint64
	BufferName    string
	AppName       string
	ProducerId    uint64
	Width         int32
	Height        int32
	TransformHint int32
	IsInHebcList  bool
}

// AvailableListener is notified once per accepted FlushBuffer.
type AvailableListener interface {
	OnBufferAvailable()
}

// ReleaseListener is notified, outside the queue's lock, when a buffer
// returns to RELEASED.
type ReleaseListener interface {
	OnBufferReleased(buf *Buffer)
	OnBufferReleasedWithFence(buf *Buffer, f *fence.Fence)
}

// DeleteListener is notified exactly once when a deleting slot is
// removed from the cache.
type DeleteListener interface {
	OnBufferDelete(sequence uint32)
}

// BufferQueue is the process-local singleton per (producer, consumer)
// pair (spec §3.3). The zero value is not valid; use New.
type BufferQueue struct {
	mu            sync.Mutex
	waitReqCon    *sync.Cond
	waitAttachCon *sync.Cond

	name     string
	uniqueId uint64
	appName  string
	hebcList *hebc.Whitelist

	queueSize int32
	cache     map[uint32]*bufferElement
	nextSeq   uint32

	freeList          []uint32
	dirtyList         []uint32
	producerCacheList []uint32
	producerClean     bool

	alloc allocator.Allocator

	listener        AvailableListener
	releaseListener ReleaseListener
	deleteListeners []DeleteListener

	transform            int32
	defaultWidth          int32
	defaultHeight         int32
	defaultUsage          uint64
	tunnelHandle          []byte
	isValidStatus         bool
	isShared              bool
	isLocalRender         bool
	strictlyDisconnected  bool

	droppedFrames uint64

	metrics  *Metrics
	observer Observer
}

// Config configures a new BufferQueue.
type Config struct {
	Name          string
	UniqueId      uint64
	QueueSize     int32
	Allocator     allocator.Allocator
	IsShared      bool
	IsLocalRender bool
	Observer      Observer

	// AppName identifies the owning application for ProducerInitInfo's
	// HEBC whitelist lookup (spec §3.5). Empty means the app is never
	// whitelisted.
	AppName string

	// HebcWhitelist overrides the process-wide hebc.Default() whitelist,
	// for tests and non-standard deployments. Nil uses the default.
	HebcWhitelist *hebc.Whitelist
}

// New constructs a BufferQueue ready to accept RequestBuffer calls. It
// starts in the valid/connected state with an empty cache.
func New(cfg Config) *BufferQueue {
	size := cfg.QueueSize
	if size <= 0 {
		size = constants.DefaultQueueSize
	}

	q := &BufferQueue{
		name:          cfg.Name,
		uniqueId:      cfg.UniqueId,
		appName:       cfg.AppName,
		hebcList:      cfg.HebcWhitelist,
		queueSize:     size,
		cache:         make(map[uint32]*bufferElement),
		alloc:         cfg.Allocator,
		isValidStatus: true,
		isShared:      cfg.IsShared,
		isLocalRender: cfg.IsLocalRender,
		metrics:       NewMetrics(),
		observer:      cfg.Observer,
	}
	if q.observer == nil {
		q.observer = &NoOpObserver{}
	}
	if q.hebcList == nil {
		q.hebcList = hebc.Default()
	}
	q.waitReqCon = sync.NewCond(&q.mu)
	q.waitAttachCon = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue's producer-facing name.
func (q *BufferQueue) Name() string { return q.name }

// UniqueId returns the 64-bit process-global id (pid<<32 | counter, by
// convention of the caller that assigns it; see NextUniqueId).
func (q *BufferQueue) UniqueId() uint64 { return q.uniqueId }

// GetProducerInitInfo implements spec §3.5: returned once at producer
// creation, carrying the queue's identity, default frame geometry, and
// whether appName is HEBC-whitelisted.
func (q *BufferQueue) GetProducerInitInfo(producerId uint64) *ProducerInitInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &ProducerInitInfo{
		Name:          q.name,
		UniqueId:      q.uniqueId,
		BufferName:    q.name,
		AppName:       q.appName,
		ProducerId:    producerId,
		Width:         q.defaultWidth,
		Height:        q.defaultHeight,
		TransformHint: q.transform,
		IsInHebcList:  q.hebcList.Allows(q.appName, constants.HebcCapability),
	}
}

// uniqueIdCounter is the low 32 bits NextUniqueId hands out; multiple
// BufferQueues may be constructed concurrently from different
// goroutines within one process, so this needs a real atomic
// increment, not a mutex borrowed from any one queue.
var uniqueIdCounter atomix.Uint64

// NextUniqueId generates a process-wide unique id suitable for
// Config.UniqueId: the process id in the high 32 bits and a monotonic
// counter in the low 32 bits (spec §3.3).
func NextUniqueId() uint64 {
	counter := uint32(uniqueIdCounter.AddAcqRel(1))
	return uint64(uint32(os.Getpid()))<<32 | uint64(counter)
}

// Metrics returns the queue's operation counters.
func (q *BufferQueue) Metrics() *Metrics { return q.metrics }

// GetStatus reports whether the queue currently accepts new requests.
func (q *BufferQueue) GetStatus() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isValidStatus
}

// SetStatus marks the queue valid or invalid (e.g. on consumer death).
// Setting it invalid wakes every waiter so blocked calls can fail fast.
func (q *BufferQueue) SetStatus(valid bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.isValidStatus = valid
	if !valid {
		q.waitReqCon.Broadcast()
		q.waitAttachCon.Broadcast()
	}
}

// ConnectStrictly lifts the strict-disconnect latch. Idempotent.
func (q *BufferQueue) ConnectStrictly() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.strictlyDisconnected = false
}

// DisconnectStrictly raises the strict-disconnect latch, independent of
// the connected-pid check in the producer stub. Idempotent.
func (q *BufferQueue) DisconnectStrictly() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.strictlyDisconnected = true
	q.waitReqCon.Broadcast()
}

// waitForCond blocks on cond until predicate is true or deadline
// passes, re-checking the predicate on every wakeup since spurious
// wakeups are expected (spec §9 "coroutine-free condition variable
// waits"). A zero deadline means wait indefinitely. Caller must hold
// the lock backing cond.
func waitForCond(cond *sync.Cond, deadline time.Time, predicate func() bool) bool {
	for !predicate() {
		if deadline.IsZero() {
			cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() { cond.Broadcast() })
		cond.Wait()
		timer.Stop()
	}
	return true
}

// RequestBuffer implements spec §4.2.1.
func (q *BufferQueue) RequestBuffer(config allocator.Config) (*RequestBufferReturnValue, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isValidStatus {
		q.metrics.RecordRequest(uint64(time.Since(start)), false)
		q.observer.ObserveRequest(uint64(time.Since(start)), false)
		return nil, NewError("RequestBuffer", ErrCodeConsumerDisconnected, "consumer disconnected")
	}
	if q.strictlyDisconnected {
		q.metrics.RecordRequest(uint64(time.Since(start)), false)
		return nil, NewError("RequestBuffer", ErrCodeConsumerDisconnected, "disconnected strictly")
	}
	if q.queueSize <= 0 {
		q.metrics.RecordRequest(uint64(time.Since(start)), false)
		return nil, NewError("RequestBuffer", ErrCodeInvalidArguments, "queue size is zero")
	}
	if err := allocator.ValidateConfig(config, constants.MaxPixelFormat); err != nil {
		q.metrics.RecordRequest(uint64(time.Since(start)), false)
		return nil, WrapError("RequestBuffer", err)
	}

	var deadline time.Time
	if config.Timeout > 0 {
		deadline = start.Add(time.Duration(config.Timeout) * time.Millisecond)
	}

	var seq uint32
	var elem *bufferElement
	for {
		if len(q.freeList) > 0 {
			seq = q.freeList[0]
			q.freeList = q.freeList[1:]
			elem = q.cache[seq]
			break
		}
		if len(q.cache) < int(q.queueSize) {
			newSeq, newElem, err := q.allocateSlotLocked(config)
			if err != nil {
				q.metrics.RecordRequest(uint64(time.Since(start)), false)
				return nil, err
			}
			seq, elem = newSeq, newElem
			break
		}
		if !waitForCond(q.waitReqCon, deadline, func() bool {
			return len(q.freeList) > 0 || len(q.cache) < int(q.queueSize) || !q.isValidStatus
		}) {
			q.metrics.RecordRequest(uint64(time.Since(start)), false)
			return nil, NewError("RequestBuffer", ErrCodeNoBuffer, "timed out waiting for a free slot")
		}
		if !q.isValidStatus {
			q.metrics.RecordRequest(uint64(time.Since(start)), false)
			return nil, NewError("RequestBuffer", ErrCodeConsumerDisconnected, "consumer disconnected")
		}
	}

	if !elem.config.SameShape(config) {
		if err := q.reallocateLocked(elem, config); err != nil {
			q.metrics.RecordRequest(uint64(time.Since(start)), false)
			return nil, err
		}
	}
	elem.config = config
	elem.state = StateRequested

	var deleting []uint32
	if q.producerClean {
		deleting = q.producerCacheList
		q.producerCacheList = nil
		q.producerClean = false
	}

	q.metrics.RecordRequest(uint64(time.Since(start)), true)
	q.observer.ObserveRequest(uint64(time.Since(start)), true)
	return &RequestBufferReturnValue{
		Sequence:        seq,
		Buffer:          elem.buffer,
		Fence:           elem.fence,
		DeletingBuffers: deleting,
		IsConnected:     true,
	}, nil
}

func (q *BufferQueue) allocateSlotLocked(config allocator.Config) (uint32, *bufferElement, error) {
	h, err := q.alloc.Alloc(config)
	if err != nil {
		return 0, nil, WrapError("RequestBuffer", err)
	}
	seq := q.nextSeq
	q.nextSeq++
	buf := &Buffer{
		sequence:      seq,
		handle:        h,
		requestConfig: config,
		width:         config.Width,
		height:        config.Height,
		colorGamut:    config.ColorGamut,
		transform:     config.Transform,
	}
	elem := &bufferElement{buffer: buf, state: StateReleased, config: config}
	q.cache[seq] = elem
	return seq, elem, nil
}

func (q *BufferQueue) reallocateLocked(elem *bufferElement, config allocator.Config) error {
	if elem.buffer.handle != nil {
		if err := q.alloc.Free(elem.buffer.handle); err != nil {
			return WrapError("RequestBuffer", err)
		}
	}
	h, err := q.alloc.Alloc(config)
	if err != nil {
		return WrapError("RequestBuffer", err)
	}
	elem.buffer.handle = h
	elem.buffer.requestConfig = config
	elem.buffer.width = config.Width
	elem.buffer.height = config.Height
	elem.buffer.colorGamut = config.ColorGamut
	elem.buffer.transform = config.Transform
	return nil
}

// CancelBuffer implements spec §4.2.2.
func (q *BufferQueue) CancelBuffer(seq uint32, extraData map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.cache[seq]
	if !ok {
		return NewSequenceError("CancelBuffer", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	if elem.state != StateRequested {
		return NewSequenceError("CancelBuffer", seq, ErrCodeBufferStateInvalid, "slot is not requested")
	}

	elem.state = StateReleased
	elem.buffer.setExtraData(extraData)

	if elem.isDeleting {
		delete(q.cache, seq)
		q.producerCacheList = append(q.producerCacheList, seq)
	} else {
		q.freeList = append(q.freeList, seq)
	}

	q.metrics.RecordCancel()
	q.waitReqCon.Signal()
	return nil
}

func checkFlushConfig(cfg BufferFlushConfigWithDamages) error {
	if len(cfg.Damages) == 0 {
		return NewError("FlushBuffer", ErrCodeInvalidArguments, "damages must be non-empty")
	}
	for _, r := range cfg.Damages {
		if r.Width < 0 || r.Height < 0 {
			return NewError("FlushBuffer", ErrCodeInvalidArguments, "damage rect has negative extent")
		}
	}
	return nil
}

// FlushBuffer implements spec §4.2.3.
func (q *BufferQueue) FlushBuffer(seq uint32, extraData map[string]any, f *fence.Fence, cfg BufferFlushConfigWithDamages) error {
	start := time.Now()
	q.mu.Lock()

	elem, ok := q.cache[seq]
	if !ok {
		q.mu.Unlock()
		return NewSequenceError("FlushBuffer", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	if elem.state != StateRequested {
		q.mu.Unlock()
		q.metrics.RecordFlush(uint64(time.Since(start)), false)
		return NewSequenceError("FlushBuffer", seq, ErrCodeBufferStateInvalid, "slot is not requested")
	}
	if q.strictlyDisconnected {
		q.mu.Unlock()
		q.metrics.RecordFlush(uint64(time.Since(start)), false)
		return NewSequenceError("FlushBuffer", seq, ErrCodeConsumerDisconnected, "disconnected strictly")
	}
	if err := checkFlushConfig(cfg); err != nil {
		q.mu.Unlock()
		q.metrics.RecordFlush(uint64(time.Since(start)), false)
		return err
	}
	if q.listener == nil {
		q.mu.Unlock()
		q.metrics.RecordFlush(uint64(time.Since(start)), false)
		return NewSequenceError("FlushBuffer", seq, ErrCodeNoConsumer, "no consumer listener registered")
	}

	elem.fence = f
	elem.timestamp = cfg.Timestamp
	elem.damages = cfg.Damages
	elem.desiredPresentTimestamp = cfg.DesiredPresentTimestamp
	elem.buffer.setExtraData(extraData)

	if !q.isShared {
		elem.state = StateFlushed
		q.dirtyList = append(q.dirtyList, seq)
	}

	listener := q.listener
	q.metrics.RecordQueueDepth(uint32(len(q.dirtyList)))
	q.observer.ObserveQueueDepth(uint32(len(q.dirtyList)))
	q.mu.Unlock()

	listener.OnBufferAvailable()
	q.metrics.RecordFlush(uint64(time.Since(start)), true)
	q.observer.ObserveFlush(uint64(time.Since(start)), true)
	return nil
}

// AcquireBuffer implements spec §4.2.4. With a nil expectPresentTimestamp
// it takes the head of the dirty list. Otherwise it takes the newest
// dirty entry whose DesiredPresentTimestamp is at most
// *expectPresentTimestamp plus PresentTimestampTolerance (both in
// milliseconds); the entries ahead of it are dropped back to freeList_,
// and the entries behind it stay queued.
func (q *BufferQueue) AcquireBuffer(expectPresentTimestamp *int64) (*AcquireBufferReturnValue, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dirtyList) == 0 {
		q.metrics.RecordAcquire(uint64(time.Since(start)), false)
		return nil, NewError("AcquireBuffer", ErrCodeNoBuffer, "dirty list is empty")
	}

	target := 0
	if expectPresentTimestamp != nil {
		toleranceMs := int64(constants.PresentTimestampTolerance / time.Millisecond)
		found := -1
		for i, seq := range q.dirtyList {
			if q.cache[seq].desiredPresentTimestamp <= *expectPresentTimestamp+toleranceMs {
				found = i
			}
		}
		if found == -1 {
			q.metrics.RecordAcquire(uint64(time.Since(start)), false)
			return nil, NewError("AcquireBuffer", ErrCodeNoBufferReady, "no buffer ready before deadline")
		}
		target = found
	}

	for i := 0; i < target; i++ {
		droppedSeq := q.dirtyList[i]
		dropped := q.cache[droppedSeq]
		dropped.state = StateReleased
		q.freeList = append(q.freeList, droppedSeq)
		q.droppedFrames++
	}

	seq := q.dirtyList[target]
	q.dirtyList = q.dirtyList[target+1:]
	elem := q.cache[seq]
	elem.state = StateAcquired

	if target > 0 {
		q.waitReqCon.Broadcast()
	}
	q.metrics.RecordQueueDepth(uint32(len(q.dirtyList)))
	q.metrics.RecordAcquire(uint64(time.Since(start)), true)
	q.observer.ObserveAcquire(uint64(time.Since(start)), true)

	return &AcquireBufferReturnValue{
		Sequence:  seq,
		Buffer:    elem.buffer,
		Fence:     elem.fence,
		Timestamp: elem.timestamp,
		Damages:   elem.damages,
	}, nil
}

// DroppedFrames returns the number of dirty entries skipped (and
// auto-released) by expect-present-timestamp AcquireBuffer calls.
func (q *BufferQueue) DroppedFrames() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedFrames
}

// ReleaseBuffer implements spec §4.2.5.
func (q *BufferQueue) ReleaseBuffer(seq uint32, f *fence.Fence) error {
	q.mu.Lock()

	elem, ok := q.cache[seq]
	if !ok {
		q.mu.Unlock()
		return NewSequenceError("ReleaseBuffer", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	if elem.state != StateAcquired && elem.state != StateAttached {
		q.mu.Unlock()
		q.metrics.RecordRelease(false)
		return NewSequenceError("ReleaseBuffer", seq, ErrCodeBufferStateInvalid, "slot is not acquired or attached")
	}

	elem.state = StateReleased
	elem.fence = f

	deleted := false
	if elem.isDeleting {
		delete(q.cache, seq)
		q.producerCacheList = append(q.producerCacheList, seq)
		deleted = true
	} else {
		q.freeList = append(q.freeList, seq)
	}
	q.waitReqCon.Signal()

	deleteListeners := append([]DeleteListener(nil), q.deleteListeners...)
	releaseListener := q.releaseListener
	buf := elem.buffer
	q.metrics.RecordRelease(true)
	q.observer.ObserveRelease(true)
	q.mu.Unlock()

	if deleted {
		for _, l := range deleteListeners {
			l.OnBufferDelete(seq)
		}
	}
	if releaseListener != nil {
		if f != nil && f.IsValid() {
			releaseListener.OnBufferReleasedWithFence(buf, f)
		} else {
			releaseListener.OnBufferReleased(buf)
		}
	}
	return nil
}

// AttachBuffer implements spec §4.2.6: the consumer injects a foreign
// buffer into the queue, waiting up to timeout for a free slot.
func (q *BufferQueue) AttachBuffer(buf *Buffer, timeout time.Duration) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, elem := range q.cache {
		if elem.buffer == buf {
			return 0, NewError("AttachBuffer", ErrCodeBufferIsInCache, "buffer already in cache")
		}
	}

	deadline := time.Now().Add(timeout)
	if !waitForCond(q.waitAttachCon, deadline, func() bool {
		return len(q.cache) < int(q.queueSize)
	}) {
		return 0, NewError("AttachBuffer", ErrCodeOutOfRange, "attach timed out waiting for a free slot")
	}

	seq := q.nextSeq
	q.nextSeq++
	buf.sequence = seq
	buf.consumerAttachFlag = true
	elem := &bufferElement{buffer: buf, state: StateAttached, config: buf.requestConfig}
	q.cache[seq] = elem
	q.metrics.RecordAttach()
	return seq, nil
}

// DetachBuffer implements spec §4.2.7: removes a slot regardless of
// its list membership.
func (q *BufferQueue) DetachBuffer(buf *Buffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var seq uint32
	var found bool
	for s, elem := range q.cache {
		if elem.buffer == buf {
			seq, found = s, true
			break
		}
	}
	if !found {
		return NewError("DetachBuffer", ErrCodeBufferNotInCache, "buffer not in cache")
	}

	delete(q.cache, seq)
	q.freeList = removeSeq(q.freeList, seq)
	q.dirtyList = removeSeq(q.dirtyList, seq)
	q.metrics.RecordDetach()
	q.waitAttachCon.Broadcast()
	return nil
}

// DetachBufferSeq is DetachBuffer addressed by sequence number rather
// than buffer identity: the form a wire dispatcher reaches for, since it
// never holds the caller's *Buffer pointer, only the sequence named in
// the request (spec §4.2.7).
func (q *BufferQueue) DetachBufferSeq(seq uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.cache[seq]; !ok {
		return NewSequenceError("DetachBuffer", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}

	delete(q.cache, seq)
	q.freeList = removeSeq(q.freeList, seq)
	q.dirtyList = removeSeq(q.dirtyList, seq)
	q.metrics.RecordDetach()
	q.waitAttachCon.Broadcast()
	return nil
}

func removeSeq(list []uint32, seq uint32) []uint32 {
	for i, s := range list {
		if s == seq {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// RequestAndDetachBuffer is RequestBuffer followed by immediate removal
// from the cache: the producer owns the returned buffer outright and it
// is never offered again (spec §4.5, zero-copy export).
func (q *BufferQueue) RequestAndDetachBuffer(config allocator.Config) (*RequestBufferReturnValue, error) {
	ret, err := q.RequestBuffer(config)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	delete(q.cache, ret.Sequence)
	q.freeList = removeSeq(q.freeList, ret.Sequence)
	q.dirtyList = removeSeq(q.dirtyList, ret.Sequence)
	q.mu.Unlock()
	q.waitAttachCon.Broadcast()
	return ret, nil
}

// AttachAndFlushBuffer is the inverse of RequestAndDetachBuffer: a
// foreign buffer is injected and flushed in one hop (spec §4.5).
// needMap asks the allocator to map the handle before the slot is
// offered to AcquireBuffer.
func (q *BufferQueue) AttachAndFlushBuffer(buf *Buffer, f *fence.Fence, cfg BufferFlushConfigWithDamages, needMap bool) (uint32, error) {
	seq, err := q.AttachBuffer(buf, 0)
	if err != nil {
		return 0, err
	}

	if needMap && q.alloc != nil && buf.handle != nil {
		if err := q.alloc.Map(buf.handle); err != nil {
			return 0, WrapError("AttachAndFlushBuffer", err)
		}
	}

	q.mu.Lock()
	elem, ok := q.cache[seq]
	if !ok {
		q.mu.Unlock()
		return 0, NewSequenceError("AttachAndFlushBuffer", seq, ErrCodeBufferNotInCache, "slot vanished after attach")
	}
	if q.strictlyDisconnected {
		q.mu.Unlock()
		return 0, NewSequenceError("AttachAndFlushBuffer", seq, ErrCodeConsumerDisconnected, "disconnected strictly")
	}
	if err := checkFlushConfig(cfg); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	if q.listener == nil {
		q.mu.Unlock()
		return 0, NewSequenceError("AttachAndFlushBuffer", seq, ErrCodeNoConsumer, "no consumer listener registered")
	}

	elem.state = StateFlushed
	elem.fence = f
	elem.timestamp = cfg.Timestamp
	elem.damages = cfg.Damages
	elem.desiredPresentTimestamp = cfg.DesiredPresentTimestamp
	q.dirtyList = append(q.dirtyList, seq)
	listener := q.listener
	q.mu.Unlock()

	listener.OnBufferAvailable()
	return seq, nil
}

// SetQueueSize implements spec §4.2.8.
func (q *BufferQueue) SetQueueSize(n int32) error {
	if n < constants.MinQueueSize || n > constants.MaxQueueSize {
		return NewError("SetQueueSize", ErrCodeInvalidArguments, "queue size out of range")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if int(n) >= len(q.cache) {
		q.queueSize = n
		q.waitReqCon.Broadcast()
		q.waitAttachCon.Broadcast()
		return nil
	}

	excess := len(q.cache) - int(n)
	removed := 0
	for removed < excess && len(q.freeList) > 0 {
		seq := q.freeList[0]
		q.freeList = q.freeList[1:]
		delete(q.cache, seq)
		q.producerCacheList = append(q.producerCacheList, seq)
		removed++
	}
	remaining := excess - removed
	if remaining > 0 {
		marked := 0
		for _, elem := range q.cache {
			if marked >= remaining {
				break
			}
			if !elem.isDeleting {
				elem.isDeleting = true
				marked++
			}
		}
	}
	q.queueSize = n
	return nil
}

// GetQueueSize returns the current max-slots setting.
func (q *BufferQueue) GetQueueSize() int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueSize
}

// CleanCache implements spec §4.2.9: marks every slot isDeleting and
// immediately removes the ones not currently held by a peer (those in
// RELEASED state). Returns the removed sequence numbers.
func (q *BufferQueue) CleanCache(cleanAll bool) []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var freed []uint32
	for seq, elem := range q.cache {
		elem.isDeleting = true
		if elem.state == StateReleased {
			delete(q.cache, seq)
			q.freeList = removeSeq(q.freeList, seq)
			freed = append(freed, seq)
		}
	}

	if cleanAll {
		q.producerCacheList = nil
		q.producerClean = false
	} else {
		q.producerCacheList = append(q.producerCacheList, freed...)
		q.producerClean = true
	}
	return freed
}

// GoBackground implements spec §4.2.10: equivalent to
// SetProducerCacheCleanFlag(true).
func (q *BufferQueue) GoBackground() {
	q.SetProducerCacheCleanFlag(true)
}

// SetProducerCacheCleanFlag sets or clears the flag that causes the
// next RequestBuffer reply to carry the current producerCacheList.
func (q *BufferQueue) SetProducerCacheCleanFlag(clean bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.producerClean = clean
}

// QueryIfBufferAvailable lets a consumer poll for a pending flush after
// possibly missing the OnBufferAvailable notification.
func (q *BufferQueue) QueryIfBufferAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dirtyList) > 0
}

// SetListener registers the consumer's available-buffer listener.
func (q *BufferQueue) SetListener(l AvailableListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

// SetReleaseListener registers the producer-side release callback.
func (q *BufferQueue) SetReleaseListener(l ReleaseListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseListener = l
}

// AddDeleteListener registers a subscriber notified once per deleted slot.
func (q *BufferQueue) AddDeleteListener(l DeleteListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteListeners = append(q.deleteListeners, l)
}

// SetTransform sets the queue-wide transform hint.
func (q *BufferQueue) SetTransform(t int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transform = t
}

// GetTransform returns the queue-wide transform hint.
func (q *BufferQueue) GetTransform() int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transform
}

// SetDefaultWidthHeight records the queue's default dimensions, reported
// by GetDefaultWidth/GetDefaultHeight and GetProducerInitInfo.
// RequestBuffer does not substitute them for a zero width or height.
func (q *BufferQueue) SetDefaultWidthHeight(width, height int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultWidth = width
	q.defaultHeight = height
}

// GetDefaultWidth returns the configured default width.
func (q *BufferQueue) GetDefaultWidth() int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.defaultWidth
}

// GetDefaultHeight returns the configured default height.
func (q *BufferQueue) GetDefaultHeight() int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.defaultHeight
}

// SetDefaultUsage records the queue's default usage bitmask, reported by
// GetDefaultUsage. RequestBuffer does not substitute it for a zero usage.
func (q *BufferQueue) SetDefaultUsage(usage uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defaultUsage = usage
}

// GetDefaultUsage returns the configured default usage bitmask.
func (q *BufferQueue) GetDefaultUsage() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.defaultUsage
}

// SetTunnelHandle attaches an opaque tunnel handle to the queue (used
// for hardware composer tunnel mode).
func (q *BufferQueue) SetTunnelHandle(handle []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tunnelHandle = append([]byte(nil), handle...)
}

// GetTunnelHandle returns the queue's tunnel handle, or nil if unset.
func (q *BufferQueue) GetTunnelHandle() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]byte(nil), q.tunnelHandle...)
}

// SetScalingMode records a per-slot scaling mode. The value is kept on
// the slot only; AcquireBuffer does not return it.
func (q *BufferQueue) SetScalingMode(seq uint32, mode int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.cache[seq]
	if !ok {
		return NewSequenceError("SetScalingMode", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	elem.scalingMode = mode
	return nil
}

// SetMetadata attaches opaque per-slot metadata (e.g. HDR static
// metadata), overwriting any previous value.
func (q *BufferQueue) SetMetadata(seq uint32, hdrType int32, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.cache[seq]
	if !ok {
		return NewSequenceError("SetMetadata", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	elem.hdrMetaDataType = hdrType
	elem.metaData = append([]byte(nil), data...)
	return nil
}

// SetMetadataSet attaches a keyed collection of per-slot metadata
// (e.g. HDR dynamic metadata), overwriting any previous value for key.
func (q *BufferQueue) SetMetadataSet(seq uint32, key uint32, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.cache[seq]
	if !ok {
		return NewSequenceError("SetMetadataSet", seq, ErrCodeBufferNotInCache, "unknown sequence")
	}
	if elem.metaDataSet == nil {
		elem.metaDataSet = make(map[uint32][]byte)
	}
	elem.metaDataSet[key] = append([]byte(nil), data...)
	return nil
}

// GetPresentTimestamp returns the slot's recorded presentation
// timestamp and whether the sequence is currently cached.
func (q *BufferQueue) GetPresentTimestamp(seq uint32) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.cache[seq]
	if !ok {
		return 0, false
	}
	return elem.timestamp, true
}
