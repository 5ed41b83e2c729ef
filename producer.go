package bufferqueue

import (
	"encoding/binary"
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
	"github.com/oniro-graphics/bufferqueue/internal/dispatch"
	"github.com/oniro-graphics/bufferqueue/internal/fence"
	"github.com/oniro-graphics/bufferqueue/internal/logging"
	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

// ProducerStub is the server-side endpoint a producer proxy talks to
// over a dispatch.Transport: it owns the BufferQueue, enforces the
// connected-pid check, and decides (based on its own mirror of what
// the connected producer already holds) whether a RequestBuffer reply
// needs to carry the full Buffer or can omit it (spec §4.2.1, §4.5).
type ProducerStub struct {
	queue *BufferQueue

	mu            sync.Mutex
	connectedPid  int32
	hasConnected  bool
	producerKnows map[uint32]bool

	releaseDispatcher *ReleaseListenerDispatcher
}

// NewProducerStub wraps q for IPC dispatch. The queue's release
// notifications are routed through a ReleaseListenerDispatcher so that
// RegisterReleaseListener callbacks observe the TF_ASYNC, per-sender
// ordered delivery spec §4.6 describes, rather than running inline on
// whatever goroutine called ReleaseBuffer.
func NewProducerStub(q *BufferQueue) *ProducerStub {
	s := &ProducerStub{
		queue:             q,
		producerKnows:     make(map[uint32]bool),
		releaseDispatcher: NewReleaseListenerDispatcher(),
	}
	q.SetReleaseListener(s.releaseDispatcher)
	return s
}

// RegisterReleaseListener installs the producer's release callback.
func (s *ProducerStub) RegisterReleaseListener(l ReleaseListener) {
	s.releaseDispatcher.Register(l)
}

// RegisterConsumerSurfaceDelegator installs the optional secondary
// subscriber that mirrors every release notification.
func (s *ProducerStub) RegisterConsumerSurfaceDelegator(d ConsumerSurfaceDelegator) {
	s.releaseDispatcher.RegisterDelegator(d)
}

// UnregisterReleaseListener clears the callback before any further
// server-side teardown, matching spec §4.6's unregister ordering.
func (s *ProducerStub) UnregisterReleaseListener() {
	s.releaseDispatcher.Unregister()
}

// checkCallerLocked enforces the single-connected-producer rule: the
// first caller's pid is latched in, and every later caller must match
// it except Disconnect, which any pid may issue to release the latch.
func (s *ProducerStub) checkCallerLocked(pid int32, method dispatch.Method) error {
	if !s.hasConnected {
		s.connectedPid = pid
		s.hasConnected = true
		return nil
	}
	if pid != s.connectedPid && method != dispatch.MethodDisconnect {
		return NewError("Dispatch", ErrCodeInvalidOperating, "caller is not the connected producer")
	}
	return nil
}

// Dispatch decodes req, invokes the matching BufferQueue operation,
// and returns the reply envelope. It validates the interface token via
// dispatch.UnmarshalEnvelope before this is ever called by a Transport
// loop, and writes the GSError code first, payload second, the same
// order the original stub writes its reply parcel.
func (s *ProducerStub) Dispatch(pid int32, req dispatch.Envelope) dispatch.Envelope {
	s.mu.Lock()
	if err := s.checkCallerLocked(pid, req.Method); err != nil {
		s.mu.Unlock()
		return dispatch.NewReply(req, codeToErrno(err), nil)
	}
	s.mu.Unlock()

	switch req.Method {
	case dispatch.MethodRequestBuffer:
		return s.dispatchRequestBuffer(req)
	case dispatch.MethodRequestAndDetachBuffer:
		return s.dispatchRequestAndDetachBuffer(req)
	case dispatch.MethodCancelBuffer:
		return s.dispatchCancelBuffer(req)
	case dispatch.MethodFlushBuffer:
		return s.dispatchFlushBuffer(req)
	case dispatch.MethodReleaseBuffer:
		return s.dispatchReleaseBuffer(req)
	case dispatch.MethodAttachBuffer:
		return s.dispatchAttachBuffer(req)
	case dispatch.MethodDetachBuffer:
		return s.dispatchDetachBuffer(req)
	case dispatch.MethodSetQueueSize:
		return s.dispatchSetQueueSize(req)
	case dispatch.MethodGetQueueSize:
		return s.dispatchGetQueueSize(req)
	case dispatch.MethodCleanCache:
		return s.dispatchCleanCache(req)
	case dispatch.MethodGetProducerInitInfo:
		return s.dispatchGetProducerInitInfo(req)
	case dispatch.MethodGoBackground:
		s.queue.GoBackground()
		return dispatch.NewReply(req, 0, nil)
	case dispatch.MethodConnect:
		return dispatch.NewReply(req, 0, nil)
	case dispatch.MethodDisconnect:
		s.onDisconnect()
		return dispatch.NewReply(req, 0, nil)
	case dispatch.MethodConnectStrictly:
		s.queue.ConnectStrictly()
		return dispatch.NewReply(req, 0, nil)
	case dispatch.MethodDisconnectStrictly:
		s.queue.DisconnectStrictly()
		return dispatch.NewReply(req, 0, nil)
	default:
		return dispatch.NewReply(req, codeToErrno(NewError("Dispatch", ErrCodeNotSupport, "unknown method")), nil)
	}
}

func (s *ProducerStub) dispatchRequestBuffer(req dispatch.Envelope) dispatch.Envelope {
	cfg, err := proto.UnmarshalBufferRequestConfig(req.Payload)
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(WrapError("RequestBuffer", err)), nil)
	}

	ret, err := s.queue.RequestBuffer(allocator.Config{
		Width: cfg.Width, Height: cfg.Height, StrideAlignment: cfg.StrideAlignment,
		Format: cfg.Format, Usage: cfg.Usage, Timeout: cfg.Timeout,
	})
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(err), nil)
	}

	s.mu.Lock()
	known := s.producerKnows[ret.Sequence]
	if !known {
		s.producerKnows[ret.Sequence] = true
	}
	s.mu.Unlock()

	// The producer already holding this sequence is the one case where
	// the stub omits the handle from the reply; the proxy resolves it
	// from its own cache instead (spec §4.2.1, §4.5).
	includeBuffer := !known
	return dispatch.NewReply(req, 0, encodeRequestReply(ret, includeBuffer))
}

// dispatchRequestAndDetachBuffer serves spec §4.5's zero-copy export:
// the returned buffer is never tracked as known/cached again, so the
// reply always carries the full handle.
func (s *ProducerStub) dispatchRequestAndDetachBuffer(req dispatch.Envelope) dispatch.Envelope {
	cfg, err := proto.UnmarshalBufferRequestConfig(req.Payload)
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(WrapError("RequestAndDetachBuffer", err)), nil)
	}

	ret, err := s.queue.RequestAndDetachBuffer(allocator.Config{
		Width: cfg.Width, Height: cfg.Height, StrideAlignment: cfg.StrideAlignment,
		Format: cfg.Format, Usage: cfg.Usage, Timeout: cfg.Timeout,
	})
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(err), nil)
	}
	return dispatch.NewReply(req, 0, encodeRequestReply(ret, true))
}

// dispatchAttachBuffer serves spec §4.2.6's foreign-buffer injection: the
// wire payload carries the buffer's allocator config and HAL handle,
// since the stub never shares the caller's *Buffer pointer.
func (s *ProducerStub) dispatchAttachBuffer(req dispatch.Envelope) dispatch.Envelope {
	wire, err := proto.UnmarshalAttachBufferRequest(req.Payload)
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(WrapError("AttachBuffer", err)), nil)
	}

	var handle *allocator.Handle
	if wire.Handle.Valid {
		handle = &allocator.Handle{Fd: int(wire.Handle.Fd)}
	}
	buf := &Buffer{
		handle: handle,
		requestConfig: allocator.Config{
			Width: wire.Config.Width, Height: wire.Config.Height, StrideAlignment: wire.Config.StrideAlignment,
			Format: wire.Config.Format, Usage: wire.Config.Usage, Timeout: wire.Config.Timeout,
		},
		width:  wire.Config.Width,
		height: wire.Config.Height,
	}

	seq, err := s.queue.AttachBuffer(buf, time.Duration(wire.Timeout))
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(err), nil)
	}

	s.mu.Lock()
	s.producerKnows[seq] = true
	s.mu.Unlock()

	return dispatch.NewReply(req, 0, proto.EncodeUint32(seq))
}

// dispatchDetachBuffer serves spec §4.2.7, addressed by req.Sequence
// rather than buffer identity (see BufferQueue.DetachBufferSeq).
func (s *ProducerStub) dispatchDetachBuffer(req dispatch.Envelope) dispatch.Envelope {
	err := s.queue.DetachBufferSeq(req.Sequence)
	if err == nil {
		s.mu.Lock()
		delete(s.producerKnows, req.Sequence)
		s.mu.Unlock()
	}
	return dispatch.NewReply(req, codeToErrno(err), nil)
}

func (s *ProducerStub) dispatchCancelBuffer(req dispatch.Envelope) dispatch.Envelope {
	err := s.queue.CancelBuffer(req.Sequence, nil)
	return dispatch.NewReply(req, codeToErrno(err), nil)
}

func (s *ProducerStub) dispatchFlushBuffer(req dispatch.Envelope) dispatch.Envelope {
	xfer, err := proto.UnmarshalBufferTransfer(req.Payload)
	if err != nil {
		return dispatch.NewReply(req, codeToErrno(WrapError("FlushBuffer", err)), nil)
	}
	var f *fence.Fence
	if xfer.Fence.Valid {
		f = fence.Wrap(int(xfer.Fence.Fd))
	}
	err = s.queue.FlushBuffer(req.Sequence, nil, f, BufferFlushConfigWithDamages{
		Damages:   []proto.Rect{xfer.Damage},
		Timestamp: xfer.Timestamp,
	})
	return dispatch.NewReply(req, codeToErrno(err), nil)
}

func (s *ProducerStub) dispatchReleaseBuffer(req dispatch.Envelope) dispatch.Envelope {
	err := s.queue.ReleaseBuffer(req.Sequence, nil)
	return dispatch.NewReply(req, codeToErrno(err), nil)
}

func (s *ProducerStub) dispatchSetQueueSize(req dispatch.Envelope) dispatch.Envelope {
	if len(req.Payload) < 4 {
		return dispatch.NewReply(req, codeToErrno(NewError("SetQueueSize", ErrCodeInvalidArguments, "short payload")), nil)
	}
	n := int32(binary.LittleEndian.Uint32(req.Payload[0:4]))
	err := s.queue.SetQueueSize(n)
	return dispatch.NewReply(req, codeToErrno(err), nil)
}

func (s *ProducerStub) dispatchGetQueueSize(req dispatch.Envelope) dispatch.Envelope {
	n := s.queue.GetQueueSize()
	return dispatch.NewReply(req, 0, proto.EncodeUint32(uint32(n)))
}

// GetProducerInitInfo returns the connected producer's one-time init
// info (spec §3.5), using the latched connected pid as ProducerId.
func (s *ProducerStub) GetProducerInitInfo() *ProducerInitInfo {
	s.mu.Lock()
	pid := s.connectedPid
	s.mu.Unlock()
	return s.queue.GetProducerInitInfo(uint64(pid))
}

func (s *ProducerStub) dispatchGetProducerInitInfo(req dispatch.Envelope) dispatch.Envelope {
	info := s.GetProducerInitInfo()
	wire := proto.ProducerInitInfo{
		Name: info.Name, UniqueId: info.UniqueId, BufferName: info.BufferName,
		AppName: info.AppName, ProducerId: info.ProducerId, Width: info.Width,
		Height: info.Height, TransformHint: info.TransformHint, IsInHebcList: info.IsInHebcList,
	}
	return dispatch.NewReply(req, 0, wire.Marshal())
}

func (s *ProducerStub) dispatchCleanCache(req dispatch.Envelope) dispatch.Envelope {
	cleanAll := len(req.Payload) > 0 && req.Payload[0] != 0
	freed := s.queue.CleanCache(cleanAll)

	s.mu.Lock()
	for _, seq := range freed {
		delete(s.producerKnows, seq)
	}
	s.mu.Unlock()

	return dispatch.NewReply(req, 0, nil)
}

// onDisconnect releases the connected-pid latch and mirrors the death
// recipient behavior spec §5 describes for producer death: CleanCache
// with cleanAll=true, then the pid reset so the next caller latches in
// fresh.
func (s *ProducerStub) onDisconnect() {
	s.queue.CleanCache(true)
	s.mu.Lock()
	s.hasConnected = false
	s.producerKnows = make(map[uint32]bool)
	s.mu.Unlock()
	logging.Default().WithComponent("producer").Debug("producer disconnected, cache cleared")
}

// OnProducerDied is the death-recipient entry point: the transport
// layer calls this when it detects the producer's process/connection
// is gone, without waiting for an explicit Disconnect.
func (s *ProducerStub) OnProducerDied() {
	s.onDisconnect()
	logging.Default().WithComponent("producer").Warn("producer connection lost, cache cleared")
}

func encodeRequestReply(ret *RequestBufferReturnValue, includeBuffer bool) []byte {
	var handle proto.FdSlot
	if includeBuffer && ret.Buffer != nil && ret.Buffer.Handle() != nil {
		handle = proto.FdSlot{Valid: true, Fd: int32(ret.Buffer.Handle().Fd)}
	}
	buf := make([]byte, 0, 16+8*len(ret.DeletingBuffers))
	buf = append(buf, proto.EncodeUint32(ret.Sequence)...)
	buf = append(buf, handle.Marshal()...)
	buf = append(buf, proto.EncodeUint32(uint32(len(ret.DeletingBuffers)))...)
	for _, seq := range ret.DeletingBuffers {
		buf = append(buf, proto.EncodeUint32(seq)...)
	}
	return buf
}

// errCodeTable enumerates the small integer codes carried in
// Envelope.Code, index 0 meaning success. codeToErrno/decodeReplyCode
// translate a GSErrCode to and from this table.
var errCodeTable = []GSErrCode{
	"", ErrCodeInvalidArguments, ErrCodeNoBuffer, ErrCodeNoBufferReady, ErrCodeNoConsumer,
	ErrCodeNoEntry, ErrCodeOutOfRange, ErrCodeBufferStateInvalid, ErrCodeBufferIsInCache,
	ErrCodeBufferNotInCache, ErrCodeBufferQueueFull, ErrCodeConsumerDisconnected,
	ErrCodeConsumerIsConnected, ErrCodeBinder, ErrCodeInternal, ErrCodeAPIFailed,
	ErrCodeNotSupport, ErrCodeNotInit, ErrCodeTypeError, ErrCodeInvalidOperating,
}

var errCodeIndex = func() map[GSErrCode]int32 {
	m := make(map[GSErrCode]int32, len(errCodeTable))
	for i, c := range errCodeTable {
		m[c] = int32(i)
	}
	return m
}()

// codeToErrno maps err's GSErrCode to its wire index, for the Code
// field of a reply Envelope.
func codeToErrno(err error) int32 {
	if err == nil {
		return 0
	}
	var be *Error
	if e, ok := err.(*Error); ok {
		be = e
	} else {
		be = WrapError("Dispatch", err)
	}
	if idx, ok := errCodeIndex[be.Code]; ok {
		return idx
	}
	return errCodeIndex[ErrCodeInternal]
}

// decodeReplyCode is codeToErrno's inverse, used by ProducerProxy to
// translate a reply's numeric Code back into a GSErrCode.
func decodeReplyCode(code int32) GSErrCode {
	if code < 0 || int(code) >= len(errCodeTable) {
		return ErrCodeInternal
	}
	return errCodeTable[code]
}

// bufferProducerCache_ entry: the producer proxy's local mirror of a
// sequence it currently holds. preCache survives CleanCache(false),
// matching the original's single-slot lookaside that protects a
// render-service pre-buffer from being evicted by cache churn.
type producerCacheEntry struct {
	buffer *Buffer
}

// ProducerProxy is the producer-side client of a BufferQueue: it keeps
// a local mirror, bufferProducerCache_, so a RequestBuffer round trip
// that omits the handle can still be resolved locally, and reconciles
// deletingBuffers eviction on every reply (spec §4.5).
type ProducerProxy struct {
	transport dispatch.Transport

	mu             sync.Mutex
	cache          map[uint32]*producerCacheEntry
	preCacheBuffer *producerCacheEntry
	preCacheSeq    uint32
	hasPreCache    bool
	isDisconnected bool
}

// NewProducerProxy wraps a Transport already connected to a ProducerStub.
func NewProducerProxy(t dispatch.Transport) *ProducerProxy {
	return &ProducerProxy{transport: t, cache: make(map[uint32]*producerCacheEntry)}
}

// reconcile installs or resolves the returned buffer, evicts every
// sequence named in ret.DeletingBuffers, and drops the lookaside
// pre-cache entry once the live cache holds more than
// PreCacheBufferThreshold entries (spec §4.5).
func (p *ProducerProxy) reconcile(ret *RequestBufferReturnValue) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var resolved *Buffer
	if ret.Buffer != nil {
		p.cache[ret.Sequence] = &producerCacheEntry{buffer: ret.Buffer}
		resolved = ret.Buffer
	} else if entry, ok := p.cache[ret.Sequence]; ok {
		resolved = entry.buffer
	} else if p.hasPreCache && p.preCacheSeq == ret.Sequence {
		resolved = p.preCacheBuffer.buffer
	} else {
		for _, seq := range ret.DeletingBuffers {
			delete(p.cache, seq)
		}
		return nil, NewError("RequestBuffer", ErrCodeTypeError, "server omitted buffer for an unknown sequence")
	}

	for _, seq := range ret.DeletingBuffers {
		delete(p.cache, seq)
		if p.hasPreCache && p.preCacheSeq == seq {
			p.hasPreCache = false
			p.preCacheBuffer = nil
		}
	}

	switch {
	case len(p.cache) > PreCacheBufferThreshold:
		p.hasPreCache = false
		p.preCacheBuffer = nil
	case len(p.cache) == 1:
		for seq, entry := range p.cache {
			p.preCacheSeq = seq
			p.preCacheBuffer = entry
			p.hasPreCache = true
		}
	}

	return resolved, nil
}

// CleanCacheLocal drops every mirrored sequence except the retained
// pre-cache entry; cleanAll also drops that.
func (p *ProducerProxy) CleanCacheLocal(cleanAll bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[uint32]*producerCacheEntry)
	if cleanAll {
		p.hasPreCache = false
		p.preCacheBuffer = nil
	}
}

// Disconnect marks the proxy disconnected; the next RequestBuffer call
// must re-run Connect before sending.
func (p *ProducerProxy) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isDisconnected = true
	p.cache = make(map[uint32]*producerCacheEntry)
}

// IsDisconnected reports whether Disconnect was called and no later
// RequestBuffer has reconnected yet.
func (p *ProducerProxy) IsDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDisconnected
}

// requestSequenceCounter assigns each envelope a process-wide unique
// sequence number; proxies for independent surfaces may call
// RequestBuffer concurrently from different goroutines, so this needs
// an actual atomic increment rather than a plain counter.
var requestSequenceCounter atomix.Uint64

func nextEnvelopeSequence() uint32 {
	return uint32(requestSequenceCounter.AddAcqRel(1))
}

// RequestBuffer sends a RequestBuffer call over the wire, then
// reconciles the reply against the local cache. On NO_CONSUMER it
// self-heals by clearing the local mirror, matching the proxy-side
// recovery spec §7 describes for a transient peer absence.
func (p *ProducerProxy) RequestBuffer(cfg allocator.Config) (*Buffer, error) {
	if p.IsDisconnected() {
		if err := p.transport.Send(dispatch.NewRequest(dispatch.MethodConnect, nextEnvelopeSequence(), nil)); err != nil {
			return nil, WrapError("RequestBuffer", err)
		}
		if _, err := p.transport.Recv(); err != nil {
			return nil, WrapError("RequestBuffer", err)
		}
		p.mu.Lock()
		p.isDisconnected = false
		p.mu.Unlock()
	}

	wire := proto.BufferRequestConfig{
		Width: cfg.Width, Height: cfg.Height, StrideAlignment: cfg.StrideAlignment,
		Format: cfg.Format, Usage: cfg.Usage, Timeout: cfg.Timeout,
	}
	req := dispatch.NewRequest(dispatch.MethodRequestBuffer, nextEnvelopeSequence(), wire.Marshal())
	if err := p.transport.Send(req); err != nil {
		return nil, WrapError("RequestBuffer", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return nil, WrapError("RequestBuffer", err)
	}
	if reply.Code != 0 {
		code := decodeReplyCode(reply.Code)
		if code == ErrCodeNoConsumer {
			p.CleanCacheLocal(false)
		}
		return nil, NewError("RequestBuffer", code, "server rejected request")
	}

	ret, err := decodeRequestReply(reply.Payload)
	if err != nil {
		return nil, WrapError("RequestBuffer", err)
	}
	return p.reconcile(ret)
}

// RequestAndDetachBuffer sends a RequestAndDetachBuffer call: the
// returned buffer is never added to the local mirror, since the
// producer owns it outright and the server will not offer it again
// (spec §4.5).
func (p *ProducerProxy) RequestAndDetachBuffer(cfg allocator.Config) (*Buffer, error) {
	wire := proto.BufferRequestConfig{
		Width: cfg.Width, Height: cfg.Height, StrideAlignment: cfg.StrideAlignment,
		Format: cfg.Format, Usage: cfg.Usage, Timeout: cfg.Timeout,
	}
	req := dispatch.NewRequest(dispatch.MethodRequestAndDetachBuffer, nextEnvelopeSequence(), wire.Marshal())
	if err := p.transport.Send(req); err != nil {
		return nil, WrapError("RequestAndDetachBuffer", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return nil, WrapError("RequestAndDetachBuffer", err)
	}
	if reply.Code != 0 {
		return nil, NewError("RequestAndDetachBuffer", decodeReplyCode(reply.Code), "server rejected request")
	}

	ret, err := decodeRequestReply(reply.Payload)
	if err != nil {
		return nil, WrapError("RequestAndDetachBuffer", err)
	}
	return ret.Buffer, nil
}

// AttachBuffer is the single-argument producer-side attach call. The
// original only ever wires the two-argument AttachBuffer(buffer,
// timeout) form on this path; this form is kept returning NOT_SUPPORT
// rather than silently cleaned up into a call to the two-arg form
// (spec Open Question: preserved as a source-observed oddity).
func (p *ProducerProxy) AttachBuffer(buf *Buffer) (uint32, error) {
	return 0, NewError("AttachBuffer", ErrCodeNotSupport, "single-argument AttachBuffer is not supported")
}

// AttachForeignBuffer sends the wire form of spec §4.2.6's foreign-buffer
// injection: cfg describes the buffer's allocator config, handleFd its
// HAL fd (-1 if none), timeout how long the server waits for a free slot.
func (p *ProducerProxy) AttachForeignBuffer(cfg allocator.Config, handleFd int, timeout time.Duration) (uint32, error) {
	wire := proto.AttachBufferRequest{
		Config: proto.BufferRequestConfig{
			Width: cfg.Width, Height: cfg.Height, StrideAlignment: cfg.StrideAlignment,
			Format: cfg.Format, Usage: cfg.Usage, Timeout: cfg.Timeout,
		},
		Handle:  proto.FdSlot{Valid: handleFd >= 0, Fd: int32(handleFd)},
		Timeout: int64(timeout),
	}
	req := dispatch.NewRequest(dispatch.MethodAttachBuffer, nextEnvelopeSequence(), wire.Marshal())
	if err := p.transport.Send(req); err != nil {
		return 0, WrapError("AttachBuffer", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return 0, WrapError("AttachBuffer", err)
	}
	if reply.Code != 0 {
		return 0, NewError("AttachBuffer", decodeReplyCode(reply.Code), "server rejected request")
	}
	if len(reply.Payload) < 4 {
		return 0, NewError("AttachBuffer", ErrCodeTypeError, "short reply payload")
	}
	return binary.LittleEndian.Uint32(reply.Payload[0:4]), nil
}

// DetachBuffer sends a DetachBuffer call for seq (spec §4.2.7).
func (p *ProducerProxy) DetachBuffer(seq uint32) error {
	req := dispatch.NewRequest(dispatch.MethodDetachBuffer, seq, nil)
	if err := p.transport.Send(req); err != nil {
		return WrapError("DetachBuffer", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return WrapError("DetachBuffer", err)
	}
	if reply.Code != 0 {
		return NewError("DetachBuffer", decodeReplyCode(reply.Code), "server rejected request")
	}
	return nil
}

// GetQueueSize sends a GetQueueSize call (spec §4.2.8).
func (p *ProducerProxy) GetQueueSize() (int32, error) {
	req := dispatch.NewRequest(dispatch.MethodGetQueueSize, nextEnvelopeSequence(), nil)
	if err := p.transport.Send(req); err != nil {
		return 0, WrapError("GetQueueSize", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return 0, WrapError("GetQueueSize", err)
	}
	if reply.Code != 0 {
		return 0, NewError("GetQueueSize", decodeReplyCode(reply.Code), "server rejected request")
	}
	if len(reply.Payload) < 4 {
		return 0, NewError("GetQueueSize", ErrCodeTypeError, "short reply payload")
	}
	return int32(binary.LittleEndian.Uint32(reply.Payload[0:4])), nil
}

// GetProducerInitInfo sends a GetProducerInitInfo call, returned once at
// producer creation (spec §3.5).
func (p *ProducerProxy) GetProducerInitInfo() (*ProducerInitInfo, error) {
	req := dispatch.NewRequest(dispatch.MethodGetProducerInitInfo, nextEnvelopeSequence(), nil)
	if err := p.transport.Send(req); err != nil {
		return nil, WrapError("GetProducerInitInfo", err)
	}
	reply, err := p.transport.Recv()
	if err != nil {
		return nil, WrapError("GetProducerInitInfo", err)
	}
	if reply.Code != 0 {
		return nil, NewError("GetProducerInitInfo", decodeReplyCode(reply.Code), "server rejected request")
	}
	wire, err := proto.UnmarshalProducerInitInfo(reply.Payload)
	if err != nil {
		return nil, WrapError("GetProducerInitInfo", err)
	}
	return &ProducerInitInfo{
		Name: wire.Name, UniqueId: wire.UniqueId, BufferName: wire.BufferName,
		AppName: wire.AppName, ProducerId: wire.ProducerId, Width: wire.Width,
		Height: wire.Height, TransformHint: wire.TransformHint, IsInHebcList: wire.IsInHebcList,
	}, nil
}

func decodeRequestReply(payload []byte) (*RequestBufferReturnValue, error) {
	if len(payload) < 16 {
		return nil, proto.ErrInsufficientData{Want: 16, Got: len(payload)}
	}
	seq := binary.LittleEndian.Uint32(payload[0:4])
	handle, err := proto.UnmarshalFdSlot(payload[4:12])
	if err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(payload[12:16])
	off := 16
	deleting := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload) < off+4 {
			return nil, proto.ErrInsufficientData{Want: off + 4, Got: len(payload)}
		}
		deleting = append(deleting, binary.LittleEndian.Uint32(payload[off:off+4]))
		off += 4
	}

	ret := &RequestBufferReturnValue{Sequence: seq, DeletingBuffers: deleting, IsConnected: true}
	if handle.Valid {
		ret.Buffer = &Buffer{sequence: seq, handle: &allocator.Handle{Fd: int(handle.Fd)}}
	}
	return ret, nil
}
