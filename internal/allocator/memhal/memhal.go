// Package memhal is a software-only allocator.Allocator backed by plain
// process memory. It has no fd/physAddr of its own and never touches real
// graphics memory; it exists so a producer/consumer pair can run, and be
// tested, in a single process with no HAL available.
package memhal

import (
	"sync"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
)

// Buffer size buckets mirror the teacher's queue-pool thresholds so
// same-shape reallocation (spec §4.2.1) stays cheap in the common case
// of repeatedly requesting the same surface size.
const (
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
	size4m   = 4 * 1024 * 1024
)

var pools = struct {
	p64k  sync.Pool
	p256k sync.Pool
	p1m   sync.Pool
	p4m   sync.Pool
}{
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	p1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
	p4m:   sync.Pool{New: func() any { b := make([]byte, size4m); return &b }},
}

func getBuffer(n uint32) []byte {
	switch {
	case n <= size64k:
		return (*pools.p64k.Get().(*[]byte))[:n]
	case n <= size256k:
		return (*pools.p256k.Get().(*[]byte))[:n]
	case n <= size1m:
		return (*pools.p1m.Get().(*[]byte))[:n]
	case n <= size4m:
		return (*pools.p4m.Get().(*[]byte))[:n]
	default:
		return make([]byte, n)
	}
}

func putBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64k:
		pools.p64k.Put(&buf)
	case size256k:
		pools.p256k.Put(&buf)
	case size1m:
		pools.p1m.Put(&buf)
	case size4m:
		pools.p4m.Put(&buf)
	}
}

// bytesPerPixel is deliberately coarse: memhal never samples or blends, it
// only needs a plausible byte count to size the backing slice.
const bytesPerPixel = 4

func strideFor(width, align int32) int32 {
	stride := width * bytesPerPixel
	if align <= 0 {
		return stride
	}
	if rem := stride % align; rem != 0 {
		stride += align - rem
	}
	return stride
}

// Memory is a process-local allocator.Allocator. Alloc never fails except
// on invalid config; Map/Unmap/FlushCache/InvalidateCache are no-ops beyond
// bookkeeping since the "device" memory already lives in process address
// space.
type Memory struct {
	mu      sync.Mutex
	handles map[*allocator.Handle]bool
}

// New returns a ready-to-use Memory allocator.
func New() *Memory {
	return &Memory{handles: make(map[*allocator.Handle]bool)}
}

// Alloc implements allocator.Allocator.
func (m *Memory) Alloc(config allocator.Config) (*allocator.Handle, error) {
	if err := allocator.ValidateConfig(config, 100); err != nil {
		return nil, err
	}
	stride := strideFor(config.Width, config.StrideAlignment)
	size := uint32(stride) * uint32(config.Height)

	h := &allocator.Handle{
		Fd:         -1,
		Stride:     stride,
		Size:       size,
		Config:     config,
		ColorGamut: config.ColorGamut,
		Transform:  config.Transform,
		Width:      config.Width,
		Height:     config.Height,
	}

	m.mu.Lock()
	m.handles[h] = true
	m.mu.Unlock()
	return h, nil
}

// Map implements allocator.Allocator. Idempotent: calling Map on an
// already-mapped handle is a no-op, and a protected-usage handle is
// never mapped at all (spec §4.1: Map is a no-op for protected memory).
func (m *Memory) Map(h *allocator.Handle) error {
	if h.Mapped() || allocator.IsProtected(h.Config.Usage) {
		return nil
	}
	h.VirAddr = getBuffer(h.Size)
	return nil
}

// Unmap implements allocator.Allocator. Idempotent.
func (m *Memory) Unmap(h *allocator.Handle) error {
	if !h.Mapped() {
		return nil
	}
	putBuffer(h.VirAddr)
	h.VirAddr = nil
	return nil
}

// FlushCache implements allocator.Allocator. Process memory has no
// separate device-side cache to flush, so this only checks preconditions.
func (m *Memory) FlushCache(h *allocator.Handle) error {
	if !h.Mapped() {
		return allocator.ErrNoMappedHandle
	}
	return nil
}

// InvalidateCache implements allocator.Allocator, mirroring FlushCache.
func (m *Memory) InvalidateCache(h *allocator.Handle) error {
	if !h.Mapped() {
		return allocator.ErrNoMappedHandle
	}
	return nil
}

// Free implements allocator.Allocator.
func (m *Memory) Free(h *allocator.Handle) error {
	if h.Mapped() {
		if err := m.Unmap(h); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
	return nil
}

// Live returns the number of handles allocated and not yet freed. Used by
// tests to assert pool conservation (spec §8 property P1).
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

var _ allocator.Allocator = (*Memory)(nil)
