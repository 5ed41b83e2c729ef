package bufferqueue

import (
	"sync"
	"syscall"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
)

// MockAllocator provides a mock allocator.Allocator implementation for
// testing producer/consumer code without a real HAL, with call-count
// tracking for verification.
type MockAllocator struct {
	mu      sync.Mutex
	handles map[*allocator.Handle]bool
	dead    bool

	allocCalls      int
	mapCalls        int
	unmapCalls      int
	flushCalls      int
	invalidateCalls int
	freeCalls       int

	// AllocErr, if set, is returned by Alloc instead of succeeding.
	AllocErr error
}

// NewMockAllocator creates a new mock allocator.
func NewMockAllocator() *MockAllocator {
	return &MockAllocator{handles: make(map[*allocator.Handle]bool)}
}

// Alloc implements allocator.Allocator.
func (m *MockAllocator) Alloc(config allocator.Config) (*allocator.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocCalls++
	if m.dead {
		return nil, syscall.ENODEV
	}
	if m.AllocErr != nil {
		return nil, m.AllocErr
	}
	if err := allocator.ValidateConfig(config, 100); err != nil {
		return nil, err
	}

	h := &allocator.Handle{
		Fd:     -1,
		Stride: config.Width * 4,
		Size:   uint32(config.Width * 4 * config.Height),
		Config: config,
		Width:  config.Width,
		Height: config.Height,
	}
	m.handles[h] = true
	return h, nil
}

// Map implements allocator.Allocator. A protected-usage handle is never
// given a virtual address (spec §4.1).
func (m *MockAllocator) Map(h *allocator.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapCalls++
	if !h.Mapped() && !allocator.IsProtected(h.Config.Usage) {
		h.VirAddr = make([]byte, h.Size)
	}
	return nil
}

// Unmap implements allocator.Allocator.
func (m *MockAllocator) Unmap(h *allocator.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapCalls++
	h.VirAddr = nil
	return nil
}

// FlushCache implements allocator.Allocator.
func (m *MockAllocator) FlushCache(h *allocator.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	if !h.Mapped() {
		return allocator.ErrNoMappedHandle
	}
	return nil
}

// InvalidateCache implements allocator.Allocator.
func (m *MockAllocator) InvalidateCache(h *allocator.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateCalls++
	if !h.Mapped() {
		return allocator.ErrNoMappedHandle
	}
	return nil
}

// Free implements allocator.Allocator.
func (m *MockAllocator) Free(h *allocator.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeCalls++
	delete(m.handles, h)
	return nil
}

// Kill simulates the HAL death recipient firing: subsequent Alloc calls
// fail, and the process-wide allocator.Singleton is marked dead so its
// next caller re-acquires through the factory.
func (m *MockAllocator) Kill() {
	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()
	allocator.MarkDead()
}

// Live returns the number of handles allocated and not yet freed.
func (m *MockAllocator) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// CallCounts returns the number of times each method has been called.
func (m *MockAllocator) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"alloc":      m.allocCalls,
		"map":        m.mapCalls,
		"unmap":      m.unmapCalls,
		"flush":      m.flushCalls,
		"invalidate": m.invalidateCalls,
		"free":       m.freeCalls,
	}
}

// Reset clears all call counters.
func (m *MockAllocator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocCalls = 0
	m.mapCalls = 0
	m.unmapCalls = 0
	m.flushCalls = 0
	m.invalidateCalls = 0
	m.freeCalls = 0
}

var _ allocator.Allocator = (*MockAllocator)(nil)
