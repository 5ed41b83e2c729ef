package bufferqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
)

func TestMockAllocatorMapSkipsProtectedUsage(t *testing.T) {
	m := NewMockAllocator()
	h, err := m.Alloc(allocator.Config{Width: 64, Height: 32, StrideAlignment: 8, Format: 1, Usage: 1 << 63})
	require.NoError(t, err)

	require.NoError(t, m.Map(h))
	assert.False(t, h.Mapped(), "protected handle must never receive a virtual address")
	assert.Equal(t, 1, m.CallCounts()["map"])
}

func TestMockAllocatorKillFailsSubsequentAllocAndMarksSingletonDead(t *testing.T) {
	m := NewMockAllocator()
	_, err := m.Alloc(allocator.Config{Width: 64, Height: 32, StrideAlignment: 8, Format: 1})
	require.NoError(t, err)

	m.Kill()

	_, err = m.Alloc(allocator.Config{Width: 64, Height: 32, StrideAlignment: 8, Format: 1})
	assert.Error(t, err)

	recreated := false
	_, err = allocator.Singleton(func() (allocator.Allocator, error) {
		recreated = true
		return NewMockAllocator(), nil
	})
	require.NoError(t, err)
	assert.True(t, recreated, "Kill must mark the process-wide singleton dead so Singleton re-creates it")
}
