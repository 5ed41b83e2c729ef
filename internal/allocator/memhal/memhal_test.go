package memhal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/allocator"
)

func validConfig() allocator.Config {
	return allocator.Config{Width: 64, Height: 32, StrideAlignment: 8, Format: 1, Usage: 0}
}

func TestAllocRejectsInvalidConfig(t *testing.T) {
	m := New()
	_, err := m.Alloc(allocator.Config{Width: 0, Height: 32, StrideAlignment: 8})
	assert.Error(t, err)
}

func TestAllocStrideAlignment(t *testing.T) {
	m := New()
	h, err := m.Alloc(allocator.Config{Width: 10, Height: 4, StrideAlignment: 16, Format: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.Stride%16)
	assert.GreaterOrEqual(t, h.Stride, int32(10*bytesPerPixel))
}

func TestMapUnmapIdempotent(t *testing.T) {
	m := New()
	h, err := m.Alloc(validConfig())
	require.NoError(t, err)

	require.NoError(t, m.Map(h))
	require.NoError(t, m.Map(h)) // idempotent
	assert.True(t, h.Mapped())
	assert.Len(t, h.VirAddr, int(h.Size))

	require.NoError(t, m.Unmap(h))
	require.NoError(t, m.Unmap(h)) // idempotent
	assert.False(t, h.Mapped())
}

func TestFlushInvalidateRequireMapped(t *testing.T) {
	m := New()
	h, err := m.Alloc(validConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, m.FlushCache(h), allocator.ErrNoMappedHandle)
	assert.ErrorIs(t, m.InvalidateCache(h), allocator.ErrNoMappedHandle)

	require.NoError(t, m.Map(h))
	assert.NoError(t, m.FlushCache(h))
	assert.NoError(t, m.InvalidateCache(h))
}

func TestFreeReleasesHandle(t *testing.T) {
	m := New()
	h, err := m.Alloc(validConfig())
	require.NoError(t, err)
	require.NoError(t, m.Map(h))
	assert.Equal(t, 1, m.Live())

	require.NoError(t, m.Free(h))
	assert.Equal(t, 0, m.Live())
	assert.False(t, h.Mapped())
}

func TestMapIsNoOpForProtectedUsage(t *testing.T) {
	m := New()
	cfg := validConfig()
	cfg.Usage = 1 << 63
	h, err := m.Alloc(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Map(h))
	assert.False(t, h.Mapped(), "protected handle must never receive a virtual address")
}

func TestPoolConservation(t *testing.T) {
	m := New()
	var handles []*allocator.Handle
	for i := 0; i < 8; i++ {
		h, err := m.Alloc(validConfig())
		require.NoError(t, err)
		require.NoError(t, m.Map(h))
		handles = append(handles, h)
	}
	assert.Equal(t, 8, m.Live())
	for _, h := range handles {
		require.NoError(t, m.Free(h))
	}
	assert.Equal(t, 0, m.Live())
}

var _ allocator.Allocator = (*Memory)(nil)
