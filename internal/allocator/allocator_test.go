package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProtected(t *testing.T) {
	assert.False(t, IsProtected(0))
	assert.False(t, IsProtected(0xFF))
	assert.True(t, IsProtected(1<<63))
	assert.True(t, IsProtected(1<<63|0xFF))
}

type fakeAllocator struct{ name string }

func (fakeAllocator) Alloc(Config) (*Handle, error) { return nil, nil }
func (fakeAllocator) Map(*Handle) error             { return nil }
func (fakeAllocator) Unmap(*Handle) error           { return nil }
func (fakeAllocator) FlushCache(*Handle) error      { return nil }
func (fakeAllocator) InvalidateCache(*Handle) error { return nil }
func (fakeAllocator) Free(*Handle) error            { return nil }

func TestSingletonLazilyCreatesOnce(t *testing.T) {
	SetSingleton(nil)
	calls := 0
	factory := func() (Allocator, error) {
		calls++
		return &fakeAllocator{name: "a"}, nil
	}

	a1, err := Singleton(factory)
	require.NoError(t, err)
	a2, err := Singleton(factory)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, calls, "factory should only run once while the singleton is alive")
}

func TestMarkDeadForcesRecreate(t *testing.T) {
	SetSingleton(nil)
	calls := 0
	factory := func() (Allocator, error) {
		calls++
		return fakeAllocator{name: "a"}, nil
	}

	_, err := Singleton(factory)
	require.NoError(t, err)

	MarkDead()

	_, err = Singleton(factory)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "MarkDead must force the next Singleton call to re-run the factory")
}

func TestSingletonPropagatesFactoryError(t *testing.T) {
	SetSingleton(nil)
	wantErr := errors.New("HAL unavailable")
	_, err := Singleton(func() (Allocator, error) { return nil, wantErr })
	assert.ErrorIs(t, err, wantErr)
}
