package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRectRoundTrip(t *testing.T) {
	r := Rect{Left: 1, Top: 2, Width: 640, Height: 480}
	got, err := UnmarshalRect(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRectInsufficientData(t *testing.T) {
	_, err := UnmarshalRect([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFdSlotRoundTrip(t *testing.T) {
	cases := []FdSlot{
		{Valid: true, Fd: 42},
		{Valid: false, Fd: 0},
	}
	for _, c := range cases {
		got, err := UnmarshalFdSlot(c.Marshal())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestBufferRequestConfigRoundTrip(t *testing.T) {
	c := BufferRequestConfig{Width: 1920, Height: 1080, StrideAlignment: 8, Format: 3, Usage: 0xFF, Timeout: 1000}
	got, err := UnmarshalBufferRequestConfig(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestBufferTransferRoundTrip(t *testing.T) {
	bt := BufferTransfer{
		Sequence:    7,
		IsNewBuffer: true,
		Fence:       FdSlot{Valid: true, Fd: 9},
		Damage:      Rect{Left: 0, Top: 0, Width: 100, Height: 50},
		Timestamp:   123456789,
	}
	got, err := UnmarshalBufferTransfer(bt.Marshal())
	require.NoError(t, err)
	assert.Equal(t, bt, got)
}

func TestProducerInitInfoRoundTrip(t *testing.T) {
	p := ProducerInitInfo{
		Name: "surface-0", UniqueId: 0x1000000000002, BufferName: "surface-0",
		AppName: "com.example.app", ProducerId: 4242, Width: 1920, Height: 1080,
		TransformHint: 1, IsInHebcList: true,
	}
	got, err := UnmarshalProducerInitInfo(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProducerInitInfoInsufficientData(t *testing.T) {
	p := ProducerInitInfo{Name: "x"}
	data := p.Marshal()
	_, err := UnmarshalProducerInitInfo(data[:len(data)-1])
	assert.Error(t, err)
}

func TestAttachBufferRequestRoundTrip(t *testing.T) {
	a := AttachBufferRequest{
		Config:  BufferRequestConfig{Width: 640, Height: 480, StrideAlignment: 16, Format: 2, Usage: 0x10, Timeout: 500},
		Handle:  FdSlot{Valid: true, Fd: 11},
		Timeout: int64(250 * 1_000_000),
	}
	got, err := UnmarshalAttachBufferRequest(a.Marshal())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestCheckParcelSize(t *testing.T) {
	assert.NoError(t, CheckParcelSize(1024))
	assert.Error(t, CheckParcelSize(MaxParcelSize+1))
}
