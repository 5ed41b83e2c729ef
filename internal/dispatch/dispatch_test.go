package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	req := NewRequest(MethodRequestBuffer, 5, []byte("payload"))
	data := req.Marshal()

	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Sequence, got.Sequence)
	assert.Equal(t, req.Payload, got.Payload)
}

func TestUnmarshalRejectsBadToken(t *testing.T) {
	data := make([]byte, envelopeHeaderSize)
	_, err := UnmarshalEnvelope(data)
	assert.Error(t, err)
}

func TestUnmarshalRejectsShortPayload(t *testing.T) {
	req := NewRequest(MethodFlushBuffer, 1, []byte("0123456789"))
	data := req.Marshal()
	_, err := UnmarshalEnvelope(data[:len(data)-3])
	assert.Error(t, err)
}

func TestChanTransportRoundTrip(t *testing.T) {
	a, b := NewChanPair(1)
	defer a.Close()
	defer b.Close()

	req := NewRequest(MethodAcquireBuffer, 42, []byte("hi"))
	require.NoError(t, a.Send(req))

	got, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, req.Sequence, got.Sequence)

	reply := NewReply(got, 0, []byte("ok"))
	require.NoError(t, b.Send(reply))

	gotReply, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, int32(0), gotReply.Code)
	assert.Equal(t, []byte("ok"), gotReply.Payload)
}

func TestChanTransportCloseUnblocksRecv(t *testing.T) {
	a, _ := NewChanPair(0)
	done := make(chan error, 1)
	go func() {
		_, err := a.Recv()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestChanTransportRejectsOversizeParcel(t *testing.T) {
	a, b := NewChanPair(1)
	defer a.Close()
	defer b.Close()

	req := NewRequest(MethodFlushBuffer, 1, make([]byte, proto.MaxParcelSize+1))
	err := a.Send(req)
	var tooLarge proto.ErrParcelTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestSocketTransportRoundTrip(t *testing.T) {
	prod, cons, err := NewSocketPair()
	require.NoError(t, err)
	defer prod.Close()
	defer cons.Close()

	req := NewRequest(MethodConnect, 1, []byte("producer-hello"))
	require.NoError(t, prod.Send(req))

	got, err := cons.Recv()
	require.NoError(t, err)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Payload, got.Payload)
}
