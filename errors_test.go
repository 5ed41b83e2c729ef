package bufferqueue

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

func TestStructuredError(t *testing.T) {
	err := NewError("REQUEST_BUFFER", ErrCodeInvalidArguments, "invalid queue size")

	assert.Equal(t, "REQUEST_BUFFER", err.Op)
	assert.Equal(t, ErrCodeInvalidArguments, err.Code)
	assert.Equal(t, "bufferqueue: invalid queue size (op=REQUEST_BUFFER)", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("ALLOC", ErrCodeInvalidOperating, syscall.EPERM)
	assert.Equal(t, syscall.EPERM, err.Errno)
	assert.Equal(t, ErrCodeInvalidOperating, err.Code)
}

func TestSequenceError(t *testing.T) {
	err := NewSequenceError("FLUSH_BUFFER", 7, ErrCodeBufferStateInvalid, "slot not requested")
	assert.EqualValues(t, 7, err.Sequence)
	assert.Equal(t, "bufferqueue: slot not requested (op=FLUSH_BUFFER)", err.Error())
}

func TestWrapError(t *testing.T) {
	err := WrapError("FREE", syscall.ENOMEM)
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeAPIFailed, err.Code)
	assert.Equal(t, syscall.ENOMEM, err.Errno)
	assert.True(t, errors.Is(err, syscall.ENOMEM))
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewSequenceError("ACQUIRE_BUFFER", 3, ErrCodeNoBuffer, "empty dirty list")
	wrapped := WrapError("OUTER", inner)
	assert.Equal(t, ErrCodeNoBuffer, wrapped.Code)
	assert.EqualValues(t, 3, wrapped.Sequence)
}

func TestSentinelComparison(t *testing.T) {
	var legacy error = ErrNoConsumer
	structured := &Error{Code: ErrCodeNoConsumer}

	assert.True(t, errors.Is(structured, ErrNoConsumer))
	assert.Equal(t, "no consumer", legacy.Error())
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeNoBufferReady, "nothing ready")
	assert.True(t, IsCode(err, ErrCodeNoBufferReady))
	assert.False(t, IsCode(err, ErrCodeNoBuffer))
	assert.False(t, IsCode(nil, ErrCodeNoBufferReady))
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("TEST", ErrCodeAPIFailed, syscall.EBUSY)
	assert.True(t, IsErrno(err, syscall.EBUSY))
	assert.False(t, IsErrno(err, syscall.EPERM))
	assert.False(t, IsErrno(nil, syscall.EBUSY))
}

func TestWrapErrorMapsOversizeParcel(t *testing.T) {
	err := WrapError("FLUSH_BUFFER", proto.ErrParcelTooLarge{Size: proto.MaxParcelSize + 1, Max: proto.MaxParcelSize})
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeBinder, err.Code)
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno    syscall.Errno
		expected GSErrCode
	}{
		{syscall.EBADF, ErrCodeInvalidArguments},
		{syscall.EINVAL, ErrCodeInvalidArguments},
		{syscall.EOPNOTSUPP, ErrCodeNotSupport},
		{syscall.ENOMEM, ErrCodeAPIFailed},
		{syscall.EBUSY, ErrCodeAPIFailed},
		{syscall.EPERM, ErrCodeInvalidOperating},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, mapErrnoToCode(tc.errno))
	}
}
