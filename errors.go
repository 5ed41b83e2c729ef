package bufferqueue

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

// Error represents a structured GSError with context and errno mapping.
type Error struct {
	Op       string    // Operation that failed (e.g. "REQUEST_BUFFER", "FLUSH_BUFFER")
	Sequence uint32    // Buffer sequence number, 0 if not applicable
	Code     GSErrCode // High-level error category
	Errno    syscall.Errno
	Msg      string
	Inner    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Sequence != 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", e.Sequence))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("bufferqueue: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("bufferqueue: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, including against the legacy GSError
// sentinel values below.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ge, ok := target.(GSError); ok {
		return e.Code == GSErrCode(ge)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// GSErrCode is a high-level GSError category, named after the spec's
// GSERROR_* constants (§6.4).
type GSErrCode string

const (
	ErrCodeInvalidArguments     GSErrCode = "invalid arguments"
	ErrCodeNoBuffer             GSErrCode = "no buffer"
	ErrCodeNoBufferReady        GSErrCode = "no buffer ready"
	ErrCodeNoConsumer           GSErrCode = "no consumer"
	ErrCodeNoEntry              GSErrCode = "no entry"
	ErrCodeOutOfRange           GSErrCode = "out of range"
	ErrCodeBufferStateInvalid   GSErrCode = "buffer state invalid"
	ErrCodeBufferIsInCache      GSErrCode = "buffer is in cache"
	ErrCodeBufferNotInCache     GSErrCode = "buffer not in cache"
	ErrCodeBufferQueueFull      GSErrCode = "buffer queue full"
	ErrCodeConsumerDisconnected GSErrCode = "consumer disconnected"
	ErrCodeConsumerIsConnected  GSErrCode = "consumer is connected"
	ErrCodeBinder               GSErrCode = "binder"
	ErrCodeInternal             GSErrCode = "internal"
	ErrCodeAPIFailed            GSErrCode = "api failed"
	ErrCodeNotSupport           GSErrCode = "not support"
	ErrCodeNotInit              GSErrCode = "not init"
	ErrCodeTypeError            GSErrCode = "type error"
	ErrCodeInvalidOperating     GSErrCode = "invalid operating pid"
)

// GSError is a sentinel-value error, kept for simple equality comparisons
// against the Code of a structured *Error via errors.Is.
type GSError string

func (e GSError) Error() string { return string(e) }

const (
	ErrInvalidArguments     = GSError(ErrCodeInvalidArguments)
	ErrNoBuffer             = GSError(ErrCodeNoBuffer)
	ErrNoBufferReady        = GSError(ErrCodeNoBufferReady)
	ErrNoConsumer           = GSError(ErrCodeNoConsumer)
	ErrOutOfRange           = GSError(ErrCodeOutOfRange)
	ErrBufferStateInvalid   = GSError(ErrCodeBufferStateInvalid)
	ErrBufferIsInCache      = GSError(ErrCodeBufferIsInCache)
	ErrBufferNotInCache     = GSError(ErrCodeBufferNotInCache)
	ErrBufferQueueFull      = GSError(ErrCodeBufferQueueFull)
	ErrConsumerDisconnected = GSError(ErrCodeConsumerDisconnected)
	ErrConsumerIsConnected  = GSError(ErrCodeConsumerIsConnected)
	ErrBinder               = GSError(ErrCodeBinder)
	ErrInternal             = GSError(ErrCodeInternal)
	ErrAPIFailed            = GSError(ErrCodeAPIFailed)
	ErrNotSupport           = GSError(ErrCodeNotSupport)
	ErrNotInit              = GSError(ErrCodeNotInit)
	ErrTypeError            = GSError(ErrCodeTypeError)
	ErrInvalidOperating     = GSError(ErrCodeInvalidOperating)
)

// NewError creates a new structured error.
func NewError(op string, code GSErrCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a HAL errno.
func NewErrorWithErrno(op string, code GSErrCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewSequenceError creates a new slot-specific error.
func NewSequenceError(op string, sequence uint32, code GSErrCode, msg string) *Error {
	return &Error{Op: op, Sequence: sequence, Code: code, Msg: msg}
}

// WrapError wraps an existing error with bufferqueue context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Sequence: be.Sequence, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	if _, ok := inner.(proto.ErrParcelTooLarge); ok {
		return &Error{Op: op, Code: ErrCodeBinder, Msg: inner.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeInternal, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode translates HAL allocator errno into a GSErrCode, per
// spec §4.1's unified error base.
func mapErrnoToCode(errno syscall.Errno) GSErrCode {
	switch errno {
	case syscall.EBADF:
		return ErrCodeInvalidArguments
	case syscall.EINVAL:
		return ErrCodeInvalidArguments
	case syscall.EOPNOTSUPP:
		return ErrCodeNotSupport
	case syscall.ENOMEM:
		return ErrCodeAPIFailed
	case syscall.EBUSY:
		return ErrCodeAPIFailed
	case syscall.EPERM:
		return ErrCodeInvalidOperating
	default:
		return ErrCodeInternal
	}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code GSErrCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
