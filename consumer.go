package bufferqueue

import (
	"sync"

	"github.com/oniro-graphics/bufferqueue/internal/fence"
)

// UserDataChangeFunc is invoked after a successful SetUserData call,
// once per name registered via OnUserDataChange.
type UserDataChangeFunc func(key, value string)

// Consumer is the thin facade a compositor or decoder holds on a
// BufferQueue: it forwards AcquireBuffer/ReleaseBuffer/SetListener to
// the queue and layers a small per-session key/value store on top,
// bounded at MaxUserDataEntries (spec §4.4).
type Consumer struct {
	queue *BufferQueue

	mu               sync.Mutex
	userData         map[string]string
	onUserDataChange map[string]UserDataChangeFunc
}

// NewConsumer wraps an existing BufferQueue with the consumer facade.
func NewConsumer(q *BufferQueue) *Consumer {
	return &Consumer{
		queue:            q,
		userData:         make(map[string]string),
		onUserDataChange: make(map[string]UserDataChangeFunc),
	}
}

// AcquireBuffer forwards to the underlying queue.
func (c *Consumer) AcquireBuffer(expectPresentTimestamp *int64) (*AcquireBufferReturnValue, error) {
	return c.queue.AcquireBuffer(expectPresentTimestamp)
}

// ReleaseBuffer forwards to the underlying queue.
func (c *Consumer) ReleaseBuffer(seq uint32, f *fence.Fence) error {
	return c.queue.ReleaseBuffer(seq, f)
}

// SetListener forwards to the underlying queue.
func (c *Consumer) SetListener(l AvailableListener) {
	c.queue.SetListener(l)
}

// QueryIfBufferAvailable forwards to the underlying queue.
func (c *Consumer) QueryIfBufferAvailable() bool {
	return c.queue.QueryIfBufferAvailable()
}

// SetQueueSize forwards to the underlying queue.
func (c *Consumer) SetQueueSize(n int32) error {
	return c.queue.SetQueueSize(n)
}

// CleanCache forwards to the underlying queue.
func (c *Consumer) CleanCache(cleanAll bool) []uint32 {
	return c.queue.CleanCache(cleanAll)
}

// SetUserData stores a key/value pair, rejecting an exact-duplicate
// key/value as API_FAILED and an overflow past MaxUserDataEntries as
// OUT_OF_RANGE (spec §4.4). On success, every callback registered via
// OnUserDataChange for this key runs synchronously.
func (c *Consumer) SetUserData(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.userData[key]; ok && existing == value {
		return NewError("SetUserData", ErrCodeAPIFailed, "key/value pair already set")
	}
	if _, ok := c.userData[key]; !ok && len(c.userData) >= MaxUserDataEntries {
		return NewError("SetUserData", ErrCodeOutOfRange, "user data store is full")
	}

	c.userData[key] = value
	if cb, ok := c.onUserDataChange[key]; ok {
		cb(key, value)
	}
	return nil
}

// GetUserData reads back a previously set key.
func (c *Consumer) GetUserData(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.userData[key]
	return v, ok
}

// OnUserDataChange registers fn to run whenever SetUserData(name, ...)
// succeeds, replacing any previously registered callback for name.
func (c *Consumer) OnUserDataChange(name string, fn UserDataChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserDataChange[name] = fn
}

// RegisterReleaseListener installs the producer-side release callback
// that travels over IPC in a real cross-process deployment; in this
// single-process form it is invoked directly by ReleaseBuffer.
func (c *Consumer) RegisterReleaseListener(l ReleaseListener) {
	c.queue.SetReleaseListener(l)
}
