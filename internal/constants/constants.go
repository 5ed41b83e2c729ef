// Package constants holds the process-wide defaults and hard limits that
// the buffer queue and its collaborators are validated against.
package constants

import "time"

// Queue sizing.
const (
	// DefaultQueueSize is the slot count a BufferQueue starts with when the
	// caller does not request a specific size.
	DefaultQueueSize = 3

	// MaxQueueSize is the hard ceiling SetQueueSize enforces.
	MaxQueueSize = 64

	// MinQueueSize is the smallest queue size SetQueueSize accepts.
	MinQueueSize = 1
)

// Request/flush validation.
var (
	// ValidStrideAlignments enumerates the stride-alignment values
	// allocator.ValidateConfig accepts.
	ValidStrideAlignments = [...]int32{4, 8, 16, 32, 64}
)

const (
	// MaxPixelFormat bounds BufferRequestConfig.Format (PIXEL_FMT_BUTT in the
	// HAL's format enum).
	MaxPixelFormat = 100

	// PresentTimestampTolerance is how far into the future a
	// desiredPresentTimestamp may sit before AcquireBuffer treats it as "not
	// ready yet" rather than "ready now".
	PresentTimestampTolerance = time.Second
)

// Producer-side cache bookkeeping.
const (
	// MaxUserDataEntries bounds the consumer facade's userData_ map.
	MaxUserDataEntries = 1000

	// PreCacheBufferThreshold is the bufferProducerCache_ size above which
	// the proxy drops its retained preCacheBuffer_ (see ProducerProxy.reconcile).
	PreCacheBufferThreshold = 2
)

// Wire protocol limits.
const (
	// MaxParcelSize is the hard ceiling on a single marshaled request/reply
	// payload (SURFACE_PARCEL_SIZE_LIMIT).
	MaxParcelSize = 128 * 1024 * 1024
)

// HEBC whitelist bounds.
const (
	MaxHebcFileSize   = 32 * 1024 * 1024
	MaxHebcEntries    = 10000
	MaxHebcEntryChars = 1024

	// HebcCapability is the capability string ProducerInitInfo checks an
	// app's name against in the HEBC whitelist (spec §3.5).
	HebcCapability = "HEBC"
)
