package bufferqueue

import "github.com/oniro-graphics/bufferqueue/internal/constants"

// Re-exported size and timing constants for public API consumers.
const (
	DefaultQueueSize          = constants.DefaultQueueSize
	MaxQueueSize              = constants.MaxQueueSize
	MinQueueSize              = constants.MinQueueSize
	MaxPixelFormat            = constants.MaxPixelFormat
	PresentTimestampTolerance = constants.PresentTimestampTolerance
	MaxUserDataEntries        = constants.MaxUserDataEntries
	MaxParcelSize             = constants.MaxParcelSize
)
