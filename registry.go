package bufferqueue

import "sync"

// Surface bundles a BufferQueue with the consumer-side facade sitting
// on top of it, the unit the registry resolves a uniqueId to (spec
// §4.7).
type Surface struct {
	UniqueId uint64
	Queue    *BufferQueue
	Consumer *Consumer
}

var (
	registryMu    sync.RWMutex
	surfaces      = make(map[uint64]*Surface)
	nativeWindows = make(map[uint64]uintptr)
)

// RegisterSurface publishes s under s.UniqueId, replacing any previous
// entry for that id.
func RegisterSurface(s *Surface) {
	registryMu.Lock()
	defer registryMu.Unlock()
	surfaces[s.UniqueId] = s
}

// GetSurface resolves a uniqueId passed across a language boundary back
// to its Surface. True weak references aren't available on the
// teacher's target Go version, so a returned Surface is only as alive
// as whatever explicitly calls UnregisterSurface; there is no
// finalizer-based promotion/expiry here.
func GetSurface(uniqueId uint64) (*Surface, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := surfaces[uniqueId]
	return s, ok
}

// UnregisterSurface removes uniqueId's entry, the explicit substitute
// for promoting-a-dead-weak-reference this module uses instead (see
// GetSurface).
func UnregisterSurface(uniqueId uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(surfaces, uniqueId)
}

// RegisterNativeWindow records the opaque native-window handle
// associated with uniqueId, for callers reconstructing an
// OHNativeWindow-equivalent from a 64-bit id.
func RegisterNativeWindow(uniqueId uint64, handle uintptr) {
	registryMu.Lock()
	defer registryMu.Unlock()
	nativeWindows[uniqueId] = handle
}

// GetNativeWindow resolves uniqueId to its registered native-window
// handle.
func GetNativeWindow(uniqueId uint64) (uintptr, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := nativeWindows[uniqueId]
	return h, ok
}

// UnregisterNativeWindow removes uniqueId's native-window entry.
func UnregisterNativeWindow(uniqueId uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(nativeWindows, uniqueId)
}
