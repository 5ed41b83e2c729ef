package bufferqueue

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-BufferQueue operational statistics: how often each
// state-machine transition (spec §3.4) fires, how deep the dirty/free
// lists run, and how long producers/consumers wait on them.
type Metrics struct {
	// Operation counters, one per BufferQueue state transition.
	RequestOps atomic.Uint64
	CancelOps  atomic.Uint64
	FlushOps   atomic.Uint64
	AcquireOps atomic.Uint64
	ReleaseOps atomic.Uint64
	AttachOps  atomic.Uint64
	DetachOps  atomic.Uint64

	// Error counters for Request, Flush, Acquire and Release.
	RequestErrors atomic.Uint64
	FlushErrors   atomic.Uint64
	AcquireErrors atomic.Uint64
	ReleaseErrors atomic.Uint64

	// Queue depth statistics, sampled on every FlushBuffer/AcquireBuffer.
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Latency tracking: time from entry to return of RequestBuffer,
	// FlushBuffer and AcquireBuffer calls, including any time spent waiting.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // BufferQueue creation timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano), 0 if Stop has not been called
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records a RequestBuffer call.
func (m *Metrics) RecordRequest(latencyNs uint64, success bool) {
	m.RequestOps.Add(1)
	if !success {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCancel records a CancelBuffer call.
func (m *Metrics) RecordCancel() {
	m.CancelOps.Add(1)
}

// RecordFlush records a FlushBuffer call.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAcquire records an AcquireBuffer call.
func (m *Metrics) RecordAcquire(latencyNs uint64, success bool) {
	m.AcquireOps.Add(1)
	if !success {
		m.AcquireErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRelease records a ReleaseBuffer call.
func (m *Metrics) RecordRelease(success bool) {
	m.ReleaseOps.Add(1)
	if !success {
		m.ReleaseErrors.Add(1)
	}
}

// RecordAttach records an AttachBuffer call.
func (m *Metrics) RecordAttach() {
	m.AttachOps.Add(1)
}

// RecordDetach records a DetachBuffer call.
func (m *Metrics) RecordDetach() {
	m.DetachOps.Add(1)
}

// RecordQueueDepth records the current dirty-list length for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop records the stop time, freezing the UptimeNs that Snapshot reports.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for
// logging or exporting without holding a reference to the live counters.
type MetricsSnapshot struct {
	RequestOps uint64
	CancelOps  uint64
	FlushOps   uint64
	AcquireOps uint64
	ReleaseOps uint64
	AttachOps  uint64
	DetachOps  uint64

	RequestErrors uint64
	FlushErrors   uint64
	AcquireErrors uint64
	ReleaseErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestOps:    m.RequestOps.Load(),
		CancelOps:     m.CancelOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		AcquireOps:    m.AcquireOps.Load(),
		ReleaseOps:    m.ReleaseOps.Load(),
		AttachOps:     m.AttachOps.Load(),
		DetachOps:     m.DetachOps.Load(),
		RequestErrors: m.RequestErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		AcquireErrors: m.AcquireErrors.Load(),
		ReleaseErrors: m.ReleaseErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.RequestOps + snap.FlushOps + snap.AcquireOps + snap.ReleaseOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.RequestErrors + snap.FlushErrors + snap.AcquireErrors + snap.ReleaseErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.RequestOps.Store(0)
	m.CancelOps.Store(0)
	m.FlushOps.Store(0)
	m.AcquireOps.Store(0)
	m.ReleaseOps.Store(0)
	m.AttachOps.Store(0)
	m.DetachOps.Store(0)
	m.RequestErrors.Store(0)
	m.FlushErrors.Store(0)
	m.AcquireErrors.Store(0)
	m.ReleaseErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, e.g. to forward to an
// external monitoring system instead of (or in addition to) Metrics.
type Observer interface {
	ObserveRequest(latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveAcquire(latencyNs uint64, success bool)
	ObserveRelease(success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint64, bool)  {}
func (NoOpObserver) ObserveFlush(uint64, bool)    {}
func (NoOpObserver) ObserveAcquire(uint64, bool)  {}
func (NoOpObserver) ObserveRelease(bool)          {}
func (NoOpObserver) ObserveQueueDepth(uint32)     {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(latencyNs uint64, success bool) {
	o.metrics.RecordRequest(latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveAcquire(latencyNs uint64, success bool) {
	o.metrics.RecordAcquire(latencyNs, success)
}

func (o *MetricsObserver) ObserveRelease(success bool) {
	o.metrics.RecordRelease(success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
