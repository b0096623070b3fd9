// Package metrics implements the ambient metrics layer: atomic op/byte/
// error counters and a log-spaced latency histogram, ported from the
// teacher's root-level Metrics/Observer split and renamed to the transaction
// vocabulary this engine actually transacts in (read/write/lock requests,
// acks, retries, timeouts) instead of block-device I/O.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the latency histogram's upper bounds in nanoseconds,
// logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks the engine's operational statistics across every
// outstanding-transaction outcome spec.md §7's error taxonomy names.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	LockOps  atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	TimeoutErrors       atomic.Uint64
	ShortReadErrors     atomic.Uint64
	BusyExhaustedErrors atomic.Uint64
	AbortedErrors       atomic.Uint64
	HardwareErrors      atomic.Uint64
	LockCompareFails    atomic.Uint64
	StaleGenerationErrors atomic.Uint64

	Retries        atomic.Uint64
	SpeedFallbacks atomic.Uint64

	OutstandingDepthTotal atomic.Uint64
	OutstandingDepthCount atomic.Uint64
	MaxOutstandingDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New returns a freshly started Metrics instance.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read-quadlet/read-block transaction.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, err error) {
	m.ReadOps.Add(1)
	if err == nil {
		m.ReadBytes.Add(bytes)
	} else {
		m.recordError(err)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write-quadlet/write-block transaction.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, err error) {
	m.WriteOps.Add(1)
	if err == nil {
		m.WriteBytes.Add(bytes)
	} else {
		m.recordError(err)
	}
	m.recordLatency(latencyNs)
}

// RecordLock records a completed lock transaction.
func (m *Metrics) RecordLock(latencyNs uint64, err error) {
	m.LockOps.Add(1)
	if err != nil {
		m.recordError(err)
	}
	m.recordLatency(latencyNs)
}

// RecordRetry records that a transaction was resubmitted after ack-busy or
// a missing ack, independent of its eventual outcome.
func (m *Metrics) RecordRetry() {
	m.Retries.Add(1)
}

// RecordSpeedFallback records that a node's tracked speed was stepped down
// after an ack/rCode type error.
func (m *Metrics) RecordSpeedFallback() {
	m.SpeedFallbacks.Add(1)
}

// RecordOutstandingDepth records a sample of the outstanding transaction
// table's occupancy.
func (m *Metrics) RecordOutstandingDepth(depth uint32) {
	m.OutstandingDepthTotal.Add(uint64(depth))
	m.OutstandingDepthCount.Add(1)
	for {
		current := m.MaxOutstandingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxOutstandingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// ErrClassifier maps a terminal status to one of spec.md §7's named error
// counters. Implemented by the root package's structured *Error; kept as an
// interface here so this package never imports the root package.
type ErrClassifier interface {
	MetricsClass() string
}

func (m *Metrics) recordError(err error) {
	class, ok := err.(ErrClassifier)
	if !ok {
		m.HardwareErrors.Add(1)
		return
	}
	switch class.MetricsClass() {
	case "timeout":
		m.TimeoutErrors.Add(1)
	case "short_read":
		m.ShortReadErrors.Add(1)
	case "busy_exhausted":
		m.BusyExhaustedErrors.Add(1)
	case "aborted":
		m.AbortedErrors.Add(1)
	case "lock_compare_fail":
		m.LockCompareFails.Add(1)
	case "stale_generation":
		m.StaleGenerationErrors.Add(1)
	default:
		m.HardwareErrors.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped, freezing Snapshot's uptime computation.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time, immutable view of Metrics.
type Snapshot struct {
	ReadOps  uint64
	WriteOps uint64
	LockOps  uint64

	ReadBytes  uint64
	WriteBytes uint64

	TimeoutErrors         uint64
	ShortReadErrors       uint64
	BusyExhaustedErrors   uint64
	AbortedErrors         uint64
	HardwareErrors        uint64
	LockCompareFails      uint64
	StaleGenerationErrors uint64

	Retries        uint64
	SpeedFallbacks uint64

	AvgOutstandingDepth float64
	MaxOutstandingDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS   float64
	WriteIOPS  float64
	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot assembles a Snapshot from the current counter values, the same
// "compute derived stats on demand" shape the teacher's Metrics.Snapshot
// follows.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ReadOps:               m.ReadOps.Load(),
		WriteOps:              m.WriteOps.Load(),
		LockOps:               m.LockOps.Load(),
		ReadBytes:             m.ReadBytes.Load(),
		WriteBytes:            m.WriteBytes.Load(),
		TimeoutErrors:         m.TimeoutErrors.Load(),
		ShortReadErrors:       m.ShortReadErrors.Load(),
		BusyExhaustedErrors:   m.BusyExhaustedErrors.Load(),
		AbortedErrors:         m.AbortedErrors.Load(),
		HardwareErrors:        m.HardwareErrors.Load(),
		LockCompareFails:      m.LockCompareFails.Load(),
		StaleGenerationErrors: m.StaleGenerationErrors.Load(),
		Retries:               m.Retries.Load(),
		SpeedFallbacks:        m.SpeedFallbacks.Load(),
		MaxOutstandingDepth:   m.MaxOutstandingDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.LockOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	depthTotal := m.OutstandingDepthTotal.Load()
	depthCount := m.OutstandingDepthCount.Load()
	if depthCount > 0 {
		snap.AvgOutstandingDepth = float64(depthTotal) / float64(depthCount)
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

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
	}

	totalErrors := snap.TimeoutErrors + snap.ShortReadErrors + snap.BusyExhaustedErrors +
		snap.AbortedErrors + snap.HardwareErrors + snap.LockCompareFails + snap.StaleGenerationErrors
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

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
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

// Observer lets callers plug in their own metrics collection in place of
// (or in addition to) Metrics.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, err error)
	ObserveWrite(bytes uint64, latencyNs uint64, err error)
	ObserveLock(latencyNs uint64, err error)
	ObserveRetry()
	ObserveSpeedFallback()
	ObserveOutstandingDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, error)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, error) {}
func (NoOpObserver) ObserveLock(uint64, error)          {}
func (NoOpObserver) ObserveRetry()                      {}
func (NoOpObserver) ObserveSpeedFallback()               {}
func (NoOpObserver) ObserveOutstandingDepth(uint32)      {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewObserver returns an Observer that records into m.
func NewObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, err error) {
	o.metrics.RecordRead(bytes, latencyNs, err)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, err error) {
	o.metrics.RecordWrite(bytes, latencyNs, err)
}

func (o *MetricsObserver) ObserveLock(latencyNs uint64, err error) {
	o.metrics.RecordLock(latencyNs, err)
}

func (o *MetricsObserver) ObserveRetry() {
	o.metrics.RecordRetry()
}

func (o *MetricsObserver) ObserveSpeedFallback() {
	o.metrics.RecordSpeedFallback()
}

func (o *MetricsObserver) ObserveOutstandingDepth(depth uint32) {
	o.metrics.RecordOutstandingDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
