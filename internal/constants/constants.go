// Package constants holds named defaults for the async transaction engine,
// mirrored after the teacher's pattern of a dedicated defaults package
// instead of scattering magic numbers through the engine.
package constants

import "time"

// Ring and table sizing defaults (spec.md §6 environment/config table).
const (
	// DefaultRingCapacity is the default descriptor count for each of the
	// AT Request, AT Response, AR Request, and AR Response rings.
	DefaultRingCapacity = 256

	// MinRingCapacity and MaxRingCapacity bound the configurable range.
	MinRingCapacity = 64
	MaxRingCapacity = 4096

	// LabelPoolSize is fixed by the IEEE-1394 transaction-label width (6
	// bits) and is not configurable.
	LabelPoolSize = 64

	// DefaultOutstandingSlots is the default outstanding-transaction table
	// size; must stay a power of two.
	DefaultOutstandingSlots = 256

	// MaxOutstandingSlots is bounded by AsyncHandle's 12-bit slot index.
	MaxOutstandingSlots = 4096

	// OutstandingBucketSize is the number of slots sharing one mutex in the
	// outstanding transaction table.
	OutstandingBucketSize = 64
)

// Timeout and retry defaults.
const (
	// DefaultTimeoutMs is the default per-transaction deadline.
	DefaultTimeoutMs = 1000

	// TimerWheelResolution is the tick granularity of the timeout engine's
	// wheel.
	TimerWheelResolution = time.Millisecond

	// TimerWheelHorizon is one full revolution of the timeout engine's
	// wheel (TimerWheelHorizon / TimerWheelResolution slots). A deadline
	// further out keeps a rounds counter and fires after that many extra
	// revolutions.
	TimerWheelHorizon = 16 * time.Second
)

// DMA payload sizing.
const (
	// MaxBlockPayload is the largest single block-read/write/lock payload
	// this engine will allocate a DMA buffer for in one shot.
	MaxBlockPayload = 1 << 16

	// PayloadPoolBucketSmall, Medium, Large are size buckets named after the
	// teacher's size-bucketed sync.Pool. internal/dma does not pool buffers
	// and no package reads these values.
	PayloadPoolBucketSmall  = 512
	PayloadPoolBucketMedium = 4096
	PayloadPoolBucketLarge  = 65536
)
