// Package retry implements the Retry & Speed Policy (spec.md §4.9): named
// retry presets and per-node speed fallback tracking, ported from
// original_source/ASFWDriver/Async/AsyncTypes.hpp's RetryPolicy static
// factories.
package retry

import (
	"sync"
	"time"
)

// Policy is a named retry configuration, field-for-field matching the
// original's RetryPolicy struct.
type Policy struct {
	MaxRetries     int
	RetryDelay     time.Duration
	RetryOnBusy    bool
	RetryOnTimeout bool
	SpeedFallback  bool
}

// Default, Reduced, None, and Increased are the original's static presets,
// values carried over verbatim.
var (
	Default = Policy{
		MaxRetries:     3,
		RetryDelay:     1000 * time.Microsecond,
		RetryOnBusy:    true,
		RetryOnTimeout: true,
		SpeedFallback:  false,
	}
	Reduced = Policy{
		MaxRetries:     2,
		RetryDelay:     500 * time.Microsecond,
		RetryOnBusy:    true,
		RetryOnTimeout: false,
		SpeedFallback:  false,
	}
	None = Policy{
		MaxRetries:     0,
		RetryDelay:     0,
		RetryOnBusy:    false,
		RetryOnTimeout: false,
		SpeedFallback:  false,
	}
	Increased = Policy{
		MaxRetries:     6,
		RetryDelay:     1000 * time.Microsecond,
		RetryOnBusy:    true,
		RetryOnTimeout: true,
		SpeedFallback:  true,
	}
)

// Speed is an IEEE-1394 speed code (spec.md §4.2).
type Speed uint8

const (
	SpeedS100 Speed = 0
	SpeedS200 Speed = 1
	SpeedS400 Speed = 2
	SpeedS800 Speed = 3
)

// fallbackOrder is the speed-fallback ladder a transaction walks down on
// repeated type-errors (spec.md §4.9): S800 -> S400 -> S200 -> S100.
var fallbackOrder = []Speed{SpeedS800, SpeedS400, SpeedS200, SpeedS100}

// Reason classifies why a transaction is being reconsidered for retry.
type Reason int

const (
	ReasonBusy Reason = iota
	ReasonTimeout
	ReasonTypeError
	ReasonHardwareError
)

// Decision is Apply's verdict.
type Decision struct {
	Retry       bool
	Speed       Speed
	Delay       time.Duration
	RetriesLeft int
}

// Tracker remembers the best known working speed per node, falling back
// after repeated type-errors and recovering on a confirmed success the way
// the original driver's speed-probe state machine does.
type Tracker struct {
	mu    sync.RWMutex
	speed map[uint16]Speed
}

// NewTracker returns a Tracker with every node defaulting to S800, the
// bus's fastest possible speed, probed down on failure.
func NewTracker() *Tracker {
	return &Tracker{speed: make(map[uint16]Speed)}
}

// Snapshot returns a copy of every node's tracked speed, for diagnostics.
// Nodes never seen by RecordSuccess/RecordTypeError are absent rather than
// reported at their implicit S800 default.
func (t *Tracker) Snapshot() map[uint16]Speed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint16]Speed, len(t.speed))
	for node, speed := range t.speed {
		out[node] = speed
	}
	return out
}

// BestSpeed returns the node's current best-known speed, S800 if unseen.
func (t *Tracker) BestSpeed(node uint16) Speed {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.speed[node]; ok {
		return s
	}
	return SpeedS800
}

// RecordSuccess records that node completed a transaction successfully at
// speed, raising the tracked best speed if it was lower.
func (t *Tracker) RecordSuccess(node uint16, speed Speed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.speed[node]; !ok || speed > cur {
		t.speed[node] = speed
	}
}

// stepDown returns the next slower speed in the fallback ladder, or the
// same speed if already at the bottom.
func stepDown(speed Speed) Speed {
	for i, s := range fallbackOrder {
		if s == speed && i+1 < len(fallbackOrder) {
			return fallbackOrder[i+1]
		}
	}
	return SpeedS100
}

// RecordTypeError steps node's tracked speed down one rung, used after an
// ack-type-error or rCode type-error forces a speed fallback.
func (t *Tracker) RecordTypeError(node uint16) Speed {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.speed[node]
	if !ok {
		cur = SpeedS800
	}
	next := stepDown(cur)
	t.speed[node] = next
	return next
}

// Apply decides whether a failed transaction should be retried, at what
// speed, and after what delay, per policy and the failure reason.
// retriesLeft is the slot's remaining retry budget before this call.
func Apply(policy Policy, reason Reason, node uint16, tracker *Tracker, retriesLeft int) Decision {
	if retriesLeft <= 0 {
		return Decision{Retry: false, RetriesLeft: 0}
	}

	switch reason {
	case ReasonBusy:
		if !policy.RetryOnBusy {
			return Decision{Retry: false, RetriesLeft: retriesLeft}
		}
	case ReasonTimeout:
		if !policy.RetryOnTimeout {
			return Decision{Retry: false, RetriesLeft: retriesLeft}
		}
	case ReasonHardwareError:
		return Decision{Retry: false, RetriesLeft: retriesLeft}
	case ReasonTypeError:
		if !policy.SpeedFallback {
			return Decision{Retry: false, RetriesLeft: retriesLeft}
		}
	}

	speed := tracker.BestSpeed(node)
	if reason == ReasonTypeError {
		speed = tracker.RecordTypeError(node)
	}

	return Decision{
		Retry:       true,
		Speed:       speed,
		Delay:       policy.RetryDelay,
		RetriesLeft: retriesLeft - 1,
	}
}
