// Package generation implements the Generation Tracker & Cancel-All
// (spec.md §4.10): the current 8-bit IEEE-1394 bus generation, and the
// bus-reset sweep that invalidates every outstanding transaction stamped
// with a stale generation.
package generation

import (
	"sync/atomic"

	"github.com/mrmidi/asfw/internal/txtable"
)

// Tracker holds the current bus generation and a reset-in-progress gate,
// field shape mirrored after the teacher's atomic-field Metrics struct.
type Tracker struct {
	current      atomic.Uint32 // stores an 8-bit bus generation
	resetInFlight atomic.Bool
}

// New returns a Tracker at generation 0, matching a freshly-powered bus.
func New() *Tracker {
	return &Tracker{}
}

// Current returns the active bus generation.
func (t *Tracker) Current() uint8 {
	return uint8(t.current.Load())
}

// ResetInProgress reports whether a bus reset sweep is currently running;
// submit paths should reject new transactions while this is true
// (spec.md §4.10's gate).
func (t *Tracker) ResetInProgress() bool {
	return t.resetInFlight.Load()
}

// IsStale reports whether slotGeneration no longer matches the current bus
// generation, meaning a transaction stamped with it survived a bus reset.
func (t *Tracker) IsStale(slotGeneration uint8) bool {
	return slotGeneration != uint8(t.current.Load())
}

// staleTxn captures what Bump needs from one invalidated slot, gathered
// while ForEach still holds its bucket lock; the callback itself runs
// only after ForEach returns, since a slot's Callback must never be
// invoked from inside ForEach's lock (calling back into the table from
// there, e.g. to Release, would self-deadlock on the same bucket mutex).
type staleTxn struct {
	handle   txtable.Handle
	callback func(error, []byte)
}

// Bump advances the bus generation to newGeneration (the value the OHCI
// self-ID-complete interrupt reports) and invalidates every outstanding
// slot in table whose stamped generation no longer matches, delivering a
// bus-reset error to each one's callback and releasing its handle.
//
// resetInFlight gates new submissions for the sweep's duration so a
// transaction cannot be registered under the stale generation mid-sweep
// and escape invalidation.
func (t *Tracker) Bump(newGeneration uint8, table *txtable.Table, staleErr error) {
	t.resetInFlight.Store(true)
	defer t.resetInFlight.Store(false)

	t.current.Store(uint32(newGeneration))

	var stale []staleTxn
	table.ForEach(func(h txtable.Handle, s *txtable.Slot) {
		if s.BusGeneration != newGeneration {
			stale = append(stale, staleTxn{handle: h, callback: s.Callback})
		}
	})

	for _, txn := range stale {
		table.Release(txn.handle)
		if txn.callback != nil {
			txn.callback(staleErr, nil)
		}
	}
}
