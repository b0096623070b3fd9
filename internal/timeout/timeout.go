// Package timeout implements the Timeout Engine (spec.md §4.8): a single
// timer wheel that schedules a deadline per outstanding transaction and
// fires an expiry callback when that deadline passes, without spawning a
// goroutine or timer per transaction.
package timeout

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mrmidi/asfw/internal/constants"
)

// ID is the caller's opaque handle for a scheduled deadline, typically an
// internal/txtable.Handle cast to uint32. This package does not import
// txtable to stay a dependency-free leaf; the facade does the casting.
type ID uint32

// entry is one scheduled deadline living in a wheel slot's list.
type entry struct {
	id            ID
	deadlineNanos int64
	roundsLeft    int
}

// Wheel is a single timer wheel: resolution-sized slots arranged in a
// ring, each holding a list of entries whose deadline falls in that slot.
// Entries whose deadline is further out than one full revolution carry a
// roundsLeft counter and are skipped until it reaches zero, the standard
// single-wheel-with-rounds technique for bounding slot count
// (constants.TimerWheelHorizon / constants.TimerWheelResolution slots).
type Wheel struct {
	mu         sync.Mutex
	slots      []*list.List
	numSlots   int
	resolution time.Duration
	current    int
	tokens     map[ID]*list.Element
	tokenSlot  map[ID]int
}

// New builds a Wheel sized per constants.TimerWheelResolution and
// constants.TimerWheelHorizon.
func New() *Wheel {
	numSlots := int(constants.TimerWheelHorizon / constants.TimerWheelResolution)
	if numSlots <= 0 {
		numSlots = 1
	}
	w := &Wheel{
		slots:      make([]*list.List, numSlots),
		numSlots:   numSlots,
		resolution: constants.TimerWheelResolution,
		tokens:     make(map[ID]*list.Element),
		tokenSlot:  make(map[ID]int),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

// Schedule arms a deadline for id. nowNanos and deadlineNanos are
// monotonic-clock nanosecond timestamps (e.g. from time.Now().UnixNano()).
// A deadline further away than the wheel's horizon is not clamped: its
// entry carries a rounds counter and fires after that many further
// revolutions (spec.md's default timeout is 1s against a 16s horizon, so
// the default case needs no rounds).
func (w *Wheel) Schedule(nowNanos, deadlineNanos int64, id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeLocked(id)

	delta := deadlineNanos - nowNanos
	if delta < 0 {
		delta = 0
	}
	ticks := int64(delta) / int64(w.resolution)
	rounds := int(ticks) / w.numSlots
	offset := int(ticks) % w.numSlots
	slot := (w.current + offset) % w.numSlots

	e := &entry{id: id, deadlineNanos: deadlineNanos, roundsLeft: rounds}
	elem := w.slots[slot].PushBack(e)
	w.tokens[id] = elem
	w.tokenSlot[id] = slot
}

// Cancel removes id's scheduled deadline, if any. Safe to call on an
// already-fired or never-scheduled id.
func (w *Wheel) Cancel(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
}

func (w *Wheel) removeLocked(id ID) {
	elem, ok := w.tokens[id]
	if !ok {
		return
	}
	slot := w.tokenSlot[id]
	w.slots[slot].Remove(elem)
	delete(w.tokens, id)
	delete(w.tokenSlot, id)
}

// Advance moves the wheel forward by one resolution tick and returns the
// ids whose deadline has now expired (roundsLeft reached zero in this
// slot). Callers normally do not call this directly; use Run to drive it
// off a ticker.
func (w *Wheel) Advance(nowNanos int64) []ID {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.slots[w.current]
	var expired []ID
	var remaining []*entry

	for e := slot.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.roundsLeft > 0 {
			ent.roundsLeft--
			remaining = append(remaining, ent)
			continue
		}
		expired = append(expired, ent.id)
		delete(w.tokens, ent.id)
		delete(w.tokenSlot, ent.id)
	}

	slot.Init()
	for _, ent := range remaining {
		elem := slot.PushBack(ent)
		w.tokens[ent.id] = elem
	}

	w.current = (w.current + 1) % w.numSlots
	return expired
}

// Run drives the wheel off a time.Ticker at the wheel's resolution,
// invoking onExpire for every id whose deadline passes, until ctx is
// canceled. Mirrors the teacher's ctx.Done()-driven loop shape.
func (w *Wheel) Run(ctx context.Context, onExpire func(ID)) {
	ticker := time.NewTicker(w.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range w.Advance(now.UnixNano()) {
				onExpire(id)
			}
		}
	}
}
