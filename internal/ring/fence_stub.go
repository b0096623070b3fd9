//go:build !linux || !cgo

package ring

import "sync/atomic"

// fenceSink defeats reordering around the fallback fences below without a
// hardware instruction: a sequentially-consistent atomic operation carries
// the same "no reorder across this point" guarantee the Go memory model
// provides, just coarser than a single SFENCE/MFENCE.
var fenceSink atomic.Uint32

// FenceStore is the non-cgo fallback for FenceStore.
func FenceStore() {
	fenceSink.Add(1)
}

// FenceLoad is the non-cgo fallback for FenceLoad.
func FenceLoad() {
	fenceSink.Load()
}
