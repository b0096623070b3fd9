//go:build linux && cgo

package ring

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// subsequent store. Needed between patching a descriptor's branchWord and
// writing the context-control WAKE bit (spec §4.4's release-fence
// invariant).
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full fence: all prior memory operations complete before any
// subsequent ones. Used before reading hardware-written status words.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// FenceStore issues a store fence after descriptor writes, before the
// controller is woken.
func FenceStore() {
	C.sfence_impl()
}

// FenceLoad issues a full fence before reading hardware-written status.
func FenceLoad() {
	C.mfence_impl()
}
