package bridge

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// writeOutParams publishes a variable-length result: ptr goes to ptrSlot and
// length to lenSlot, both as little-endian u32. The slots belong to the
// caller; an unwritable slot traps the call rather than leaving the caller
// with stale values.
func writeOutParams(mem api.Memory, ptrSlot, lenSlot, ptr, length uint32) {
	if !mem.WriteUint32Le(ptrSlot, ptr) {
		panic(fmt.Errorf("write result pointer to slot %d: out of range of memory size %d", ptrSlot, mem.Size()))
	}
	if !mem.WriteUint32Le(lenSlot, length) {
		panic(fmt.Errorf("write result length to slot %d: out of range of memory size %d", lenSlot, mem.Size()))
	}
}
