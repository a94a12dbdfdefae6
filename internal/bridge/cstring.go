package bridge

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// readGuestString reads length bytes at ptr. The returned string is a copy.
func readGuestString(mem api.Memory, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// readCString reads a NUL-terminated string starting at ptr. It fails if no
// terminator is found before the end of memory.
func readCString(mem api.Memory, ptr uint32) (string, bool) {
	size := mem.Size()
	if ptr >= size {
		return "", false
	}
	data, ok := mem.Read(ptr, size-ptr)
	if !ok {
		return "", false
	}
	n := bytes.IndexByte(data, 0)
	if n < 0 {
		return "", false
	}
	return string(data[:n]), true
}

// mustReadGuestString is readGuestString for functions whose only failure
// channel is a trap.
func mustReadGuestString(mem api.Memory, ptr, length uint32) string {
	s, ok := readGuestString(mem, ptr, length)
	if !ok {
		panic(fmt.Errorf("read %d bytes at %d: out of range of memory size %d", length, ptr, mem.Size()))
	}
	return s
}

// writeCString allocates len(s)+1 bytes in the guest and writes s followed
// by NUL. It returns the address and the length including the terminator.
func (h *Host) writeCString(ctx context.Context, mod api.Module, s string) (ptr, length uint32) {
	length = uint32(len(s)) + 1
	ptr = h.mustAllocate(ctx, mod, length)

	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		panic(fmt.Errorf("allocated region [%d, %d) out of range of memory size %d", ptr, ptr+length, mod.Memory().Size()))
	}
	buf[copy(buf, s)] = 0
	return ptr, length
}
