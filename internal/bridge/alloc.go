package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// DefaultAllocExports are the guest exports tried, in order, to allocate
// memory. The underscore form is what emscripten emits.
var DefaultAllocExports = []string{"malloc", "_malloc"}

var (
	ErrNoAllocator = errors.New("guest exports no allocator")
	ErrAllocFailed = errors.New("guest allocation failed")
)

// Allocator obtains fresh guest linear memory. The bridge never frees what it
// allocates; reclaiming it is up to the guest or the instance recycling
// policy of the driver.
type Allocator interface {
	Allocate(ctx context.Context, mod api.Module, size uint32) (uint32, error)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(ctx context.Context, mod api.Module, size uint32) (uint32, error)

func (f AllocatorFunc) Allocate(ctx context.Context, mod api.Module, size uint32) (uint32, error) {
	return f(ctx, mod, size)
}

// ExportAllocator calls the first exported function found among Names with
// the requested size and treats the result as the address.
type ExportAllocator struct {
	Names []string
}

// NewExportAllocator returns an ExportAllocator trying names in order, or
// DefaultAllocExports when none are given.
func NewExportAllocator(names ...string) *ExportAllocator {
	if len(names) == 0 {
		names = DefaultAllocExports
	}
	return &ExportAllocator{Names: names}
}

// Allocate implements Allocator.
func (a *ExportAllocator) Allocate(ctx context.Context, mod api.Module, size uint32) (uint32, error) {
	fn := a.lookup(mod)
	if fn == nil {
		return 0, fmt.Errorf("%w: tried %v", ErrNoAllocator, a.Names)
	}
	results, err := fn.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: allocator returned no results", ErrAllocFailed)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%w: null pointer for %d bytes", ErrAllocFailed, size)
	}
	return ptr, nil
}

func (a *ExportAllocator) lookup(mod api.Module) api.Function {
	for _, name := range a.Names {
		if fn := mod.ExportedFunction(name); fn != nil {
			return fn
		}
	}
	return nil
}

// mustAllocate allocates size bytes or panics. A panic inside a host function
// traps the guest call and surfaces as an error to whoever invoked the guest;
// the ABI has no other way to report the failure.
func (h *Host) mustAllocate(ctx context.Context, mod api.Module, size uint32) uint32 {
	ptr, err := h.allocator.Allocate(ctx, mod, size)
	if err != nil {
		h.metrics.allocFailure()
		panic(fmt.Errorf("allocate %d bytes: %w", size, err))
	}
	if end := uint64(ptr) + uint64(size); end > uint64(mod.Memory().Size()) {
		h.metrics.allocFailure()
		panic(fmt.Errorf("allocate %d bytes: region ends at %d beyond memory size %d", size, end, mod.Memory().Size()))
	}
	h.metrics.alloc(size)
	return ptr
}
