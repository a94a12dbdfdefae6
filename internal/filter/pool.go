package filter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Instance is one guest module instance and the number of streams it served.
type Instance struct {
	mod  api.Module
	uses int
}

// Module returns the instantiated guest.
func (i *Instance) Module() api.Module {
	return i.mod
}

// InstancePool manages a channel-based pool of pre-instantiated guest instances.
// Channel-based (not sync.Pool) because wasm instances are expensive and must not be GC'd.
//
// Memory the bridge allocates in a guest is never freed by the host, so an
// instance is closed instead of returned once it has served maxUses streams.
type InstancePool struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	config    wazero.ModuleConfig
	instances chan *Instance
	maxUses   int

	closeOnce sync.Once
	closed    atomic.Bool

	borrows    atomic.Int64
	returns    atomic.Int64
	poolMisses atomic.Int64
	recycled   atomic.Int64
	discarded  atomic.Int64
}

// NewInstancePool pre-instantiates size modules into a buffered channel.
// maxUses <= 0 keeps instances for the life of the pool.
func NewInstancePool(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, size, maxUses int) (*InstancePool, error) {
	if size <= 0 {
		size = 4
	}
	pool := &InstancePool{
		runtime:  rt,
		compiled: compiled,
		// Anonymous so several instances of one module can coexist. Reactor
		// modules get their _initialize run; a missing export is skipped.
		config:    wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"),
		instances: make(chan *Instance, size),
		maxUses:   maxUses,
	}

	for i := 0; i < size; i++ {
		inst, err := pool.instantiate(ctx)
		if err != nil {
			pool.Close(ctx)
			return nil, err
		}
		pool.instances <- inst
	}

	return pool, nil
}

func (p *InstancePool) instantiate(ctx context.Context) (*Instance, error) {
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, p.config)
	if err != nil {
		return nil, err
	}
	return &Instance{mod: mod}, nil
}

// ErrPoolClosed is returned by Borrow after Close.
var ErrPoolClosed = errors.New("instance pool closed")

// Borrow returns an instance from the pool and whether it had to be created.
// If the pool is empty, a new instance is created on-the-fly (no rejection).
func (p *InstancePool) Borrow(ctx context.Context) (*Instance, bool, error) {
	if p.closed.Load() {
		return nil, false, ErrPoolClosed
	}
	p.borrows.Add(1)
	select {
	case inst := <-p.instances:
		return inst, false, nil
	default:
	}
	p.poolMisses.Add(1)
	inst, err := p.instantiate(ctx)
	return inst, true, err
}

// Return puts an instance back into the pool. It reports whether the
// instance was closed because it reached its use limit. If the pool is full
// or closed, the excess instance is closed.
func (p *InstancePool) Return(ctx context.Context, inst *Instance) (recycled bool) {
	p.returns.Add(1)
	inst.uses++
	if p.maxUses > 0 && inst.uses >= p.maxUses {
		p.recycled.Add(1)
		inst.mod.Close(ctx)
		return true
	}
	if p.closed.Load() {
		inst.mod.Close(ctx)
		return false
	}
	select {
	case p.instances <- inst:
	default:
		inst.mod.Close(ctx)
	}
	return false
}

// Discard closes an instance whose state can no longer be trusted, such as
// one whose guest call trapped or timed out.
func (p *InstancePool) Discard(ctx context.Context, inst *Instance) {
	p.discarded.Add(1)
	inst.mod.Close(ctx)
}

// Close drains and closes all instances in the pool.
func (p *InstancePool) Close(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		for {
			select {
			case inst := <-p.instances:
				inst.mod.Close(ctx)
			default:
				return
			}
		}
	})
}

// PoolStats returns pool usage statistics.
type PoolStats struct {
	Borrows    int64 `json:"borrows"`
	Returns    int64 `json:"returns"`
	PoolMisses int64 `json:"pool_misses"`
	Recycled   int64 `json:"recycled"`
	Discarded  int64 `json:"discarded"`
	PoolSize   int   `json:"pool_size"`
}

// Stats returns current pool statistics.
func (p *InstancePool) Stats() PoolStats {
	return PoolStats{
		Borrows:    p.borrows.Load(),
		Returns:    p.returns.Load(),
		PoolMisses: p.poolMisses.Load(),
		Recycled:   p.recycled.Load(),
		Discarded:  p.discarded.Load(),
		PoolSize:   len(p.instances),
	}
}
