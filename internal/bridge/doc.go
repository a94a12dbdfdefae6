// Package bridge exposes HTTP header access to sandboxed WebAssembly filters.
//
// Guests import a small set of functions from the "env" module. Every
// argument is an i32: either a value (a level or header type tag) or an
// address/length into the guest's own linear memory. The host never hands
// out references to its own memory.
//
// # Results
//
// Functions that produce variable-length data allocate a fresh block through
// the guest's exported allocator (malloc), fill it, and publish the address
// and length into two caller-supplied slots. The host never frees these
// blocks.
//
// # Header pairs
//
// envoy_getHeaderPairs returns every incoming header in one buffer:
//
//	u32 n | n x (u32 key_len, u32 value_len) | key NUL value NUL ...
//
// See [EncodeHeaderPairs] and [DecodeHeaderPairs].
//
// # Per-call state
//
// Header sources and sinks are bound to an [Exchange] carried on the context
// of the guest call, so a single [Host] can serve any number of instances.
//
//	host := bridge.New(bridge.WithLogger(logger))
//	host.Instantiate(ctx, rt)
//	ctx = bridge.WithExchange(ctx, &bridge.Exchange{Source: src, Sink: sink})
//	onStart.Call(ctx, requestID)
package bridge
