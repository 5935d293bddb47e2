// Package tensor provides the small numeric runtime used by the hierarchical
// memory: an owned tensor value type, an injected Backend that accounts for
// every live tensor handle, and scoped arenas that release intermediates.
//
// # Ownership
//
// Every tensor handle is created through a Backend and counts as live until
// Dispose is called. Handles created while an Arena is open are attached to
// that arena and disposed by Arena.Release unless they were promoted with
// Keep:
//
//	a := b.NewArena()
//	defer a.Release()
//
//	h := tensor.Add(x, y)      // released with the arena
//	out := tensor.Scale(h, 2)  // promoted below, survives the arena
//	return out.Keep()
//
// # Sharing
//
// Share returns a second handle onto the same buffer. Buffers are
// copy-on-write: Mutable hands out a private buffer whenever the current one
// is referenced by more than one handle, so writes through one handle are
// never observed through another.
//
// # Concurrency
//
// A Backend and the tensors it creates must be used from a single goroutine.
package tensor
