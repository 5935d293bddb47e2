package tensor

// Arena is a scope that disposes every tensor created inside it when
// released, except tensors promoted with Tensor.Keep.
//
// Arenas nest. Releasing an arena also releases any arena opened after it
// that is still open.
type Arena struct {
	backend  *Backend
	tensors  []*Tensor
	released bool
}

// Release disposes all attached tensors. Calling Release more than once is a
// no-op.
func (a *Arena) Release() {
	if a == nil || a.released {
		return
	}
	for _, inner := range a.backend.popArena(a) {
		inner.release()
	}
	a.release()
}

// Len returns the number of tensors still attached to the arena.
func (a *Arena) Len() int {
	n := 0
	for _, t := range a.tensors {
		if t.arena == a && !t.disposed {
			n++
		}
	}
	return n
}

func (a *Arena) attach(t *Tensor) {
	t.arena = a
	a.tensors = append(a.tensors, t)
}

func (a *Arena) release() {
	if a.released {
		return
	}
	a.released = true
	for _, t := range a.tensors {
		if t.arena == a {
			t.Dispose()
		}
	}
	a.tensors = nil
}
