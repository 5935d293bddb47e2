package hnm

import (
	"sort"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// Component names used as LayerWeights keys.
const (
	ComponentMemoryModel   = "memory_model"
	ComponentExtProjection = "ext_projection"
)

// OptimState is the optimizer bookkeeping carried by a MemoryState.
type OptimState struct {
	LR float64 `json:"lr"`
	WD float64 `json:"wd"`
}

// MemoryState is the trainable state of one level at one tick.
//
// A new MemoryState is produced every tick. Its tensors belong to the state
// and are released by Dispose.
type MemoryState struct {
	SeqIndex     int
	LayerWeights map[string][]*tensor.Tensor
	Optim        OptimState
	// Detached is set when every tensor owns a private buffer.
	Detached bool

	disposed bool
}

// Components returns the LayerWeights keys in sorted order.
func (s *MemoryState) Components() []string {
	names := make([]string, 0, len(s.LayerWeights))
	for name := range s.LayerWeights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a state whose tensors share buffers with s copy-on-write.
func (s *MemoryState) Clone() *MemoryState {
	return s.copyWith(func(t *tensor.Tensor) *tensor.Tensor { return t.Share().Keep() }, false)
}

// Detach returns a deep copy with private buffers and no aliasing to s or to
// any live module.
func (s *MemoryState) Detach() *MemoryState {
	return s.copyWith(func(t *tensor.Tensor) *tensor.Tensor { return t.Clone().Keep() }, true)
}

func (s *MemoryState) copyWith(cp func(*tensor.Tensor) *tensor.Tensor, detached bool) *MemoryState {
	if s.disposed {
		panic(tensor.ErrDisposed)
	}
	out := &MemoryState{
		SeqIndex:     s.SeqIndex,
		LayerWeights: make(map[string][]*tensor.Tensor, len(s.LayerWeights)),
		Optim:        s.Optim,
		Detached:     detached,
	}
	for name, ws := range s.LayerWeights {
		copied := make([]*tensor.Tensor, len(ws))
		for i, w := range ws {
			copied[i] = cp(w)
		}
		out.LayerWeights[name] = copied
	}
	return out
}

// Dispose releases every tensor in the state. Repeated calls are no-ops.
func (s *MemoryState) Dispose() {
	if s == nil || s.disposed {
		return
	}
	s.disposed = true
	for _, ws := range s.LayerWeights {
		for _, w := range ws {
			w.Dispose()
		}
	}
}

// Disposed reports whether Dispose has been called.
func (s *MemoryState) Disposed() bool {
	return s == nil || s.disposed
}

// DisposeStates disposes every state in states.
func DisposeStates(states []*MemoryState) {
	for _, s := range states {
		s.Dispose()
	}
}
