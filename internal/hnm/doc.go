// Package hnm implements a hierarchical, continuously self-training neural
// memory.
//
// A System owns one Module per configured level. Each call to System.Step
// advances every level once: a level combines bottom-up input (raw sensory
// data for leaf levels, this tick's outputs of its sources otherwise),
// top-down input (the previous tick's outputs of its sources) and an optional
// external signal, predicts its next state with a MemoryUnit, and takes one
// Adam step towards a self-generated target. The loss doubles as an anomaly
// score.
//
// Levels are stepped in a topological order of their bottom-up edges computed
// once by NewSystem. Top-down edges are lagged by one tick and may form
// cycles.
//
// Tensors are allocated on an injected *tensor.Backend. Every intermediate of
// a step lives in a tensor.Arena released when the step returns; only the
// retrieved outputs and next-state weights escape. Callers own the returned
// MemoryState values and StepResult and must Dispose them once superseded.
//
// A System is not safe for concurrent use.
package hnm
