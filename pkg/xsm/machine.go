package xsm

import "context"

// Machine is the minimal surface the bus and orchestrator need from
// anything registered as an addressable unit: a plain Interpreter, or
// a decorator around one (e.g. the timeout-protection wrapper). Bus
// and Orchestrator depend on this interface rather than a concrete
// Interpreter type so wrappers can register under their own identity,
// per §4.5 ("a timeout-protected wrapper registers as a machine").
type Machine interface {
	Dispatch(ctx context.Context, event Event) DispatchResult
	Stop()
	Snapshot() Snapshot
}

var _ Machine = (*Interpreter)(nil)
