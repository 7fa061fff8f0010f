package orchestrator

import (
	"github.com/xstatenet/core/pkg/channels"
	"github.com/xstatenet/core/pkg/xsm"
)

// notifyingObserver bridges an Interpreter's transition/error
// notifications into the orchestrator's scoped channels bus and
// unhandled-error sink. Construct one per machine with NewObserverFor
// and pass it as xsm.Options.Observer when building the Interpreter
// before calling Register.
type notifyingObserver struct {
	o         *Orchestrator
	machineID string
}

// NewObserverFor returns an xsm.Observer that republishes a machine's
// transitions on the orchestrator's scoped channels bus and routes
// unhandled machine errors to the configured sink.
func (o *Orchestrator) NewObserverFor(machineID string) xsm.Observer {
	return &notifyingObserver{o: o, machineID: machineID}
}

func (n *notifyingObserver) OnTransition(snapshot xsm.Snapshot, fired []string) {
	n.o.publish(channels.Notification{MachineID: n.machineID, Snapshot: snapshot, FiredTransitions: fired})
}

func (n *notifyingObserver) OnError(snapshot xsm.Snapshot, err error) {
	n.o.publish(channels.Notification{MachineID: n.machineID, Snapshot: snapshot})
	if n.o.onError != nil {
		n.o.onError(n.machineID, err)
	}
}
