package xsm

import "github.com/xstatenet/core/pkg/logging"

// Observer is notified of configuration changes and errors. Observers
// must not call back into the interpreter or orchestrator synchronously
// from a notification.
type Observer interface {
	OnTransition(snapshot Snapshot, firedTransitions []string)
	OnError(snapshot Snapshot, err error)
}

// ChainObserver fans a notification out to every observer in order.
type ChainObserver struct {
	Observers []Observer
}

func NewChainObserver(observers ...Observer) *ChainObserver {
	return &ChainObserver{Observers: observers}
}

func (c *ChainObserver) OnTransition(snapshot Snapshot, fired []string) {
	for _, o := range c.Observers {
		o.OnTransition(snapshot, fired)
	}
}

func (c *ChainObserver) OnError(snapshot Snapshot, err error) {
	for _, o := range c.Observers {
		o.OnError(snapshot, err)
	}
}

// LoggingObserver logs every transition and error at Debug/Error level.
type LoggingObserver struct {
	Logger logging.Logger
}

func NewLoggingObserver(l logging.Logger) *LoggingObserver {
	return &LoggingObserver{Logger: l}
}

func (o *LoggingObserver) OnTransition(snapshot Snapshot, fired []string) {
	o.Logger.Debugf("machine %s transitioned via %v to %v", snapshot.MachineID, fired, snapshot.ActiveStates)
}

func (o *LoggingObserver) OnError(snapshot Snapshot, err error) {
	o.Logger.Errorf("machine %s error: %v (active=%v)", snapshot.MachineID, err, snapshot.ActiveStates)
}

// CountingObserver counts transitions and errors, useful in tests that
// assert on invariant 1/2/3 without needing a full telemetry sink.
type CountingObserver struct {
	Transitions int
	Errors      int
}

func (o *CountingObserver) OnTransition(Snapshot, []string) { o.Transitions++ }
func (o *CountingObserver) OnError(Snapshot, error)         { o.Errors++ }
