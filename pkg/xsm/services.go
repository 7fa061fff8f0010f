package xsm

import (
	"context"
	"fmt"

	"github.com/xstatenet/core/pkg/xsmdef"
)

func timerKey(stateID string, delay xsmdef.DelayRef) string {
	return stateID + "|" + string(delay)
}

// startTimers starts one timer per afterTransitions entry declared on
// node, firing an internal "after(delayRef)" event on expiry.
func (ip *Interpreter) startTimers(ctx context.Context, node *xsmdef.StateNode) {
	for delay, transition := range node.AfterTransitions {
		d, ok := ip.resolver.Delays[delay]
		if !ok {
			ip.logger().Errorf("machine %s: unresolved delay %q on state %s", ip.machineID, delay, node.ID)
			continue
		}
		delay, transition := delay, transition
		key := timerKey(node.ID, delay)
		eventName := fmt.Sprintf("after(%s)", delay)
		// Register the ad hoc afterTransition under a synthetic event
		// name so the normal selection algorithm picks it up, via the
		// Interpreter's local shadow store rather than the Definition.
		ip.afterTransitionShadow(node.ID, eventName, transition)
		handle := ip.wheel.Schedule(d, func() {
			ip.selfEnqueue(Event{Name: eventName})
		})
		ip.pendingTimers[key] = handle
	}
}

func (ip *Interpreter) cancelTimers(node *xsmdef.StateNode) {
	for delay := range node.AfterTransitions {
		key := timerKey(node.ID, delay)
		if h, ok := ip.pendingTimers[key]; ok {
			h.Cancel()
			delete(ip.pendingTimers, key)
		}
	}
}

// afterTransitionShadow mirrors a declared afterTransition as a
// regular transition under its synthetic event name, the first time
// it's seen, so selectTransitions's ordinary event-match path handles
// timer fires without a separate code path. This shadow lives in
// ip.shadowTransitions, local to this Interpreter, rather than on the
// shared *xsmdef.Definition: a Definition is loaded once and may back
// several concurrently-running Interpreter instances, so mutating its
// StateNode.Transitions here would race across instances and
// duplicate the synthetic transition on every state re-entry.
func (ip *Interpreter) afterTransitionShadow(stateID, eventName string, t xsmdef.Transition) {
	for _, existing := range ip.shadowTransitions[stateID] {
		if existing.Event == eventName {
			return
		}
	}
	t.Event = eventName
	ip.shadowTransitions[stateID] = append(ip.shadowTransitions[stateID], t)
}

func invokeID(stateID string, svc xsmdef.ServiceRef) string {
	return stateID + "!" + string(svc)
}

func (ip *Interpreter) startServices(ctx context.Context, node *xsmdef.StateNode) {
	for _, svc := range node.Invokes {
		fn, ok := ip.resolver.Services[svc]
		if !ok {
			ip.logger().Errorf("machine %s: unresolved service %q on state %s", ip.machineID, svc, node.ID)
			continue
		}
		id := invokeID(node.ID, svc)
		svcCtx, cancel := context.WithCancel(ctx)
		ip.runningServices[id] = cancel
		go func(fn ServiceFunc, id string, svcCtx context.Context, cancel context.CancelFunc) {
			ec := &ActionContext{ctx: svcCtx, Data: ip.contextData, requestedSend: &[]DeferredSend{}}
			result, err := fn(svcCtx, ec)
			if svcCtx.Err() != nil {
				return // cancelled: late completion discarded
			}
			if err != nil {
				ip.selfEnqueue(Event{Name: fmt.Sprintf("error.platform.%s", id), Payload: err.Error()})
				return
			}
			ip.selfEnqueue(Event{Name: fmt.Sprintf("done.invoke.%s", id), Payload: result})
		}(fn, id, svcCtx, cancel)
	}
}

func (ip *Interpreter) cancelServices(node *xsmdef.StateNode) {
	for _, svc := range node.Invokes {
		id := invokeID(node.ID, svc)
		if cancel, ok := ip.runningServices[id]; ok {
			cancel()
			delete(ip.runningServices, id)
		}
	}
}

func activityID(stateID string, act xsmdef.ActivityRef) string {
	return stateID + "~" + string(act)
}

func (ip *Interpreter) startActivities(ctx context.Context, node *xsmdef.StateNode) {
	for _, act := range node.Activities {
		fn, ok := ip.resolver.Activities[act]
		if !ok {
			ip.logger().Errorf("machine %s: unresolved activity %q on state %s", ip.machineID, act, node.ID)
			continue
		}
		id := activityID(node.ID, act)
		actCtx, cancel := context.WithCancel(ctx)
		ip.runningActivities[id] = cancel
		go func(fn ActivityFunc, actCtx context.Context) {
			ec := &ActionContext{ctx: actCtx, Data: ip.contextData, requestedSend: &[]DeferredSend{}}
			fn(actCtx, ec)
		}(fn, actCtx)
	}
}

// cancelActivities cancels every activity owned by node and is
// mandatory before the next state's entry actions run (§4.1). Since
// ActivityFunc runs on its own goroutine, cancellation here only
// signals; callers that need a synchronous guarantee should have
// their ActivityFunc acknowledge ctx.Done() promptly.
func (ip *Interpreter) cancelActivities(node *xsmdef.StateNode) {
	for _, act := range node.Activities {
		id := activityID(node.ID, act)
		if cancel, ok := ip.runningActivities[id]; ok {
			cancel()
			delete(ip.runningActivities, id)
		}
	}
}
