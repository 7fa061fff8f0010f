package xsm

import (
	"context"
	"fmt"
	"sort"

	"github.com/xstatenet/core/pkg/logging"
	"github.com/xstatenet/core/pkg/xsmdef"
)

// Interpreter holds one machine's live Configuration and implements
// the transition-selection algorithm. The owning Event Bus guarantees
// Dispatch is never called reentrantly for the same Interpreter.
type Interpreter struct {
	machineID string
	def       *xsmdef.Definition
	resolver  *Resolver
	opts      Options
	wheel     *TimerWheel

	// selfEnqueue delivers an internally generated event (after-timer
	// fire, service/activity completion, error.execution) back into
	// this machine's own mailbox. Supplied by the owning bus.
	selfEnqueue func(Event)

	active            map[string]bool
	historyMemory     map[string][]string // history node id -> recorded leaf states
	contextData       map[string]any
	pendingTimers     map[string]*TimerHandle // "stateID|delay" -> handle
	runningServices   map[string]context.CancelFunc
	runningActivities map[string]context.CancelFunc
	shadowTransitions map[string][]xsmdef.Transition // stateID -> synthetic after(...) transitions, local to this Interpreter
	status            Status
}

// NewInterpreter constructs an Interpreter bound to a validated
// Definition. Call Validate on the Definition before this.
func NewInterpreter(machineID string, def *xsmdef.Definition, resolver *Resolver, selfEnqueue func(Event), opts Options) *Interpreter {
	opts = opts.withDefaults()
	return &Interpreter{
		machineID:         machineID,
		def:               def,
		resolver:          resolver,
		opts:              opts,
		wheel:             NewTimerWheel(),
		selfEnqueue:       selfEnqueue,
		active:            map[string]bool{},
		historyMemory:     map[string][]string{},
		contextData:       map[string]any{},
		pendingTimers:     map[string]*TimerHandle{},
		runningServices:   map[string]context.CancelFunc{},
		runningActivities: map[string]context.CancelFunc{},
		shadowTransitions: map[string][]xsmdef.Transition{},
		status:            StatusUninitialized,
	}
}

func (ip *Interpreter) logger() logging.Logger { return ip.opts.Logger }

// Snapshot returns a read-only copy of the current configuration,
// safe to publish to external readers.
func (ip *Interpreter) Snapshot() Snapshot {
	states := make([]string, 0, len(ip.active))
	for s := range ip.active {
		states = append(states, s)
	}
	sort.Strings(states)
	data := make(map[string]any, len(ip.contextData))
	for k, v := range ip.contextData {
		data[k] = v
	}
	return Snapshot{MachineID: ip.machineID, ActiveStates: states, ContextData: data, Status: ip.status}
}

// Start enters the default descendants of root and runs the eventless
// fixed point, per §4.1.
func (ip *Interpreter) Start(ctx context.Context, initialContext map[string]any) DispatchResult {
	for k, v := range initialContext {
		ip.contextData[k] = v
	}
	var deferred []DeferredSend
	entrySet := ip.defaultEntrySet(ip.def.RootState)
	ip.runEntrySet(ctx, entrySet, Event{Name: ""}, &deferred)
	ip.status = StatusRunning

	fired, err := ip.runEventlessFixedPoint(ctx, &deferred)
	result := DispatchResult{NewActiveStates: ip.Snapshot().ActiveStates, FiredTransitions: fired, DeferredSends: deferred, Err: err}
	if ip.opts.Observer != nil {
		ip.opts.Observer.OnTransition(ip.Snapshot(), fired)
	}
	return result
}

// Stop exits every active state leaf-first, cancelling all owned
// resources.
func (ip *Interpreter) Stop() {
	active := ip.activeInDocumentOrder()
	// leaf-first = reverse of document (parent-first) order
	for i := len(active) - 1; i >= 0; i-- {
		ip.exitState(active[i])
	}
	ip.wheel.CancelAll()
	ip.status = StatusStopped
}

// Dispatch computes and performs one macrostep for event in response
// to an external or deferred send.
func (ip *Interpreter) Dispatch(ctx context.Context, event Event) DispatchResult {
	if ip.status != StatusRunning {
		return DispatchResult{Err: fmt.Errorf("xsm: machine %s is not running (status=%v)", ip.machineID, ip.status)}
	}
	var deferred []DeferredSend
	fired, err := ip.microstep(ctx, event, &deferred)
	if err == nil {
		more, err2 := ip.runEventlessFixedPoint(ctx, &deferred)
		fired = append(fired, more...)
		err = err2
	}
	result := DispatchResult{NewActiveStates: ip.Snapshot().ActiveStates, FiredTransitions: fired, DeferredSends: deferred, Err: err}
	if err != nil {
		ip.status = StatusError
		if ip.opts.Observer != nil {
			ip.opts.Observer.OnError(ip.Snapshot(), err)
		}
		return result
	}
	if ip.opts.Observer != nil && len(fired) > 0 {
		ip.opts.Observer.OnTransition(ip.Snapshot(), fired)
	}
	return result
}

// runEventlessFixedPoint repeatedly fires eventless ("always")
// transitions until none are enabled or the abort bound is reached.
func (ip *Interpreter) runEventlessFixedPoint(ctx context.Context, deferred *[]DeferredSend) ([]string, error) {
	var allFired []string
	for i := 0; i < ip.opts.MaxEventlessMicrosteps; i++ {
		fired, err := ip.microstep(ctx, Event{Name: ""}, deferred)
		if err != nil {
			return allFired, err
		}
		if len(fired) == 0 {
			return allFired, nil
		}
		allFired = append(allFired, fired...)
	}
	return allFired, fmt.Errorf("xsm: machine %s exceeded maxEventlessMicrosteps=%d (possible livelock)", ip.machineID, ip.opts.MaxEventlessMicrosteps)
}

type selectedTransition struct {
	source string
	t      xsmdef.Transition
	domain string
	exit   map[string]bool
}

// microstep performs steps 1-9 of the transition-selection algorithm
// for a single event, or returns zero fired transitions if none match.
func (ip *Interpreter) microstep(ctx context.Context, event Event, deferred *[]DeferredSend) ([]string, error) {
	selected := ip.selectTransitions(event)
	if len(selected) == 0 {
		return nil, nil
	}

	var fired []string
	ec := &ActionContext{ctx: ctx, Event: event, Data: ip.contextData, requestedSend: deferred}

	for _, sel := range selected {
		// Step 5: record history for every history node whose
		// enclosing compound is in the exit set.
		ip.recordHistory(sel.exit)

		// Step 6: exit set, leaf-first child-before-parent.
		exitOrdered := ip.orderByDocumentDepth(sel.exit, true)
		for _, s := range exitOrdered {
			ip.exitState(s)
		}

		// Step 7: transition actions, definition order.
		for _, a := range sel.t.Actions {
			if err := ip.runAction(a, ec); err != nil {
				return fired, ip.escalate(ctx, err, deferred)
			}
		}

		// Step 8: entry set.
		entrySet := ip.computeEntrySet(sel.domain, sel.t.Targets)
		ip.runEntrySet(ctx, entrySet, event, deferred)

		fired = append(fired, fmt.Sprintf("%s-%s->%v", sel.source, event.Name, sel.t.Targets))
	}
	return fired, nil
}

// selectTransitions implements steps 1-4: per active atomic leaf, walk
// ancestors to find the nearest enabled transition for event;
// document-order conflict resolution drops any selection whose exit
// set intersects an already-accepted one (first-region-wins).
func (ip *Interpreter) selectTransitions(event Event) []selectedTransition {
	ec := &ActionContext{ctx: context.Background(), Event: event, Data: ip.contextData, requestedSend: &[]DeferredSend{}}
	leaves := ip.activeLeavesInDocumentOrder()

	var candidates []selectedTransition
	handledSources := map[string]bool{}

	for _, leaf := range leaves {
		for _, ancestor := range ip.def.Ancestors(leaf) {
			if handledSources[ancestor] {
				break
			}
			node := ip.def.States[ancestor]
			matched := false
			for _, t := range node.Transitions {
				if t.Event != event.Name {
					continue
				}
				if !ip.guardsHold(t.Guards, ec) {
					continue
				}
				domain := ip.transitionDomain(ancestor, t)
				exit := ip.exitSetFor(domain)
				candidates = append(candidates, selectedTransition{source: ancestor, t: t, domain: domain, exit: exit})
				handledSources[ancestor] = true
				matched = true
				break
			}
			if matched {
				goto nextLeaf
			}
			for _, t := range ip.shadowTransitions[ancestor] {
				if t.Event != event.Name {
					continue
				}
				if !ip.guardsHold(t.Guards, ec) {
					continue
				}
				domain := ip.transitionDomain(ancestor, t)
				exit := ip.exitSetFor(domain)
				candidates = append(candidates, selectedTransition{source: ancestor, t: t, domain: domain, exit: exit})
				handledSources[ancestor] = true
				goto nextLeaf
			}
		}
	nextLeaf:
	}

	// Conflict resolution: first-wins on overlapping exit sets.
	var accepted []selectedTransition
	for _, c := range candidates {
		conflict := false
		for _, a := range accepted {
			if a.source == c.source {
				conflict = true
				break
			}
			for s := range c.exit {
				if a.exit[s] {
					conflict = true
					break
				}
			}
			if conflict {
				break
			}
		}
		if conflict {
			ip.logger().Warnf("machine %s: dropping conflicting transition from %s on %q (first-region-wins)", ip.machineID, c.source, event.Name)
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted
}

func (ip *Interpreter) guardsHold(guards []xsmdef.GuardRef, ec *ActionContext) bool {
	for _, g := range guards {
		fn, ok := ip.resolver.Guards[g]
		if !ok {
			ip.logger().Errorf("machine %s: unresolved guard %q treated as false", ip.machineID, g)
			return false
		}
		if !fn(ec) {
			return false
		}
	}
	return true
}

// transitionDomain computes the smallest compound/parallel state
// containing source and every target (the glossary's "transition
// domain"). Internal transitions whose source is already the domain
// are not themselves exited/re-entered.
func (ip *Interpreter) transitionDomain(source string, t xsmdef.Transition) string {
	if len(t.Targets) == 0 {
		return source // purely internal: no exit/entry at all
	}
	domain := source
	for _, target := range t.Targets {
		domain = ip.def.LCA(domain, target)
	}
	if t.Internal && ip.def.IsDescendant(source, domain) {
		// internal transitions never exit above their own source
		if domain != source {
			// keep domain as computed (still may need to exit
			// descendants of source on the way to targets)
		}
	}
	return domain
}

func (ip *Interpreter) exitSetFor(domain string) map[string]bool {
	set := map[string]bool{}
	for s := range ip.active {
		if s != domain && ip.def.IsDescendant(s, domain) {
			set[s] = true
		}
	}
	return set
}

func (ip *Interpreter) computeEntrySet(domain string, targets []string) []string {
	visited := map[string]bool{}
	var order []string
	for _, target := range targets {
		node := ip.def.States[target]
		if node != nil && (node.Kind == xsmdef.KindHistoryShallow || node.Kind == xsmdef.KindHistoryDeep) {
			ip.enterHistoryTarget(domain, node, visited, &order)
			continue
		}
		ip.enterChainTo(domain, target, visited, &order)
		ip.appendDefaultCompletion(target, visited, &order)
	}
	return order
}

func (ip *Interpreter) enterChainTo(domain, target string, visited map[string]bool, order *[]string) {
	var chain []string
	for cur := target; cur != domain && cur != ""; {
		chain = append(chain, cur)
		node, ok := ip.def.States[cur]
		if !ok {
			break
		}
		cur = node.Parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !visited[chain[i]] {
			visited[chain[i]] = true
			*order = append(*order, chain[i])
		}
	}
}

func (ip *Interpreter) appendDefaultCompletion(stateID string, visited map[string]bool, order *[]string) {
	node, ok := ip.def.States[stateID]
	if !ok {
		return
	}
	switch node.Kind {
	case xsmdef.KindCompound:
		if node.InitialChild == "" {
			return
		}
		if !visited[node.InitialChild] {
			visited[node.InitialChild] = true
			*order = append(*order, node.InitialChild)
		}
		ip.appendDefaultCompletion(node.InitialChild, visited, order)
	case xsmdef.KindParallel:
		for _, c := range node.Children {
			if !visited[c] {
				visited[c] = true
				*order = append(*order, c)
			}
			ip.appendDefaultCompletion(c, visited, order)
		}
	}
}

func (ip *Interpreter) enterHistoryTarget(domain string, historyNode *xsmdef.StateNode, visited map[string]bool, order *[]string) {
	recorded := ip.historyMemory[historyNode.ID]
	if len(recorded) == 0 {
		// no history recorded yet: fall back to the declared default
		if historyNode.HistoryDefault != "" {
			ip.enterChainTo(domain, historyNode.HistoryDefault, visited, order)
			ip.appendDefaultCompletion(historyNode.HistoryDefault, visited, order)
		}
		return
	}
	if historyNode.Kind == xsmdef.KindHistoryDeep {
		for _, leaf := range recorded {
			ip.enterChainTo(domain, leaf, visited, order)
		}
		return
	}
	// shallow: restore only the immediate child of the enclosing
	// compound, then let that child's own default completion run.
	enclosing := historyNode.Parent
	oneLevel := map[string]bool{}
	for _, leaf := range recorded {
		child := leaf
		for {
			node, ok := ip.def.States[child]
			if !ok || node.Parent == enclosing {
				break
			}
			child = node.Parent
		}
		if child != "" {
			oneLevel[child] = true
		}
	}
	for child := range oneLevel {
		ip.enterChainTo(domain, child, visited, order)
		ip.appendDefaultCompletion(child, visited, order)
	}
}

// recordHistory captures, for every history node whose enclosing
// compound is being exited, the leaf descendants active immediately
// before exit.
func (ip *Interpreter) recordHistory(exitSet map[string]bool) {
	for stateID, node := range ip.def.States {
		if node.Kind != xsmdef.KindHistoryShallow && node.Kind != xsmdef.KindHistoryDeep {
			continue
		}
		if !exitSet[node.Parent] {
			continue
		}
		var leaves []string
		for active := range ip.active {
			if exitSet[active] && ip.def.IsDescendant(active, node.Parent) && ip.isLeaf(active) {
				leaves = append(leaves, active)
			}
		}
		if len(leaves) > 0 {
			sort.Strings(leaves)
			ip.historyMemory[stateID] = leaves
		}
	}
}

func (ip *Interpreter) isLeaf(stateID string) bool {
	node, ok := ip.def.States[stateID]
	if !ok {
		return true
	}
	if node.Kind == xsmdef.KindAtomic || node.Kind == xsmdef.KindFinal {
		return true
	}
	for _, c := range node.Children {
		if ip.active[c] {
			return false
		}
	}
	return true
}

// defaultEntrySet computes the full default descendant chain from
// stateID down (used for Start).
func (ip *Interpreter) defaultEntrySet(stateID string) []string {
	order := []string{stateID}
	visited := map[string]bool{stateID: true}
	ip.appendDefaultCompletion(stateID, visited, &order)
	return order
}

// runEntrySet runs entry actions parent-first/document-order, and
// starts timers/services/activities for each state immediately after
// its own entry actions run.
func (ip *Interpreter) runEntrySet(ctx context.Context, entrySet []string, event Event, deferred *[]DeferredSend) {
	ec := &ActionContext{ctx: ctx, Event: event, Data: ip.contextData, requestedSend: deferred}
	for _, s := range entrySet {
		ip.active[s] = true
		node := ip.def.States[s]
		for _, a := range node.EntryActions {
			if err := ip.runAction(a, ec); err != nil {
				_ = ip.escalate(ctx, err, deferred)
			}
		}
		ip.startTimers(ctx, node)
		ip.startServices(ctx, node)
		ip.startActivities(ctx, node)
	}
}

func (ip *Interpreter) exitState(stateID string) {
	node, ok := ip.def.States[stateID]
	if !ok {
		return
	}
	ip.cancelTimers(node)
	ip.cancelServices(node)
	ip.cancelActivities(node)
	ec := &ActionContext{ctx: context.Background(), Data: ip.contextData, requestedSend: &[]DeferredSend{}}
	for _, a := range node.ExitActions {
		if err := ip.runAction(a, ec); err != nil {
			ip.logger().Errorf("machine %s: exit action error on %s: %v", ip.machineID, stateID, err)
		}
	}
	delete(ip.active, stateID)
}

func (ip *Interpreter) runAction(ref xsmdef.ActionRef, ec *ActionContext) (err error) {
	fn, ok := ip.resolver.Actions[ref]
	if !ok {
		return fmt.Errorf("xsm: unresolved action %q", ref)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xsm: action %q panicked: %v", ref, r)
		}
	}()
	return fn(ec)
}

// escalate converts an action error into error.execution and
// re-dispatches it from the innermost active state, per §4.1/§7.
func (ip *Interpreter) escalate(ctx context.Context, cause error, deferred *[]DeferredSend) error {
	ip.logger().Errorf("machine %s: action error: %v", ip.machineID, cause)
	errEvent := Event{Name: "error.execution", Payload: cause.Error()}
	fired, err := ip.microstep(ctx, errEvent, deferred)
	if err != nil {
		return err
	}
	if len(fired) == 0 {
		// no handler: per spec, the machine stops with error status.
		return fmt.Errorf("xsm: unhandled error.execution: %w", cause)
	}
	return nil
}

func (ip *Interpreter) activeLeavesInDocumentOrder() []string {
	all := ip.activeInDocumentOrder()
	var leaves []string
	for _, s := range all {
		if ip.isLeaf(s) {
			leaves = append(leaves, s)
		}
	}
	return leaves
}

// activeInDocumentOrder walks the tree from root, depth-first,
// emitting active states in document order (parent before children).
func (ip *Interpreter) activeInDocumentOrder() []string {
	var order []string
	var walk func(id string)
	walk = func(id string) {
		if !ip.active[id] {
			return
		}
		order = append(order, id)
		node := ip.def.States[id]
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(ip.def.RootState)
	return order
}

// orderByDocumentDepth returns the members of set in document order;
// when reverse is true the result is leaf-first (deepest first),
// matching the exit ordering requirement.
func (ip *Interpreter) orderByDocumentDepth(set map[string]bool, reverse bool) []string {
	all := ip.activeInDocumentOrder()
	var filtered []string
	for _, s := range all {
		if set[s] {
			filtered = append(filtered, s)
		}
	}
	if reverse {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	return filtered
}
