package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/predicate"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

// Logger is the narrow logging interface the runner needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Decision is an exception handler's verdict on a failed or overdue item.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionReroute  Decision = "reroute"
	DecisionEscalate Decision = "escalate"
	DecisionContinue Decision = "continue"
	DecisionSkip     Decision = "skip"
	DecisionFail     Decision = "fail"
)

// ExceptionNotice describes the item an exception callback is about.
type ExceptionNotice struct {
	CaseID string `json:"case_id"`
	ItemID string `json:"workitem_id"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ExceptionClient delivers exception notices to the configured handler
// and returns its decision. Implementations must fall back to
// DecisionEscalate when the handler cannot be consulted.
type ExceptionClient interface {
	NotifyFailure(ctx context.Context, n ExceptionNotice) Decision
	NotifyTimeout(ctx context.Context, n ExceptionNotice) Decision
}

// Emitter appends an event to the log and fans it out. The registry
// supplies it; a returned error means the log rejected the append and the
// engine is degrading.
type Emitter func(ctx context.Context, e eventlog.Event) error

// Runner executes cases. It holds no per-case state of its own; every
// method operates on the Execution passed in, under that case's lock.
type Runner struct {
	items *workitem.Set
	data  *casedata.Store
	eval  *predicate.Evaluator
	emit  Emitter
	xcli  ExceptionClient
	log   Logger

	maxFirings   int
	defaultRetry int
}

// New wires a runner over the shared engine state.
func New(items *workitem.Set, data *casedata.Store, eval *predicate.Evaluator, emit Emitter, xcli ExceptionClient, log Logger, maxFirings int) *Runner {
	if maxFirings <= 0 {
		maxFirings = 10000
	}
	return &Runner{
		items:      items,
		data:       data,
		eval:       eval,
		emit:       emit,
		xcli:       xcli,
		log:        log,
		maxFirings: maxFirings,
	}
}

// SetDefaultRetryLimit sets the attempt bound applied to tasks that
// declare none. Zero leaves undeclared tasks unbounded.
func (r *Runner) SetDefaultRetryLimit(n int) {
	if n > 0 {
		r.defaultRetry = n
	}
}

func (r *Runner) emitEvent(ctx context.Context, e *Execution, t eventlog.Type, caseID string, payload map[string]any) error {
	return r.emit(ctx, eventlog.New(t, caseID, e.SpecKey(), payload))
}

func (r *Runner) emitMarking(ctx context.Context, e *Execution, f *Frame, dataChanged bool) error {
	payload := map[string]any{
		"net_id":  f.NetID,
		"marking": f.Marking.Snapshot(),
		"busy":    busyPayload(f),
	}
	if rerouted := reroutedTasks(f); len(rerouted) > 0 {
		payload["rerouted"] = rerouted
	}
	if snapshot, err := r.data.SnapshotXML(f.CaseID); err == nil {
		payload["data"] = snapshot
	}
	if dataChanged {
		payload["data_changed"] = true
	}
	return r.emitEvent(ctx, e, eventlog.TypeMarkingChanged, f.CaseID, payload)
}

func (r *Runner) emitItem(ctx context.Context, e *Execution, caseID string, t eventlog.Type, s workitem.Summary, extra map[string]any) error {
	payload := map[string]any{
		"item_id":  s.ID,
		"task_id":  s.TaskID,
		"instance": s.Instance,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return r.emitEvent(ctx, e, t, caseID, payload)
}

func busyPayload(f *Frame) map[string][]string {
	out := make(map[string][]string, len(f.Busy))
	for taskID, firing := range f.Busy {
		out[taskID] = append([]string(nil), firing.Instances...)
	}
	return out
}

// reroutedTasks lists busy tasks whose firing was resolved to the
// default branch, so a rebuilt frame keeps the routing verdict.
func reroutedTasks(f *Frame) []string {
	var out []string
	for taskID, firing := range f.Busy {
		if firing.ForceDefault {
			out = append(out, taskID)
		}
	}
	sort.Strings(out)
	return out
}

// taskEnabled answers the join question for one task against the frame's
// marking.
func (r *Runner) taskEnabled(e *Execution, f *Frame, t *spec.Task) bool {
	if _, busy := f.Busy[t.ID]; busy {
		return false
	}
	net := e.Net(f)
	inputs := net.InputPlaces(t.ID)
	if len(inputs) == 0 {
		return false
	}

	switch t.Join {
	case spec.GateAnd:
		for _, place := range inputs {
			if f.Marking.Count(place) == 0 {
				return false
			}
		}
		return true

	case spec.GateXor:
		for _, place := range inputs {
			if f.Marking.Count(place) > 0 {
				return true
			}
		}
		return false

	case spec.GateOr:
		anyMarked := false
		blocked := make(map[string]bool)
		for _, place := range inputs {
			if f.Marking.Count(place) > 0 {
				anyMarked = true
				blocked[place] = true
			}
		}
		if !anyMarked {
			return false
		}
		sources := r.orSources(f)
		for _, place := range inputs {
			if f.Marking.Count(place) > 0 {
				continue
			}
			if net.CanStillReceive(t.ID, place, sources, blocked) {
				return false
			}
		}
		return true
	}
	return false
}

// orSources is the token-source set for the OR-join question: marked
// places plus tasks that still owe output tokens.
func (r *Runner) orSources(f *Frame) map[string]bool {
	sources := f.Marking.Marked()
	for taskID := range f.Busy {
		sources[taskID] = true
	}
	return sources
}

func (r *Runner) enabledTasks(e *Execution, f *Frame) []*spec.Task {
	net := e.Net(f)
	var enabled []*spec.Task
	for _, t := range net.Tasks {
		if r.taskEnabled(e, f, t) {
			enabled = append(enabled, t)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })
	return enabled
}

// fireInput consumes the task's input tokens, applies its cancellation
// set, and mints the task's work items or sub-cases.
func (r *Runner) fireInput(ctx context.Context, e *Execution, f *Frame, t *spec.Task) error {
	net := e.Net(f)
	inputs := net.InputPlaces(t.ID)

	switch t.Join {
	case spec.GateAnd:
		for _, place := range inputs {
			if err := f.Marking.Consume(place); err != nil {
				return fmt.Errorf("failed to consume AND-join input of %s: %w", t.ID, err)
			}
		}
	case spec.GateXor:
		// Lowest-ordered marked place wins; surplus tokens stay put.
		consumed := false
		for _, place := range inputs {
			if f.Marking.Count(place) > 0 {
				if err := f.Marking.Consume(place); err != nil {
					return err
				}
				consumed = true
				break
			}
		}
		if !consumed {
			return fmt.Errorf("XOR-join %s fired with no marked input", t.ID)
		}
	case spec.GateOr:
		for _, place := range inputs {
			if f.Marking.Count(place) > 0 {
				if err := f.Marking.Consume(place); err != nil {
					return err
				}
			}
		}
	}

	if len(t.CancelSet) > 0 {
		if err := r.applyCancellations(ctx, e, f, t); err != nil {
			return err
		}
	}

	if err := r.mintInstances(ctx, e, f, t); err != nil {
		return err
	}
	if e.Status != StatusRunning {
		return nil
	}
	return r.emitMarking(ctx, e, f, false)
}

// applyCancellations empties the task's cancellation region. The firing
// task itself is never part of its own withdrawal.
func (r *Runner) applyCancellations(ctx context.Context, e *Execution, f *Frame, t *spec.Task) error {
	net := e.Net(f)
	for _, id := range t.CancelSet {
		if id == t.ID {
			continue
		}
		if net.Condition(id) != nil {
			f.Marking.Add(id, -f.Marking.Count(id))
			continue
		}
		if net.Task(id) == nil {
			continue
		}
		if err := r.withdrawTaskItems(ctx, e, f, id); err != nil {
			return err
		}
		delete(f.Busy, id)
	}
	return nil
}

// withdrawTaskItems withdraws every live item of a task in this frame,
// cancelling any sub-cases those items opened.
func (r *Runner) withdrawTaskItems(ctx context.Context, e *Execution, f *Frame, taskID string) error {
	for _, itemID := range r.items.LiveIDs(f.CaseID, taskID) {
		if err := r.withdrawItem(ctx, e, f.CaseID, itemID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) withdrawItem(ctx context.Context, e *Execution, caseID, itemID string) error {
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Withdraw() }); err != nil {
		return err
	}
	s, _ := r.items.Get(itemID)
	if err := r.emitItem(ctx, e, caseID, eventlog.TypeItemWithdrawn, s, nil); err != nil {
		return err
	}
	// An item serving a sub-case takes the sub-case down with it.
	return r.cancelChildOf(ctx, e, itemID)
}

func (r *Runner) cancelChildOf(ctx context.Context, e *Execution, parentItemID string) error {
	for _, f := range e.OrderedFrames() {
		if f.ParentItemID == parentItemID {
			return r.cancelFrame(ctx, e, f)
		}
	}
	return nil
}

// cancelFrame tears a sub-case frame down, deepest descendants first.
func (r *Runner) cancelFrame(ctx context.Context, e *Execution, f *Frame) error {
	for _, child := range e.OrderedFrames() {
		if e.ParentFrame(child) == f {
			if err := r.cancelFrame(ctx, e, child); err != nil {
				return err
			}
		}
	}
	for _, itemID := range r.items.LiveIDs(f.CaseID, "") {
		if err := r.withdrawItem(ctx, e, f.CaseID, itemID); err != nil {
			return err
		}
	}
	f.Marking.Clear()
	delete(e.Frames, f.CaseID)
	r.data.DropCase(f.CaseID)
	return r.emitEvent(ctx, e, eventlog.TypeCaseCancelled, f.CaseID, nil)
}

// mintInstances creates the task's work items, or pushes sub-case frames
// for a composite task. Multi-instance bounds are enforced here; a count
// below the declared minimum fails the case.
func (r *Runner) mintInstances(ctx context.Context, e *Execution, f *Frame, t *spec.Task) error {
	count, nodes, err := r.instancePlan(f, t)
	if err != nil {
		r.log.Warn("instance plan failed", "case_id", f.CaseID, "task_id", t.ID, "error", err)
		return r.failCase(ctx, e, fmt.Sprintf("task %s: %v", t.ID, err))
	}

	firing := &Firing{}
	f.Busy[t.ID] = firing

	for i := 0; i < count; i++ {
		itemData := ""
		if i < len(nodes) {
			itemData = innerXML(nodes[i])
		}
		if err := r.mintOne(ctx, e, f, t, firing, itemData); err != nil {
			return err
		}
		if e.Status != StatusRunning {
			return nil
		}
	}
	return nil
}

// mintOne creates a single work-item instance for a busy task, feeding
// it the task's input bindings plus any per-instance data.
func (r *Runner) mintOne(ctx context.Context, e *Execution, f *Frame, t *spec.Task, firing *Firing, itemData string) error {
	input, err := r.data.ExtractTaskInput(f.CaseID, t)
	if err != nil {
		return r.failCase(ctx, e, fmt.Sprintf("task %s input binding: %v", t.ID, err))
	}
	if itemData != "" {
		if err := input.SetVariableXML("item", itemData); err != nil {
			return r.failCase(ctx, e, fmt.Sprintf("task %s instance data: %v", t.ID, err))
		}
	}

	instance := r.items.NextInstance(f.CaseID, t.ID)
	item := workitem.New(f.CaseID, t.ID, t.Name, instance, input)
	item.Skippable = t.Skippable
	item.RetryLimit = t.RetryLimit
	if item.RetryLimit == 0 {
		item.RetryLimit = r.defaultRetry
	}
	item.SLA = t.SLA
	if err := r.items.Add(item); err != nil {
		return err
	}
	firing.Instances = append(firing.Instances, item.ID)

	s, _ := r.items.Get(item.ID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemEnabled, s, map[string]any{"input": s.InputXML}); err != nil {
		return err
	}

	if e.Spec.IsComposite(t) {
		return r.openSubCase(ctx, e, f, t, item.ID)
	}
	return nil
}

// instancePlan sizes a firing: 1 for plain tasks, the evaluated count for
// multi-instance tasks, plus the data nodes when the count expression
// selects a list.
func (r *Runner) instancePlan(f *Frame, t *spec.Task) (int, []*xmlquery.Node, error) {
	if t.MI == nil {
		return 1, nil, nil
	}
	mi := t.MI

	raw := mi.Min
	var nodes []*xmlquery.Node
	if mi.CountQuery != "" {
		doc, ok := r.data.CaseDocument(f.CaseID)
		if !ok {
			return 0, nil, fmt.Errorf("no data document for %s", f.CaseID)
		}
		selected, err := r.eval.EvalNodes(doc.Root(), mi.CountQuery)
		if err != nil {
			return 0, nil, fmt.Errorf("count expression: %w", err)
		}
		if selected != nil {
			nodes = selected
			raw = len(selected)
		} else {
			n, err := r.eval.EvalNumber(doc.Root(), mi.CountQuery)
			if err != nil {
				return 0, nil, fmt.Errorf("count expression: %w", err)
			}
			raw = int(n)
		}
	}

	if raw < mi.Min {
		return 0, nil, fmt.Errorf("instance count %d below minimum %d", raw, mi.Min)
	}
	if raw > mi.Max {
		raw = mi.Max
		if len(nodes) > raw {
			nodes = nodes[:raw]
		}
	}
	if mi.CreationMode == spec.CreationDynamic && raw > mi.Min {
		// Dynamic tasks start at the minimum; the rest arrive on demand.
		raw = mi.Min
		if len(nodes) > raw {
			nodes = nodes[:raw]
		}
	}
	return raw, nodes, nil
}

// openSubCase pushes the frame for a composite task instance and starts
// its net. The engine owns the item; it completes when the sub-case does.
func (r *Runner) openSubCase(ctx context.Context, e *Execution, f *Frame, t *spec.Task, itemID string) error {
	subnet := e.Spec.SubNet(t.DecompositionID)
	childID := f.NextChildID()

	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Start("engine") }); err != nil {
		return err
	}
	s, _ := r.items.Get(itemID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemStarted, s, map[string]any{"owner": "engine"}); err != nil {
		return err
	}

	if err := r.data.CreateCase(childID, subnet.Variables, nil); err != nil {
		return err
	}
	parentDoc, ok := r.data.CaseDocument(f.CaseID)
	if !ok {
		return fmt.Errorf("no data document for %s", f.CaseID)
	}
	for _, m := range t.InputMappings {
		value, err := r.eval.EvalString(parentDoc.Root(), m.Query)
		if err != nil {
			return r.failCase(ctx, e, fmt.Sprintf("task %s input binding: %v", t.ID, err))
		}
		if err := r.data.SetNetVariable(childID, m.MapsTo, value); err != nil {
			return err
		}
	}

	child := NewFrame(childID, t.DecompositionID, itemID)
	e.Frames[childID] = child

	snapshot, _ := r.data.SnapshotXML(childID)
	if err := r.emitEvent(ctx, e, eventlog.TypeCaseStarted, childID, map[string]any{
		"net_id":      t.DecompositionID,
		"parent_item": itemID,
		"data":        snapshot,
	}); err != nil {
		return err
	}

	child.Marking.Add(subnet.Input(), 1)
	return r.emitMarking(ctx, e, child, false)
}

// settleTask checks whether a busy task is done and fires its output side
// when it is. Completed instances count toward the threshold; skipped
// instances resolve the task without counting.
func (r *Runner) settleTask(ctx context.Context, e *Execution, f *Frame, t *spec.Task, forceDefault bool) error {
	firing, busy := f.Busy[t.ID]
	if !busy {
		return nil
	}
	if forceDefault {
		firing.ForceDefault = true
	}

	completed, skipped, live := 0, 0, 0
	for _, id := range firing.Instances {
		s, ok := r.items.Get(id)
		if !ok {
			continue
		}
		switch s.Status {
		case workitem.StatusCompleted:
			completed++
		case workitem.StatusSkipped:
			skipped++
		case workitem.StatusFailed, workitem.StatusWithdrawn:
		default:
			live++
		}
	}

	threshold := 1
	if t.MI != nil {
		threshold = t.MI.Threshold
	}

	switch {
	case completed >= threshold:
		return r.fireOutput(ctx, e, f, t, firing)
	case live == 0 && completed+skipped > 0:
		return r.fireOutput(ctx, e, f, t, firing)
	case live == 0:
		// Everything failed or was withdrawn without an escalation
		// verdict; the task produces nothing.
		delete(f.Busy, t.ID)
		return r.emitMarking(ctx, e, f, false)
	}
	return nil
}

// fireOutput withdraws outstanding instances and places tokens on the
// branches the split selects.
func (r *Runner) fireOutput(ctx context.Context, e *Execution, f *Frame, t *spec.Task, firing *Firing) error {
	for _, id := range firing.Instances {
		s, ok := r.items.Get(id)
		if !ok || s.Status.Terminal() {
			continue
		}
		if err := r.withdrawItem(ctx, e, f.CaseID, id); err != nil {
			return err
		}
	}

	targets, err := r.selectBranches(e, f, t, firing.ForceDefault)
	if err != nil {
		return r.failCase(ctx, e, fmt.Sprintf("task %s split: %v", t.ID, err))
	}
	for _, place := range targets {
		f.Marking.Add(place, 1)
	}
	delete(f.Busy, t.ID)
	return r.emitMarking(ctx, e, f, false)
}

// selectBranches applies the task's split semantics over the case data.
// The last-ordered flow is the default; predicate failures count as
// false and are logged.
func (r *Runner) selectBranches(e *Execution, f *Frame, t *spec.Task, forceDefault bool) ([]string, error) {
	net := e.Net(f)
	flows := net.OutgoingFlows(t.ID)
	if len(flows) == 0 {
		return nil, fmt.Errorf("no outgoing flows")
	}
	defaultFlow := flows[len(flows)-1]

	if t.Split == spec.GateAnd {
		targets := make([]string, 0, len(flows))
		for _, flow := range flows {
			targets = append(targets, flow.Target)
		}
		return targets, nil
	}

	if forceDefault {
		return []string{defaultFlow.Target}, nil
	}

	doc, ok := r.data.CaseDocument(f.CaseID)
	if !ok {
		return nil, fmt.Errorf("no data document for %s", f.CaseID)
	}

	satisfied := func(flow *spec.Flow) bool {
		if flow.Predicate == "" {
			return true
		}
		result, err := r.eval.EvalBool(doc.Root(), flow.Predicate)
		if err != nil {
			r.log.Warn("predicate evaluation failed",
				"case_id", f.CaseID, "task_id", t.ID, "predicate", flow.Predicate, "error", err)
			return false
		}
		return result
	}

	if t.Split == spec.GateXor {
		for _, flow := range flows[:len(flows)-1] {
			if satisfied(flow) {
				return []string{flow.Target}, nil
			}
		}
		return []string{defaultFlow.Target}, nil
	}

	// OR-split: every satisfied branch gets a token; the default branch
	// fires only when none is satisfied.
	var targets []string
	for _, flow := range flows {
		if satisfied(flow) {
			targets = append(targets, flow.Target)
		}
	}
	if len(targets) == 0 {
		return []string{defaultFlow.Target}, nil
	}
	return targets, nil
}

// settleChildFrames completes sub-cases whose nets finished, deepest
// first, folding their data back into the parent item.
func (r *Runner) settleChildFrames(ctx context.Context, e *Execution) (bool, error) {
	frames := e.OrderedFrames()
	sort.Slice(frames, func(i, j int) bool {
		return strings.Count(frames[i].CaseID, ".") > strings.Count(frames[j].CaseID, ".")
	})

	progress := false
	for _, f := range frames {
		if f.CaseID == e.RootID || len(f.Busy) > 0 {
			continue
		}
		net := e.Net(f)
		if f.Marking.Count(net.Output()) == 0 || r.items.AnyLive(f.CaseID) {
			continue
		}

		parentItem, ok := r.items.Get(f.ParentItemID)
		if !ok {
			return progress, fmt.Errorf("sub-case %s has no parent item %s", f.CaseID, f.ParentItemID)
		}
		parent := e.ParentFrame(f)
		task := e.Net(parent).Task(parentItem.TaskID)

		childDoc, ok := r.data.CaseDocument(f.CaseID)
		if !ok {
			return progress, fmt.Errorf("no data document for %s", f.CaseID)
		}
		if err := r.items.Mutate(f.ParentItemID, func(i *workitem.Item) error {
			return i.Complete(childDoc)
		}); err != nil {
			return progress, err
		}
		s, _ := r.items.Get(f.ParentItemID)
		if err := r.emitItem(ctx, e, parent.CaseID, eventlog.TypeItemCompleted, s, map[string]any{"output": s.OutputXML}); err != nil {
			return progress, err
		}
		if _, err := r.data.MergeTaskOutput(parent.CaseID, f.ParentItemID, task, childDoc); err != nil {
			return progress, r.failCase(ctx, e, fmt.Sprintf("task %s output binding: %v", task.ID, err))
		}

		if err := r.emitEvent(ctx, e, eventlog.TypeCaseCompleted, f.CaseID, nil); err != nil {
			return progress, err
		}
		delete(e.Frames, f.CaseID)
		r.data.DropCase(f.CaseID)

		if err := r.settleTask(ctx, e, parent, task, false); err != nil {
			return progress, err
		}
		progress = true
	}
	return progress, nil
}

// RunToQuiescence fires everything that can fire, settles finished
// sub-cases, and finally judges completion or deadlock. Enabled tasks are
// visited round-robin so no task starves on a busy net.
func (r *Runner) RunToQuiescence(ctx context.Context, e *Execution) error {
	if e.Status != StatusRunning {
		return nil
	}

	firings := 0
	for {
		progress, err := r.settleChildFrames(ctx, e)
		if err != nil {
			return err
		}
		if e.Status != StatusRunning {
			return nil
		}

		for _, f := range e.OrderedFrames() {
			enabled := r.enabledTasks(e, f)
			if len(enabled) == 0 {
				continue
			}
			start := f.rr % len(enabled)
			f.rr++
			for k := 0; k < len(enabled); k++ {
				t := enabled[(start+k)%len(enabled)]
				if !r.taskEnabled(e, f, t) {
					continue
				}
				firings++
				if firings > r.maxFirings {
					return r.failCase(ctx, e, fmt.Sprintf("exceeded %d firings in one run", r.maxFirings))
				}
				if err := r.fireInput(ctx, e, f, t); err != nil {
					return err
				}
				if e.Status != StatusRunning {
					return nil
				}
				progress = true
			}
		}

		if !progress {
			break
		}
	}
	return r.settleQuiescent(ctx, e)
}

// settleQuiescent decides what a quiescent marking means: completion,
// deadlock, or simply waiting on live work.
func (r *Runner) settleQuiescent(ctx context.Context, e *Execution) error {
	if e.Status != StatusRunning {
		return nil
	}

	anyLive := false
	anyBusy := false
	totalTokens := 0
	for _, f := range e.Frames {
		if r.items.AnyLive(f.CaseID) {
			anyLive = true
		}
		if len(f.Busy) > 0 {
			anyBusy = true
		}
		totalTokens += f.Marking.Total()
	}
	if anyLive || anyBusy {
		return nil
	}

	root := e.Root()
	outputMarked := root.Marking.Count(e.Net(root).Output()) > 0
	if outputMarked {
		return r.completeCase(ctx, e)
	}

	markings := make(map[string]any, len(e.Frames))
	for id, f := range e.Frames {
		markings[id] = f.Marking.Snapshot()
	}
	r.log.Warn("case deadlocked", "case_id", e.RootID, "tokens", totalTokens)
	return r.failCaseWith(ctx, e, "deadlock", map[string]any{"marking": markings})
}

func (r *Runner) completeCase(ctx context.Context, e *Execution) error {
	e.Status = StatusCompleted
	e.FinishedAt = nowUTC()
	r.log.Info("case completed", "case_id", e.RootID)
	return r.emitEvent(ctx, e, eventlog.TypeCaseCompleted, e.RootID, nil)
}

func (r *Runner) failCase(ctx context.Context, e *Execution, reason string) error {
	return r.failCaseWith(ctx, e, reason, nil)
}

// failCaseWith marks the case failed, withdraws whatever is still live,
// and records the failure with its diagnostics payload.
func (r *Runner) failCaseWith(ctx context.Context, e *Execution, reason string, extra map[string]any) error {
	if e.Status.Terminal() {
		return nil
	}
	for _, f := range e.OrderedFrames() {
		for _, itemID := range r.items.LiveIDs(f.CaseID, "") {
			if err := r.withdrawItem(ctx, e, f.CaseID, itemID); err != nil {
				return err
			}
		}
	}
	e.Status = StatusFailed
	e.FailureReason = reason
	e.FinishedAt = nowUTC()

	payload := map[string]any{"reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	r.log.Warn("case failed", "case_id", e.RootID, "reason", reason)
	return r.emitEvent(ctx, e, eventlog.TypeCaseFailed, e.RootID, payload)
}

func innerXML(node *xmlquery.Node) string {
	return node.OutputXML(false)
}
