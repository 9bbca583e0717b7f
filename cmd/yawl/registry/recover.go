package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

// Recover rebuilds the registry from the event log and then finishes
// any operation a previous process stopped in the middle of. It must
// run before the registry starts serving; a replay error means the log
// cannot be trusted and the engine has to stop.
func (r *Registry) Recover(ctx context.Context) error {
	start := time.Now()
	count, err := r.replayLog(ctx)
	if err != nil {
		return fmt.Errorf("event log replay: %w", err)
	}

	r.mu.Lock()
	var live []*caseEntry
	for _, entry := range r.cases {
		if !entry.exec.Status.Terminal() {
			live = append(live, entry)
		}
	}
	r.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].exec.RootID < live[j].exec.RootID })

	for _, entry := range live {
		if err := entry.acquire(ctx, r.cfg.LockWait); err != nil {
			return err
		}
		err := r.runner.Reconcile(context.WithoutCancel(ctx), entry.exec)
		r.maybeRetire(entry)
		entry.release()
		if err != nil {
			return fmt.Errorf("reconcile case %s: %w", entry.exec.RootID, err)
		}
	}

	st := r.Census()
	r.logg.Info("recovery complete",
		"events", count,
		"specifications", st.Specifications,
		"active_cases", st.ActiveCases,
		"retired_cases", st.RetiredCases,
		"elapsed", time.Since(start))
	return nil
}

// replayLog is the pure rebuild: it applies every logged event in order
// and emits nothing. Runs single-threaded before the registry serves.
func (r *Registry) replayLog(ctx context.Context) (int, error) {
	rs := &replayState{r: r}
	if err := r.log.Replay(ctx, 0, rs.apply); err != nil {
		return rs.count, err
	}
	rs.finish()
	return rs.count, nil
}

type replayState struct {
	r     *Registry
	prev  int64
	count int
}

func (rs *replayState) apply(e eventlog.Event) error {
	if rs.prev != 0 && e.Sequence != rs.prev+1 {
		return fmt.Errorf("sequence %d follows %d: the log has a gap or a second writer", e.Sequence, rs.prev)
	}
	rs.prev = e.Sequence
	rs.count++

	switch e.Type {
	case eventlog.TypeSpecLoaded:
		return rs.specLoaded(e)
	case eventlog.TypeSpecUnloaded:
		delete(rs.r.specs, e.SpecID)
		return nil
	case eventlog.TypeCaseStarted:
		return rs.caseStarted(e)
	case eventlog.TypeMarkingChanged:
		return rs.markingChanged(e)
	case eventlog.TypeCaseCompleted:
		return rs.caseClosed(e, runner.StatusCompleted)
	case eventlog.TypeCaseFailed:
		return rs.caseClosed(e, runner.StatusFailed)
	case eventlog.TypeCaseCancelled:
		return rs.caseClosed(e, runner.StatusCancelled)
	case eventlog.TypeCaseSuspended:
		return rs.caseStatus(e, runner.StatusSuspended)
	case eventlog.TypeCaseResumed:
		return rs.caseStatus(e, runner.StatusRunning)
	case eventlog.TypeSystemDegraded, eventlog.TypeSubscriberDropped:
		return nil
	default:
		return rs.itemEvent(e)
	}
}

func (rs *replayState) execFor(caseID string) (*runner.Execution, error) {
	entry, ok := rs.r.cases[rootOf(caseID)]
	if !ok {
		return nil, fmt.Errorf("event for unknown case %s", caseID)
	}
	return entry.exec, nil
}

func (rs *replayState) specLoaded(e eventlog.Event) error {
	source := payloadString(e.Payload, "source")
	if source == "" {
		return fmt.Errorf("SPECIFICATION_LOADED at sequence %d carries no source", e.Sequence)
	}
	s, diags, err := spec.XMLParser{}.Parse([]byte(source))
	if err != nil {
		return fmt.Errorf("replay specification %s: %w", e.SpecID, err)
	}
	if spec.HasFatal(diags) {
		return fmt.Errorf("replay specification %s: source no longer validates", e.SpecID)
	}
	rs.r.specs[s.ID.Key()] = &specEntry{spec: s, loadedAt: e.Timestamp}
	return nil
}

func (rs *replayState) caseStarted(e eventlog.Event) error {
	if rootOf(e.CaseID) == e.CaseID {
		entry, ok := rs.r.specs[e.SpecID]
		if !ok {
			return fmt.Errorf("case %s references specification %s, which is not loaded at sequence %d", e.CaseID, e.SpecID, e.Sequence)
		}
		exec := runner.NewExecution(e.CaseID, entry.spec)
		exec.StartedAt = e.Timestamp
		rs.r.cases[e.CaseID] = newCaseEntry(exec)
		return rs.restoreData(e.CaseID, e.Payload)
	}

	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	idx := strings.LastIndex(e.CaseID, ".")
	parent := exec.Frame(e.CaseID[:idx])
	if parent == nil {
		return fmt.Errorf("sub-case %s has no parent frame", e.CaseID)
	}
	seq, err := strconv.Atoi(e.CaseID[idx+1:])
	if err != nil {
		return fmt.Errorf("malformed sub-case id %s", e.CaseID)
	}
	parent.SeedChildSequence(seq)

	child := runner.NewFrame(e.CaseID, payloadString(e.Payload, "net_id"), payloadString(e.Payload, "parent_item"))
	exec.Frames[e.CaseID] = child
	return rs.restoreData(e.CaseID, e.Payload)
}

func (rs *replayState) markingChanged(e eventlog.Event) error {
	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	f := exec.Frame(e.CaseID)
	if f == nil {
		return fmt.Errorf("marking for unknown frame %s at sequence %d", e.CaseID, e.Sequence)
	}

	f.Marking.Clear()
	for place, n := range countMap(e.Payload["marking"]) {
		f.Marking.Add(place, n)
	}
	busy := make(map[string]*runner.Firing)
	for taskID, ids := range stringListMap(e.Payload["busy"]) {
		busy[taskID] = &runner.Firing{Instances: ids}
	}
	for _, taskID := range stringList(e.Payload["rerouted"]) {
		if firing, ok := busy[taskID]; ok {
			firing.ForceDefault = true
		}
	}
	f.Busy = busy
	return rs.restoreData(e.CaseID, e.Payload)
}

func (rs *replayState) caseClosed(e eventlog.Event, status runner.CaseStatus) error {
	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	if e.CaseID != exec.RootID {
		// A finished or cancelled sub-case folds back into its parent.
		delete(exec.Frames, e.CaseID)
		rs.r.data.DropCase(e.CaseID)
		return nil
	}

	exec.Status = status
	exec.FinishedAt = e.Timestamp
	switch status {
	case runner.StatusFailed:
		exec.FailureReason = payloadString(e.Payload, "reason")
	case runner.StatusCancelled:
		root := exec.Root()
		root.Marking.Clear()
		root.Busy = make(map[string]*runner.Firing)
	}
	return nil
}

func (rs *replayState) caseStatus(e eventlog.Event, status runner.CaseStatus) error {
	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	exec.Status = status
	return nil
}

func (rs *replayState) itemEvent(e eventlog.Event) error {
	switch e.Type {
	case eventlog.TypeItemEnabled:
		return rs.itemEnabled(e)
	case eventlog.TypeItemOffered:
		return rs.mutateItem(e, func(i *workitem.Item) error { return i.Offer() })
	case eventlog.TypeItemAllocated:
		owner := payloadString(e.Payload, "owner")
		return rs.mutateItem(e, func(i *workitem.Item) error { return i.Allocate(owner) })
	case eventlog.TypeItemStarted:
		owner := payloadString(e.Payload, "owner")
		return rs.mutateItem(e, func(i *workitem.Item) error {
			if err := i.Start(owner); err != nil {
				return err
			}
			i.StartedAt = e.Timestamp
			return nil
		})
	case eventlog.TypeItemCompleted:
		return rs.itemCompleted(e)
	case eventlog.TypeItemSkipped:
		rerouted := payloadBool(e.Payload, "rerouted")
		return rs.mutateItem(e, func(i *workitem.Item) error {
			var err error
			if rerouted {
				err = i.Reroute()
			} else {
				err = i.Skip()
			}
			if err != nil {
				return err
			}
			i.CompletedAt = e.Timestamp
			return nil
		})
	case eventlog.TypeItemFailed:
		reason := payloadString(e.Payload, "reason")
		return rs.mutateItem(e, func(i *workitem.Item) error { return i.Fail(reason) })
	case eventlog.TypeItemWithdrawn:
		return rs.mutateItem(e, func(i *workitem.Item) error {
			if err := i.Withdraw(); err != nil {
				return err
			}
			i.CompletedAt = e.Timestamp
			return nil
		})
	case eventlog.TypeItemSuspended:
		return rs.mutateItem(e, func(i *workitem.Item) error { return i.Suspend() })
	case eventlog.TypeItemResumed:
		return rs.mutateItem(e, func(i *workitem.Item) error { return i.Resume() })
	case eventlog.TypeItemTimeout:
		return rs.mutateItem(e, func(i *workitem.Item) error {
			i.TimeoutFired = true
			return nil
		})
	}
	return nil
}

// itemCompleted restores the item and re-applies its output bindings to
// the case document. The merge that followed this event in the live run
// may never have reached a data snapshot before the process died; the
// digest memo keeps the reapplication from changing an already-merged
// document. A binding error mirrors the live run, which failed the case
// right after logging the completion, so it is not a replay error.
func (rs *replayState) itemCompleted(e eventlog.Event) error {
	doc, err := itemDocument(payloadString(e.Payload, "output"))
	if err != nil {
		return err
	}
	if err := rs.mutateItem(e, func(i *workitem.Item) error {
		if err := i.Complete(doc); err != nil {
			return err
		}
		i.CompletedAt = e.Timestamp
		return nil
	}); err != nil {
		return err
	}

	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	f := exec.Frame(e.CaseID)
	if f == nil {
		return nil
	}
	t := exec.Net(f).Task(payloadString(e.Payload, "task_id"))
	if t == nil {
		return nil
	}
	itemID := payloadString(e.Payload, "item_id")
	if _, err := rs.r.data.MergeTaskOutput(e.CaseID, itemID, t, doc); err != nil {
		rs.r.logg.Warn("output merge failed during replay",
			"workitem_id", itemID, "sequence", e.Sequence, "error", err)
	}
	return nil
}

func (rs *replayState) itemEnabled(e eventlog.Event) error {
	itemID := payloadString(e.Payload, "item_id")
	if _, exists := rs.r.items.Get(itemID); exists {
		// A second enablement of the same item is a retry after failure.
		return rs.mutateItem(e, func(i *workitem.Item) error {
			if err := i.Retry(); err != nil {
				return err
			}
			i.EnabledAt = e.Timestamp
			return nil
		})
	}

	exec, err := rs.execFor(e.CaseID)
	if err != nil {
		return err
	}
	f := exec.Frame(e.CaseID)
	if f == nil {
		return fmt.Errorf("item %s enabled in unknown frame %s", itemID, e.CaseID)
	}
	taskID := payloadString(e.Payload, "task_id")
	t := exec.Net(f).Task(taskID)
	if t == nil {
		return fmt.Errorf("item %s names unknown task %s", itemID, taskID)
	}
	doc, err := itemDocument(payloadString(e.Payload, "input"))
	if err != nil {
		return err
	}

	item := workitem.New(e.CaseID, taskID, t.Name, payloadInt(e.Payload, "instance"), doc)
	item.Skippable = t.Skippable
	item.RetryLimit = t.RetryLimit
	if item.RetryLimit == 0 {
		item.RetryLimit = rs.r.cfg.DefaultRetryLimit
	}
	item.SLA = t.SLA
	item.EnabledAt = e.Timestamp
	return rs.r.items.Add(item)
}

func (rs *replayState) mutateItem(e eventlog.Event, fn func(*workitem.Item) error) error {
	itemID := payloadString(e.Payload, "item_id")
	if err := rs.r.items.Mutate(itemID, fn); err != nil {
		return fmt.Errorf("replay %s at sequence %d: %w", e.Type, e.Sequence, err)
	}
	return nil
}

func (rs *replayState) restoreData(caseID string, payload map[string]any) error {
	if snapshot := payloadString(payload, "data"); snapshot != "" {
		return rs.r.data.RestoreCase(caseID, []byte(snapshot))
	}
	return nil
}

// finish seeds the case-id sequence past every replayed id and restarts
// the retire clock for terminal cases.
func (rs *replayState) finish() {
	now := time.Now().UTC()
	var maxID int64
	for id, entry := range rs.r.cases {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > maxID {
			maxID = n
		}
		if entry.exec.Status.Terminal() && entry.retired.IsZero() {
			entry.retired = now
		}
	}
	rs.r.nextCase = maxID
}

func itemDocument(xmlText string) (*casedata.Document, error) {
	if xmlText == "" {
		return casedata.NewDocument(casedata.TaskRootElement), nil
	}
	return casedata.ParseDocument([]byte(xmlText))
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadBool(p map[string]any, key string) bool {
	v, ok := p[key].(bool)
	return ok && v
}

// countMap reads a place→count table whether it came straight from
// memory or round-tripped through JSON.
func countMap(v any) map[string]int {
	out := map[string]int{}
	switch m := v.(type) {
	case map[string]int:
		for k, n := range m {
			out[k] = n
		}
	case map[string]any:
		for k, raw := range m {
			switch n := raw.(type) {
			case int:
				out[k] = n
			case int64:
				out[k] = int(n)
			case float64:
				out[k] = int(n)
			}
		}
	}
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringListMap(v any) map[string][]string {
	out := map[string][]string{}
	switch m := v.(type) {
	case map[string][]string:
		for k, l := range m {
			out[k] = append([]string(nil), l...)
		}
	case map[string]any:
		for k, raw := range m {
			out[k] = stringList(raw)
		}
	}
	return out
}
