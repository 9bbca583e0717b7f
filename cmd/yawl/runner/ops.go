package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

// Launch seeds the root net and runs the new case to quiescence.
func (r *Runner) Launch(ctx context.Context, e *Execution, initial map[string]string) error {
	root := e.Root()
	net := e.Net(root)

	if err := r.data.CreateCase(root.CaseID, net.Variables, initial); err != nil {
		return err
	}
	snapshot, _ := r.data.SnapshotXML(root.CaseID)
	if err := r.emitEvent(ctx, e, eventlog.TypeCaseStarted, root.CaseID, map[string]any{
		"net_id": root.NetID,
		"data":   snapshot,
	}); err != nil {
		return err
	}

	root.Marking.Add(net.Input(), 1)
	if err := r.emitMarking(ctx, e, root, false); err != nil {
		return err
	}
	return r.RunToQuiescence(ctx, e)
}

// guardLive rejects operations on suspended or finished cases.
func (r *Runner) guardLive(e *Execution) error {
	switch e.Status {
	case StatusRunning:
		return nil
	case StatusSuspended:
		return faults.Errorf(faults.KindConflict, "case %s is suspended", e.RootID)
	default:
		return faults.Errorf(faults.KindConflict, "case %s is %s", e.RootID, e.Status)
	}
}

// itemTask resolves a work item to its frame and task definition.
func (r *Runner) itemTask(e *Execution, itemID string) (workitem.Summary, *Frame, *spec.Task, error) {
	s, ok := r.items.Get(itemID)
	if !ok {
		return workitem.Summary{}, nil, nil, faults.Errorf(faults.KindNotFound, "work item %s not found", itemID)
	}
	f := e.Frame(s.CaseID)
	if f == nil {
		return s, nil, nil, faults.Errorf(faults.KindNotFound, "work item %s belongs to a finished sub-case", itemID)
	}
	t := e.Net(f).Task(s.TaskID)
	if t == nil {
		return s, f, nil, fmt.Errorf("work item %s names unknown task %s", itemID, s.TaskID)
	}
	return s, f, t, nil
}

func asConflict(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, workitem.ErrNotFound) {
		return faults.Wrap(faults.KindNotFound, err, "work item not found")
	}
	return faults.Wrap(faults.KindConflict, err, "work item transition rejected")
}

// Checkout claims an item for a principal, taking it straight from
// Enabled (or Offered/Allocated) to Started.
func (r *Runner) Checkout(ctx context.Context, e *Execution, itemID, principal string) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	_, f, _, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Start(principal) }); err != nil {
		return asConflict(err)
	}
	s, _ := r.items.Get(itemID)
	return r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemStarted, s, map[string]any{"owner": principal})
}

// Checkin completes a started item with its output document and drives
// the case forward. A repeated checkin finds the item already Completed
// and conflicts without changing anything.
func (r *Runner) Checkin(ctx context.Context, e *Execution, itemID, principal string, output []byte) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	s, f, t, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if s.Owner != principal {
		return faults.Errorf(faults.KindConflict, "work item %s is owned by %s", itemID, s.Owner)
	}

	outDoc := casedata.NewDocument(casedata.TaskRootElement)
	if len(output) > 0 {
		outDoc, err = casedata.ParseDocument(output)
		if err != nil {
			return faults.Wrap(faults.KindValidation, err, "malformed output document")
		}
	}

	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Complete(outDoc) }); err != nil {
		return asConflict(err)
	}
	s, _ = r.items.Get(itemID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemCompleted, s, map[string]any{"output": s.OutputXML}); err != nil {
		return err
	}

	if _, err := r.data.MergeTaskOutput(f.CaseID, itemID, t, outDoc); err != nil {
		return r.failCase(ctx, e, fmt.Sprintf("task %s output binding: %v", t.ID, err))
	}
	if err := r.settleTask(ctx, e, f, t, false); err != nil {
		return err
	}
	return r.RunToQuiescence(ctx, e)
}

// Skip closes an item of a skippable task without output.
func (r *Runner) Skip(ctx context.Context, e *Execution, itemID, principal string) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	_, f, t, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Skip() }); err != nil {
		return asConflict(err)
	}
	s, _ := r.items.Get(itemID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemSkipped, s, map[string]any{"by": principal}); err != nil {
		return err
	}
	if err := r.settleTask(ctx, e, f, t, false); err != nil {
		return err
	}
	return r.RunToQuiescence(ctx, e)
}

// Fail records an item failure and applies the exception handler's
// decision: retry re-enables the item, reroute pushes the default branch,
// escalate fails the case.
func (r *Runner) Fail(ctx context.Context, e *Execution, itemID, principal, reason string) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	s, f, t, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if s.Owner != principal {
		return faults.Errorf(faults.KindConflict, "work item %s is owned by %s", itemID, s.Owner)
	}
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Fail(reason) }); err != nil {
		return asConflict(err)
	}
	s, _ = r.items.Get(itemID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemFailed, s, map[string]any{"reason": reason}); err != nil {
		return err
	}

	decision := r.xcli.NotifyFailure(ctx, ExceptionNotice{
		CaseID: f.CaseID,
		ItemID: itemID,
		TaskID: t.ID,
		Reason: reason,
	})
	return r.applyFailureDecision(ctx, e, f, t, itemID, reason, decision)
}

func (r *Runner) applyFailureDecision(ctx context.Context, e *Execution, f *Frame, t *spec.Task, itemID, reason string, decision Decision) error {
	switch decision {
	case DecisionRetry:
		if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Retry() }); err != nil {
			r.log.Warn("retry rejected, escalating", "item_id", itemID, "error", err)
			break
		}
		s, _ := r.items.Get(itemID)
		return r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemEnabled, s, map[string]any{
			"input":    s.InputXML,
			"attempts": s.Attempts,
		})

	case DecisionReroute:
		if !t.Skippable {
			r.log.Warn("reroute of non-skippable task ignored, escalating",
				"case_id", f.CaseID, "task_id", t.ID, "item_id", itemID)
			break
		}
		if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Reroute() }); err != nil {
			return asConflict(err)
		}
		s, _ := r.items.Get(itemID)
		if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemSkipped, s, map[string]any{"rerouted": true}); err != nil {
			return err
		}
		if err := r.settleTask(ctx, e, f, t, true); err != nil {
			return err
		}
		return r.RunToQuiescence(ctx, e)
	}

	return r.failCase(ctx, e, fmt.Sprintf("task %s failed: %s", t.ID, reason))
}

// SuspendItem parks a started item.
func (r *Runner) SuspendItem(ctx context.Context, e *Execution, itemID, principal string) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	s, f, _, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if s.Owner != principal {
		return faults.Errorf(faults.KindConflict, "work item %s is owned by %s", itemID, s.Owner)
	}
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Suspend() }); err != nil {
		return asConflict(err)
	}
	s, _ = r.items.Get(itemID)
	return r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemSuspended, s, nil)
}

// ResumeItem returns a suspended item to its owner.
func (r *Runner) ResumeItem(ctx context.Context, e *Execution, itemID, principal string) error {
	if err := r.guardLive(e); err != nil {
		return err
	}
	s, f, _, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if s.Owner != principal {
		return faults.Errorf(faults.KindConflict, "work item %s is owned by %s", itemID, s.Owner)
	}
	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Resume() }); err != nil {
		return asConflict(err)
	}
	s, _ = r.items.Get(itemID)
	return r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemResumed, s, nil)
}

// AddInstance mints one more instance of a dynamic multi-instance task
// that is still busy, carrying the supplied per-instance data.
func (r *Runner) AddInstance(ctx context.Context, e *Execution, itemID, principal, itemData string) (string, error) {
	if err := r.guardLive(e); err != nil {
		return "", err
	}
	s, f, t, err := r.itemTask(e, itemID)
	if err != nil {
		return "", err
	}
	if t.MI == nil || t.MI.CreationMode != spec.CreationDynamic {
		return "", faults.Errorf(faults.KindConflict, "task %s does not create instances dynamically", t.ID)
	}
	firing, busy := f.Busy[t.ID]
	if !busy {
		return "", faults.Errorf(faults.KindConflict, "task %s is not active", t.ID)
	}
	if s.Status.Terminal() {
		return "", faults.Errorf(faults.KindConflict, "work item %s is %s", itemID, s.Status)
	}
	if len(firing.Instances) >= t.MI.Max {
		return "", faults.Errorf(faults.KindConflict, "task %s is at its maximum of %d instances", t.ID, t.MI.Max)
	}

	before := len(firing.Instances)
	if err := r.mintOne(ctx, e, f, t, firing, itemData); err != nil {
		return "", err
	}
	if len(firing.Instances) == before {
		return "", faults.Errorf(faults.KindNetSemantic, "case %s failed while adding an instance", e.RootID)
	}
	newID := firing.Instances[len(firing.Instances)-1]
	if err := r.emitMarking(ctx, e, f, false); err != nil {
		return "", err
	}
	r.log.Info("dynamic instance added", "case_id", f.CaseID, "task_id", t.ID, "item_id", newID, "by", principal)
	return newID, nil
}

// Suspend pauses a running case; item operations conflict until resume.
func (r *Runner) Suspend(ctx context.Context, e *Execution) error {
	if e.Status != StatusRunning {
		return faults.Errorf(faults.KindConflict, "case %s is %s", e.RootID, e.Status)
	}
	e.Status = StatusSuspended
	return r.emitEvent(ctx, e, eventlog.TypeCaseSuspended, e.RootID, nil)
}

// Resume continues a suspended case and runs it to quiescence.
func (r *Runner) Resume(ctx context.Context, e *Execution) error {
	if e.Status != StatusSuspended {
		return faults.Errorf(faults.KindConflict, "case %s is %s", e.RootID, e.Status)
	}
	e.Status = StatusRunning
	if err := r.emitEvent(ctx, e, eventlog.TypeCaseResumed, e.RootID, nil); err != nil {
		return err
	}
	return r.RunToQuiescence(ctx, e)
}

// Cancel withdraws all live work, clears every marking, and closes the
// case. Sub-cases are cancelled deepest first.
func (r *Runner) Cancel(ctx context.Context, e *Execution) error {
	if e.Status.Terminal() {
		return faults.Errorf(faults.KindConflict, "case %s is already %s", e.RootID, e.Status)
	}

	root := e.Root()
	for _, f := range e.OrderedFrames() {
		if f == root {
			continue
		}
		if e.ParentFrame(f) == root {
			if err := r.cancelFrame(ctx, e, f); err != nil {
				return err
			}
		}
	}
	for _, itemID := range r.items.LiveIDs(root.CaseID, "") {
		if err := r.withdrawItem(ctx, e, root.CaseID, itemID); err != nil {
			return err
		}
	}
	root.Marking.Clear()
	root.Busy = make(map[string]*Firing)

	e.Status = StatusCancelled
	e.FinishedAt = nowUTC()
	r.log.Info("case cancelled", "case_id", e.RootID)
	return r.emitEvent(ctx, e, eventlog.TypeCaseCancelled, e.RootID, nil)
}

// PatchData applies an operator edit to one frame's case data and
// records the new snapshot. Terminal cases are immutable.
func (r *Runner) PatchData(ctx context.Context, e *Execution, caseID string, set map[string]string, remove []string) error {
	if e.Status.Terminal() {
		return faults.Errorf(faults.KindConflict, "case %s is %s", e.RootID, e.Status)
	}
	f := e.Frame(caseID)
	if f == nil {
		return faults.Errorf(faults.KindNotFound, "case %s not found", caseID)
	}
	for name, value := range set {
		if err := r.data.SetNetVariable(caseID, name, value); err != nil {
			return err
		}
	}
	for _, name := range remove {
		if err := r.data.DeleteNetVariable(caseID, name); err != nil {
			return err
		}
	}
	return r.emitMarking(ctx, e, f, true)
}

// HandleTimeout records an SLA breach on a started item and applies the
// exception handler's decision.
func (r *Runner) HandleTimeout(ctx context.Context, e *Execution, itemID string) error {
	if e.Status != StatusRunning {
		return nil
	}
	s, f, t, err := r.itemTask(e, itemID)
	if err != nil {
		return err
	}
	if s.Status != workitem.StatusStarted {
		return nil
	}

	if err := r.items.Mutate(itemID, func(i *workitem.Item) error {
		i.TimeoutFired = true
		return nil
	}); err != nil {
		return err
	}
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemTimeout, s, map[string]any{"sla": t.SLA.String()}); err != nil {
		return err
	}

	decision := r.xcli.NotifyTimeout(ctx, ExceptionNotice{
		CaseID: f.CaseID,
		ItemID: itemID,
		TaskID: t.ID,
		Reason: "sla timeout",
	})
	switch decision {
	case DecisionContinue, DecisionRetry:
		return nil
	case DecisionSkip, DecisionReroute:
		if !t.Skippable {
			r.log.Warn("timeout skip of non-skippable task ignored, escalating",
				"case_id", f.CaseID, "task_id", t.ID, "item_id", itemID)
			break
		}
		if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Skip() }); err != nil {
			return asConflict(err)
		}
		s, _ = r.items.Get(itemID)
		if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemSkipped, s, map[string]any{"timed_out": true}); err != nil {
			return err
		}
		if err := r.settleTask(ctx, e, f, t, false); err != nil {
			return err
		}
		return r.RunToQuiescence(ctx, e)
	}

	if err := r.items.Mutate(itemID, func(i *workitem.Item) error { return i.Fail("sla timeout") }); err != nil {
		return asConflict(err)
	}
	s, _ = r.items.Get(itemID)
	if err := r.emitItem(ctx, e, f.CaseID, eventlog.TypeItemFailed, s, map[string]any{"reason": "sla timeout"}); err != nil {
		return err
	}
	return r.failCase(ctx, e, fmt.Sprintf("task %s breached its deadline", t.ID))
}

// Reconcile finishes work a rebuilt case may have stopped in the middle
// of: live items whose task is no longer busy are withdrawn, firings
// whose instances all finished get their output side fired, and the case
// then runs to quiescence. A consistent case passes through unchanged.
func (r *Runner) Reconcile(ctx context.Context, e *Execution) error {
	if e.Status != StatusRunning {
		return nil
	}

	for _, f := range e.OrderedFrames() {
		for _, itemID := range r.items.LiveIDs(f.CaseID, "") {
			s, ok := r.items.Get(itemID)
			if !ok {
				continue
			}
			if _, busy := f.Busy[s.TaskID]; busy {
				continue
			}
			if err := r.withdrawItem(ctx, e, f.CaseID, itemID); err != nil {
				return err
			}
			if e.Status != StatusRunning {
				return nil
			}
		}
	}

	for _, f := range e.OrderedFrames() {
		if e.Frames[f.CaseID] == nil {
			continue
		}
		net := e.Net(f)
		taskIDs := make([]string, 0, len(f.Busy))
		for taskID := range f.Busy {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Strings(taskIDs)
		for _, taskID := range taskIDs {
			firing, busy := f.Busy[taskID]
			if !busy {
				continue
			}
			settled := true
			for _, id := range firing.Instances {
				if s, ok := r.items.Get(id); ok && !s.Status.Terminal() {
					settled = false
					break
				}
			}
			if !settled {
				continue
			}
			if err := r.settleTask(ctx, e, f, net.Task(taskID), false); err != nil {
				return err
			}
			if e.Status != StatusRunning {
				return nil
			}
		}
	}

	return r.RunToQuiescence(ctx, e)
}
