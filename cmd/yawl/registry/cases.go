package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

// LaunchCase mints a case id, builds the execution, and runs it to its
// first quiescence under the case lock. The id is visible to other
// operations only once CASE_STARTED is durably logged.
func (r *Registry) LaunchCase(ctx context.Context, specKey string, initial map[string]string) (string, error) {
	if r.degraded.Load() {
		return "", r.readOnlyErr()
	}
	s, err := r.specByKey(specKey)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.nextCase++
	caseID := strconv.FormatInt(r.nextCase, 10)
	exec := runner.NewExecution(caseID, s)
	entry := newCaseEntry(exec)
	entry.lock <- struct{}{}
	r.cases[caseID] = entry
	r.mu.Unlock()

	err = r.runner.Launch(context.WithoutCancel(ctx), exec, initial)
	r.maybeRetire(entry)
	entry.release()

	if err != nil {
		// Nothing reached the log under this id; un-admit it. If a
		// later append failed instead, replay restores the case on
		// restart.
		r.mu.Lock()
		delete(r.cases, caseID)
		r.mu.Unlock()
		r.items.DropTree(caseID)
		r.data.DropTree(caseID)
		return "", err
	}

	r.logg.Info("case launched", "case_id", caseID, "spec_id", specKey)
	return caseID, nil
}

// GetCase snapshots a case. Sub-case ids resolve to their root, whose
// view includes every frame.
func (r *Registry) GetCase(ctx context.Context, caseID string) (runner.CaseView, error) {
	var view runner.CaseView
	err := r.readCase(ctx, caseID, func(exec *runner.Execution) error {
		view = exec.View()
		return nil
	})
	return view, err
}

// Cases lists a snapshot of every case the registry holds. Entries
// whose lock is held are mid-operation; they are reported running
// rather than waited on.
func (r *Registry) Cases() []runner.CaseView {
	r.mu.Lock()
	entries := make([]*caseEntry, 0, len(r.cases))
	for _, entry := range r.cases {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	out := make([]runner.CaseView, 0, len(entries))
	for _, entry := range entries {
		if entry.tryAcquire() {
			out = append(out, entry.exec.View())
			entry.release()
			continue
		}
		out = append(out, runner.CaseView{
			CaseID: entry.exec.RootID,
			SpecID: entry.exec.SpecKey(),
			Status: runner.StatusRunning,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.ParseInt(out[i].CaseID, 10, 64)
		b, berr := strconv.ParseInt(out[j].CaseID, 10, 64)
		if aerr == nil && berr == nil {
			return a < b
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out
}

// CancelCase withdraws all live work and closes the case.
func (r *Registry) CancelCase(ctx context.Context, caseID string) error {
	return r.withCase(ctx, caseID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Cancel(ctx, exec)
	})
}

// SuspendCase pauses a running case.
func (r *Registry) SuspendCase(ctx context.Context, caseID string) error {
	return r.withCase(ctx, caseID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Suspend(ctx, exec)
	})
}

// ResumeCase continues a suspended case.
func (r *Registry) ResumeCase(ctx context.Context, caseID string) error {
	return r.withCase(ctx, caseID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Resume(ctx, exec)
	})
}

// CaseData reads the net-variable projection of one case or sub-case.
func (r *Registry) CaseData(ctx context.Context, caseID string) (map[string]string, error) {
	var vars map[string]string
	err := r.readCase(ctx, caseID, func(exec *runner.Execution) error {
		if exec.Frame(caseID) == nil {
			return faults.Errorf(faults.KindNotFound, "case %s not found", caseID)
		}
		v, err := r.data.Variables(caseID)
		if err != nil {
			return faults.Wrap(faults.KindNotFound, err, "no data for case "+caseID)
		}
		vars = v
		return nil
	})
	return vars, err
}

// PatchCaseData applies an RFC 7386 merge patch to a case's variables:
// null removes a variable, anything else sets it. Returns the variables
// after the patch.
func (r *Registry) PatchCaseData(ctx context.Context, caseID string, patch []byte) (map[string]string, error) {
	var after map[string]string
	err := r.withCase(ctx, caseID, func(ctx context.Context, exec *runner.Execution) error {
		current, err := r.data.Variables(caseID)
		if err != nil {
			return faults.Wrap(faults.KindNotFound, err, "no data for case "+caseID)
		}
		currentJSON, err := json.Marshal(current)
		if err != nil {
			return err
		}
		mergedJSON, err := jsonpatch.MergePatch(currentJSON, patch)
		if err != nil {
			return faults.Wrap(faults.KindValidation, err, "merge patch rejected")
		}
		var merged map[string]any
		if err := json.Unmarshal(mergedJSON, &merged); err != nil {
			return faults.Wrap(faults.KindValidation, err, "merge patch must produce an object")
		}

		set := make(map[string]string, len(merged))
		for name, value := range merged {
			set[name] = stringifyValue(value)
		}
		var remove []string
		for name := range current {
			if _, kept := merged[name]; !kept {
				remove = append(remove, name)
			}
		}
		sort.Strings(remove)

		if err := r.runner.PatchData(ctx, exec, caseID, set, remove); err != nil {
			return err
		}
		after, err = r.data.Variables(caseID)
		return err
	})
	return after, err
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// WorkItems lists items matching the filter. The set keeps its own
// lock, so listings never contend with case operations.
func (r *Registry) WorkItems(f workitem.Filter) []workitem.Summary {
	return r.items.View(f)
}

// WorkItem fetches one item by id.
func (r *Registry) WorkItem(itemID string) (workitem.Summary, error) {
	s, ok := r.items.Get(itemID)
	if !ok {
		return workitem.Summary{}, faults.Errorf(faults.KindNotFound, "work item %s not found", itemID)
	}
	return s, nil
}

func (r *Registry) itemAfter(itemID string) workitem.Summary {
	s, _ := r.items.Get(itemID)
	return s
}

// Checkout starts a work item for the calling principal.
func (r *Registry) Checkout(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Checkout(ctx, exec, itemID, principal)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// Checkin completes a work item with its output document and kicks the
// case onward.
func (r *Registry) Checkin(ctx context.Context, itemID, principal string, output []byte) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Checkin(ctx, exec, itemID, principal, output)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// SkipItem skips a skippable task's item.
func (r *Registry) SkipItem(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Skip(ctx, exec, itemID, principal)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// FailItem fails a started item and applies the exception handler's
// decision.
func (r *Registry) FailItem(ctx context.Context, itemID, principal, reason string) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.Fail(ctx, exec, itemID, principal, reason)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// SuspendWorkItem pauses a started item.
func (r *Registry) SuspendWorkItem(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.SuspendItem(ctx, exec, itemID, principal)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// ResumeWorkItem resumes a suspended item.
func (r *Registry) ResumeWorkItem(ctx context.Context, itemID, principal string) (workitem.Summary, error) {
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		return r.runner.ResumeItem(ctx, exec, itemID, principal)
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(itemID), nil
}

// AddInstance adds a dynamic multi-instance sibling to a running item
// and returns the new item.
func (r *Registry) AddInstance(ctx context.Context, itemID, principal, itemData string) (workitem.Summary, error) {
	var newID string
	err := r.withItem(ctx, itemID, func(ctx context.Context, exec *runner.Execution) error {
		id, err := r.runner.AddInstance(ctx, exec, itemID, principal, itemData)
		newID = id
		return err
	})
	if err != nil {
		return workitem.Summary{}, err
	}
	return r.itemAfter(newID), nil
}
