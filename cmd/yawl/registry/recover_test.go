package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
)

const reviewDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="review">
    <metaData>
      <identifier>UID_review</identifier>
      <version>1.0</version>
      <title>Review</title>
    </metaData>
    <decomposition id="MainNet" isRootNet="true">
      <processControlElements>
        <inputCondition id="i">
          <flowsInto><nextElementRef id="Review"/></flowsInto>
        </inputCondition>
        <task id="Review">
          <name>Review subject</name>
          <flowsInto><nextElementRef id="o"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
          <startingMappings>
            <mapping>
              <expression query="/case/subject"/>
              <mapsTo>subject</mapsTo>
            </mapping>
          </startingMappings>
          <completedMappings>
            <mapping>
              <expression query="/case/verdict"/>
              <mapsTo>verdict</mapsTo>
            </mapping>
          </completedMappings>
          <decomposesTo id="ReviewSub"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
      <localVariable>
        <name>subject</name>
        <type>string</type>
        <initialValue>contract</initialValue>
      </localVariable>
      <localVariable>
        <name>verdict</name>
        <type>string</type>
        <initialValue></initialValue>
      </localVariable>
    </decomposition>
    <decomposition id="ReviewSub">
      <processControlElements>
        <inputCondition id="si">
          <flowsInto><nextElementRef id="Decide"/></flowsInto>
        </inputCondition>
        <task id="Decide">
          <name>Decide</name>
          <flowsInto><nextElementRef id="so"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
          <startingMappings>
            <mapping>
              <expression query="/case/subject"/>
              <mapsTo>subject</mapsTo>
            </mapping>
          </startingMappings>
          <completedMappings>
            <mapping>
              <expression query="/task/verdict"/>
              <mapsTo>verdict</mapsTo>
            </mapping>
          </completedMappings>
        </task>
        <outputCondition id="so"/>
      </processControlElements>
      <localVariable>
        <name>subject</name>
        <type>string</type>
        <initialValue></initialValue>
      </localVariable>
      <localVariable>
        <name>verdict</name>
        <type>string</type>
        <initialValue></initialValue>
      </localVariable>
    </decomposition>
  </specification>
</specificationSet>`

const retryDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="flaky">
    <metaData>
      <identifier>UID_flaky</identifier>
      <version>1.0</version>
      <title>Flaky</title>
    </metaData>
    <decomposition id="FlakyNet" isRootNet="true">
      <processControlElements>
        <inputCondition id="i">
          <flowsInto><nextElementRef id="Call"/></flowsInto>
        </inputCondition>
        <task id="Call" retries="2">
          <name>Call downstream</name>
          <flowsInto><nextElementRef id="o"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
    </decomposition>
  </specification>
</specificationSet>`

// taskItem finds the item of one task in one status.
func (h *harness) taskItem(caseID, taskID string, status workitem.Status) workitem.Summary {
	h.t.Helper()
	items := h.reg.WorkItems(workitem.Filter{CaseID: caseID, TaskID: taskID, Status: status})
	if len(items) != 1 {
		h.t.Fatalf("found %d %s items for task %s in case %s, want 1", len(items), status, taskID, caseID)
	}
	return items[0]
}

func (h *harness) recover() {
	h.t.Helper()
	if err := h.reg.Recover(context.Background()); err != nil {
		h.t.Fatalf("recover: %v", err)
	}
}

// chopLog copies events in order into a fresh log, stopping after the
// first event the cut predicate accepts.
func chopLog(t *testing.T, src eventlog.Log, cut func(eventlog.Event) bool) *eventlog.MemoryLog {
	t.Helper()
	dst := eventlog.NewMemory()
	done := false
	err := src.Replay(context.Background(), 0, func(e eventlog.Event) error {
		if done {
			return nil
		}
		if _, err := dst.Append(context.Background(), e); err != nil {
			return err
		}
		if cut(e) {
			done = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("chop log: %v", err)
	}
	return dst
}

// stateDigest flattens everything but timestamps into a comparable
// string: case views, work items, and per-case variables.
func stateDigest(reg *Registry) (string, error) {
	var b strings.Builder
	for _, v := range reg.Cases() {
		fmt.Fprintf(&b, "case %s spec=%s status=%s reason=%q\n", v.CaseID, v.SpecID, v.Status, v.Reason)
		for _, f := range v.Frames {
			fmt.Fprintf(&b, "  frame %s net=%s", f.CaseID, f.NetID)
			writeCounts(&b, " marking", f.Marking)
			writeCounts(&b, " busy", f.Busy)
			b.WriteString("\n")
		}
		vars, err := reg.CaseData(context.Background(), v.CaseID)
		if err != nil {
			return "", fmt.Errorf("case data for %s: %w", v.CaseID, err)
		}
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  var %s=%q\n", name, vars[name])
		}
	}
	for _, s := range reg.WorkItems(workitem.Filter{}) {
		fmt.Fprintf(&b, "item %s status=%s owner=%q attempts=%d timedout=%t\n",
			s.ID, s.Status, s.Owner, s.Attempts, s.TimedOut)
	}
	return b.String(), nil
}

func fingerprint(t *testing.T, reg *Registry) string {
	t.Helper()
	d, err := stateDigest(reg)
	if err != nil {
		t.Fatalf("state digest: %v", err)
	}
	return d
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(label)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%d", k, counts[k])
	}
}

func TestRecoverRebuildsCompletedCase(t *testing.T) {
	log := eventlog.NewMemory()
	a := newHarnessOver(t, log, Config{})
	a.load(lineDoc)
	caseID := a.launch("UID_billing", map[string]string{"amount": "500"})
	itemID := a.item(caseID, workitem.StatusEnabled).ID
	a.work(itemID, "")

	b := newHarnessOver(t, log, Config{})
	b.recover()

	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Errorf("rebuilt status = %s, want completed", got)
	}
	s, err := b.reg.WorkItem(itemID)
	if err != nil {
		t.Fatalf("rebuilt item: %v", err)
	}
	if s.Status != workitem.StatusCompleted || s.Owner != "tester" {
		t.Errorf("rebuilt item = %+v", s)
	}
	vars, err := b.reg.CaseData(context.Background(), caseID)
	if err != nil {
		t.Fatalf("rebuilt data: %v", err)
	}
	if vars["amount"] != "500" {
		t.Errorf("rebuilt amount = %q", vars["amount"])
	}
	if fa, fb := fingerprint(t, a.reg), fingerprint(t, b.reg); fa != fb {
		t.Errorf("rebuilt state diverges:\nlive:\n%s\nrebuilt:\n%s", fa, fb)
	}
}

func TestRecoverMidFlightCase(t *testing.T) {
	log := eventlog.NewMemory()
	a := newHarnessOver(t, log, Config{})
	a.load(parallelDoc)
	caseID := a.launch("UID_intake", nil)
	a.work(a.taskItem(caseID, "Prep", workitem.StatusEnabled).ID, "")
	left := a.taskItem(caseID, "Left", workitem.StatusEnabled)
	if _, err := a.reg.Checkout(context.Background(), left.ID, "carol"); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	b := newHarnessOver(t, log, Config{})
	b.recover()

	s, err := b.reg.WorkItem(left.ID)
	if err != nil {
		t.Fatalf("left item: %v", err)
	}
	if s.Status != workitem.StatusStarted || s.Owner != "carol" {
		t.Errorf("left after recovery = %+v", s)
	}
	right := b.taskItem(caseID, "Right", workitem.StatusEnabled)

	if _, err := b.reg.Checkin(context.Background(), left.ID, "carol", nil); err != nil {
		t.Fatalf("checkin left: %v", err)
	}
	b.work(right.ID, "")
	b.work(b.taskItem(caseID, "Join", workitem.StatusEnabled).ID, "")
	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Errorf("case status = %s, want completed", got)
	}
}

func TestRecoverCompositeSubCase(t *testing.T) {
	log := eventlog.NewMemory()
	a := newHarnessOver(t, log, Config{})
	a.load(reviewDoc)
	caseID := a.launch("UID_review", nil)
	subID := caseID + ".1"
	a.taskItem(subID, "Decide", workitem.StatusEnabled)

	b := newHarnessOver(t, log, Config{})
	b.recover()

	view, err := b.reg.GetCase(context.Background(), caseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if len(view.Frames) != 2 {
		t.Fatalf("rebuilt case has %d frames, want 2: %+v", len(view.Frames), view.Frames)
	}
	sub, err := b.reg.GetCase(context.Background(), subID)
	if err != nil {
		t.Fatalf("get sub-case: %v", err)
	}
	if sub.CaseID != caseID {
		t.Errorf("sub-case resolves to %s, want root %s", sub.CaseID, caseID)
	}
	parent, err := b.reg.WorkItem(workitem.ItemID(caseID, "Review", 1))
	if err != nil {
		t.Fatalf("parent item: %v", err)
	}
	if parent.Status != workitem.StatusStarted || parent.Owner != "engine" {
		t.Errorf("composite parent item = %+v", parent)
	}

	decide := b.taskItem(subID, "Decide", workitem.StatusEnabled)
	if decide.InputXML == "" || !strings.Contains(decide.InputXML, "contract") {
		t.Errorf("sub-case input lost the mapped subject: %q", decide.InputXML)
	}
	b.work(decide.ID, "<task><verdict>approved</verdict></task>")

	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Fatalf("case status = %s, want completed", got)
	}
	vars, err := b.reg.CaseData(context.Background(), caseID)
	if err != nil {
		t.Fatalf("case data: %v", err)
	}
	if vars["verdict"] != "approved" {
		t.Errorf("verdict = %q, want approved", vars["verdict"])
	}
}

func TestRecoverRetryAttempts(t *testing.T) {
	log := eventlog.NewMemory()
	a := newHarnessOver(t, log, Config{})
	a.xcli.onFailure = func(runner.ExceptionNotice) runner.Decision { return runner.DecisionRetry }
	a.load(retryDoc)
	caseID := a.launch("UID_flaky", nil)
	itemID := a.item(caseID, workitem.StatusEnabled).ID
	ctx := context.Background()
	if _, err := a.reg.Checkout(ctx, itemID, "dave"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := a.reg.FailItem(ctx, itemID, "dave", "downstream 503"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	b := newHarnessOver(t, log, Config{})
	b.recover()

	s, err := b.reg.WorkItem(itemID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if s.Status != workitem.StatusEnabled || s.Attempts != 1 {
		t.Errorf("after recovery = %+v, want Enabled with one attempt", s)
	}
	b.work(itemID, "")
	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Errorf("case status = %s, want completed", got)
	}
}

type gapLog struct {
	events []eventlog.Event
}

func (l *gapLog) Append(context.Context, eventlog.Event) (int64, error) {
	return 0, errors.New("read-only")
}

func (l *gapLog) Replay(_ context.Context, fromSeq int64, fn func(eventlog.Event) error) error {
	for _, e := range l.events {
		if e.Sequence < fromSeq {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *gapLog) LatestSequence(context.Context) (int64, error) {
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[len(l.events)-1].Sequence, nil
}

func TestRecoverSequenceGapAborts(t *testing.T) {
	load := func(seq int64, doc string) eventlog.Event {
		e := eventlog.New(eventlog.TypeSpecLoaded, "", "UID_x", map[string]any{"source": doc})
		e.Sequence = seq
		return e
	}
	h := newHarnessOver(t, &gapLog{events: []eventlog.Event{
		load(1, lineDoc),
		load(3, parallelDoc),
	}}, Config{})

	err := h.reg.Recover(context.Background())
	if err == nil || !strings.Contains(err.Error(), "gap") {
		t.Errorf("recover over gapped log = %v, want gap error", err)
	}
}

func TestReconcileFinishesInterruptedFiring(t *testing.T) {
	a := newHarness(t, Config{})
	a.load(lineDoc)
	caseID := a.launch("UID_billing", nil)
	a.work(a.item(caseID, workitem.StatusEnabled).ID, "")

	// Crash after the completion event but before the marking that
	// records the fired output side.
	chopped := chopLog(t, a.log, func(e eventlog.Event) bool {
		return e.Type == eventlog.TypeItemCompleted
	})
	choppedLen, _ := chopped.LatestSequence(context.Background())

	b := newHarnessOver(t, chopped, Config{})
	b.recover()
	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Fatalf("reconciled status = %s, want completed", got)
	}
	afterLen, _ := chopped.LatestSequence(context.Background())
	if afterLen <= choppedLen {
		t.Error("reconciliation appended nothing to the log")
	}

	// The log the reconciliation produced must itself replay cleanly.
	c := newHarnessOver(t, chopped, Config{})
	c.recover()
	if got := c.status(caseID); got != runner.StatusCompleted {
		t.Errorf("second rebuild status = %s, want completed", got)
	}
}

func TestReconcileWithdrawsOrphanEnabledItem(t *testing.T) {
	a := newHarness(t, Config{})
	a.load(lineDoc)
	caseID := a.launch("UID_billing", nil)

	// Crash after the enablement event but before the marking that
	// records the task as busy.
	chopped := chopLog(t, a.log, func(e eventlog.Event) bool {
		return e.Type == eventlog.TypeItemEnabled
	})

	b := newHarnessOver(t, chopped, Config{})
	b.recover()

	first, err := b.reg.WorkItem(workitem.ItemID(caseID, "Bill", 1))
	if err != nil {
		t.Fatalf("first item: %v", err)
	}
	if first.Status != workitem.StatusWithdrawn {
		t.Errorf("orphan item = %s, want Withdrawn", first.Status)
	}
	second := b.taskItem(caseID, "Bill", workitem.StatusEnabled)
	if second.ID == first.ID {
		t.Fatalf("refire reused the orphan id %s", first.ID)
	}
	b.work(second.ID, "")
	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Errorf("case status = %s, want completed", got)
	}
}

func TestReplayDeterminism(t *testing.T) {
	log := eventlog.NewMemory()
	a := newHarnessOver(t, log, Config{})
	ctx := context.Background()
	a.load(lineDoc)
	a.load(parallelDoc)

	c1 := a.launch("UID_billing", map[string]string{"amount": "9"})
	a.work(a.item(c1, workitem.StatusEnabled).ID, "")

	c2 := a.launch("UID_intake", nil)
	a.work(a.taskItem(c2, "Prep", workitem.StatusEnabled).ID, "")
	if _, err := a.reg.Checkout(ctx, a.taskItem(c2, "Left", workitem.StatusEnabled).ID, "erin"); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	c3 := a.launch("UID_billing", nil)
	if err := a.reg.SuspendCase(ctx, c3); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	c4 := a.launch("UID_billing", nil)
	if err := a.reg.CancelCase(ctx, c4); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	b1 := newHarnessOver(t, log, Config{})
	b1.recover()
	b2 := newHarnessOver(t, log, Config{})
	b2.recover()

	fa := fingerprint(t, a.reg)
	f1 := fingerprint(t, b1.reg)
	f2 := fingerprint(t, b2.reg)
	if fa != f1 {
		t.Errorf("rebuild diverges from live state:\nlive:\n%s\nrebuilt:\n%s", fa, f1)
	}
	if f1 != f2 {
		t.Errorf("two rebuilds disagree:\n%s\n---\n%s", f1, f2)
	}

	// Launches after recovery continue the id sequence.
	if next, err := b1.reg.LaunchCase(ctx, "UID_billing", nil); err != nil || next != "5" {
		t.Errorf("next case id = %q (%v), want 5", next, err)
	}
}
