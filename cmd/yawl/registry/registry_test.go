package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/predicate"
	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
	"github.com/yawlengine/yawl/common/logger"
)

const lineDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="billing">
    <metaData>
      <identifier>UID_billing</identifier>
      <version>1.4</version>
      <title>Billing</title>
    </metaData>
    <decomposition id="BillingNet" isRootNet="true">
      <processControlElements>
        <inputCondition id="i">
          <flowsInto><nextElementRef id="Bill"/></flowsInto>
        </inputCondition>
        <task id="Bill">
          <name>Issue invoice</name>
          <flowsInto><nextElementRef id="o"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
      <localVariable>
        <name>amount</name>
        <type>string</type>
        <initialValue>0</initialValue>
      </localVariable>
    </decomposition>
  </specification>
</specificationSet>`

const parallelDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="intake">
    <metaData>
      <identifier>UID_intake</identifier>
      <version>2.0</version>
      <title>Intake</title>
    </metaData>
    <decomposition id="IntakeNet" isRootNet="true">
      <processControlElements>
        <inputCondition id="i">
          <flowsInto><nextElementRef id="Prep"/></flowsInto>
        </inputCondition>
        <task id="Prep">
          <name>Prepare</name>
          <flowsInto><nextElementRef id="Left"/></flowsInto>
          <flowsInto><nextElementRef id="Right"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <task id="Left">
          <name>Left review</name>
          <flowsInto><nextElementRef id="Join"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <task id="Right">
          <name>Right review</name>
          <flowsInto><nextElementRef id="Join"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <task id="Join">
          <name>Consolidate</name>
          <flowsInto><nextElementRef id="o"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
    </decomposition>
  </specification>
</specificationSet>`

const slaDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="audit">
    <metaData>
      <identifier>UID_audit</identifier>
      <version>1.0</version>
      <title>Audit</title>
    </metaData>
    <decomposition id="AuditNet" isRootNet="true">
      <processControlElements>
        <inputCondition id="i">
          <flowsInto><nextElementRef id="Audit"/></flowsInto>
        </inputCondition>
        <task id="Audit">
          <name>Audit books</name>
          <flowsInto><nextElementRef id="o"/></flowsInto>
          <join code="and"/>
          <split code="and"/>
          <timer duration="30m"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
    </decomposition>
  </specification>
</specificationSet>`

const invalidDoc = `<?xml version="1.0" encoding="UTF-8"?>
<specificationSet version="4.0">
  <specification uri="broken">
    <metaData>
      <identifier>UID_broken</identifier>
      <version>1.0</version>
    </metaData>
    <decomposition id="BrokenNet" isRootNet="true">
      <processControlElements>
        <task id="Orphan">
          <join code="and"/>
          <split code="and"/>
        </task>
        <outputCondition id="o"/>
      </processControlElements>
    </decomposition>
  </specification>
</specificationSet>`

func quiet() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type hubStub struct {
	mu     sync.Mutex
	events []eventlog.Event
	drop   []string
}

func (h *hubStub) Publish(e eventlog.Event) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	d := h.drop
	h.drop = nil
	return d
}

func (h *hubStub) countType(t eventlog.Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type exceptionStub struct {
	onFailure func(runner.ExceptionNotice) runner.Decision
	onTimeout func(runner.ExceptionNotice) runner.Decision
}

func (x *exceptionStub) NotifyFailure(_ context.Context, n runner.ExceptionNotice) runner.Decision {
	if x.onFailure != nil {
		return x.onFailure(n)
	}
	return runner.DecisionEscalate
}

func (x *exceptionStub) NotifyTimeout(_ context.Context, n runner.ExceptionNotice) runner.Decision {
	if x.onTimeout != nil {
		return x.onTimeout(n)
	}
	return runner.DecisionContinue
}

type harness struct {
	t    *testing.T
	log  eventlog.Log
	hub  *hubStub
	xcli *exceptionStub
	reg  *Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessOver(t, eventlog.NewMemory(), cfg)
}

func newHarnessOver(t *testing.T, log eventlog.Log, cfg Config) *harness {
	t.Helper()
	eval := predicate.NewEvaluator()
	h := &harness{t: t, log: log, hub: &hubStub{}, xcli: &exceptionStub{}}
	h.reg = New(log, h.hub, workitem.NewSet(), casedata.NewStore(eval), eval, h.xcli, quiet(), cfg)
	return h
}

func (h *harness) load(doc string) {
	h.t.Helper()
	if _, err := h.reg.LoadSpecification(context.Background(), []byte(doc)); err != nil {
		h.t.Fatalf("load specification: %v", err)
	}
}

func (h *harness) launch(key string, initial map[string]string) string {
	h.t.Helper()
	caseID, err := h.reg.LaunchCase(context.Background(), key, initial)
	if err != nil {
		h.t.Fatalf("launch case: %v", err)
	}
	return caseID
}

func (h *harness) item(caseID string, status workitem.Status) workitem.Summary {
	h.t.Helper()
	items := h.reg.WorkItems(workitem.Filter{CaseID: caseID, Status: status})
	if len(items) == 0 {
		h.t.Fatalf("no %s item in case %s", status, caseID)
	}
	return items[0]
}

func (h *harness) work(itemID, output string) {
	h.t.Helper()
	ctx := context.Background()
	if _, err := h.reg.Checkout(ctx, itemID, "tester"); err != nil {
		h.t.Fatalf("checkout %s: %v", itemID, err)
	}
	var out []byte
	if output != "" {
		out = []byte(output)
	}
	if _, err := h.reg.Checkin(ctx, itemID, "tester", out); err != nil {
		h.t.Fatalf("checkin %s: %v", itemID, err)
	}
}

func (h *harness) status(caseID string) runner.CaseStatus {
	h.t.Helper()
	view, err := h.reg.GetCase(context.Background(), caseID)
	if err != nil {
		h.t.Fatalf("get case %s: %v", caseID, err)
	}
	return view.Status
}

func (h *harness) logged(caseID string) []eventlog.Type {
	h.t.Helper()
	var types []eventlog.Type
	err := h.log.Replay(context.Background(), 0, func(e eventlog.Event) error {
		if caseID == "" || e.CaseID == caseID {
			types = append(types, e.Type)
		}
		return nil
	})
	if err != nil {
		h.t.Fatalf("replay: %v", err)
	}
	return types
}

func TestLoadSpecification(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	id, err := h.reg.LoadSpecification(ctx, []byte(lineDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id.Identifier != "UID_billing" || id.Version != "1.4" || id.URI != "billing" {
		t.Errorf("id triple = %+v", id)
	}

	specs := h.reg.Specifications()
	if len(specs) != 1 {
		t.Fatalf("listed %d specs, want 1", len(specs))
	}
	if specs[0].RootNet != "BillingNet" || specs[0].Nets != 1 {
		t.Errorf("spec info = %+v", specs[0])
	}
	if h.hub.countType(eventlog.TypeSpecLoaded) != 1 {
		t.Error("SPECIFICATION_LOADED not announced")
	}

	if _, err := h.reg.LoadSpecification(ctx, []byte(lineDoc)); !faults.Is(err, faults.KindConflict) {
		t.Errorf("duplicate load error = %v, want conflict", err)
	}
}

func TestLoadSpecificationRejectsBrokenDocuments(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.reg.LoadSpecification(ctx, []byte("<specificationSet><unclosed")); !faults.Is(err, faults.KindValidation) {
		t.Errorf("malformed XML error = %v, want validation", err)
	}

	_, err := h.reg.LoadSpecification(ctx, []byte(invalidDoc))
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("invalid net error = %v, want validation", err)
	}
	if len(faults.DiagnosticsOf(err)) == 0 {
		t.Error("validation failure carries no diagnostics")
	}
	if len(h.reg.Specifications()) != 0 {
		t.Error("rejected specification was admitted")
	}
}

func TestUnloadSpecification(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", nil)

	if err := h.reg.UnloadSpecification(ctx, "UID_billing"); !faults.Is(err, faults.KindConflict) {
		t.Errorf("unload with active case = %v, want conflict", err)
	}

	h.work(h.item(caseID, workitem.StatusEnabled).ID, "")
	if got := h.status(caseID); got != runner.StatusCompleted {
		t.Fatalf("case status = %s", got)
	}

	if err := h.reg.UnloadSpecification(ctx, "UID_billing"); err != nil {
		t.Fatalf("unload after completion: %v", err)
	}
	if len(h.reg.Specifications()) != 0 {
		t.Error("spec still listed after unload")
	}
	if err := h.reg.UnloadSpecification(ctx, "UID_billing"); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("second unload = %v, want not found", err)
	}
}

func TestLaunchCase(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.load(lineDoc)

	c1 := h.launch("UID_billing", nil)
	c2 := h.launch("UID_billing", nil)
	if c1 != "1" || c2 != "2" {
		t.Errorf("case ids = %s, %s, want 1, 2", c1, c2)
	}

	if _, err := h.reg.LaunchCase(ctx, "UID_missing", nil); !faults.Is(err, faults.KindConflict) {
		t.Errorf("launch of unloaded spec = %v, want conflict", err)
	}

	view, err := h.reg.GetCase(ctx, c1)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if view.Status != runner.StatusRunning || len(view.Frames) != 1 {
		t.Errorf("view = %+v", view)
	}
	if view.Frames[0].Busy["Bill"] != 1 {
		t.Errorf("Bill not busy after launch: %+v", view.Frames[0])
	}

	want := []eventlog.Type{
		eventlog.TypeCaseStarted,
		eventlog.TypeMarkingChanged,
		eventlog.TypeItemEnabled,
		eventlog.TypeMarkingChanged,
	}
	got := h.logged(c1)
	if len(got) != len(want) {
		t.Fatalf("logged %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("logged %v, want %v", got, want)
		}
	}
}

func TestLaunchSeedsInitialData(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(lineDoc)
	caseID := h.launch("UID_billing", map[string]string{"amount": "250"})

	vars, err := h.reg.CaseData(context.Background(), caseID)
	if err != nil {
		t.Fatalf("case data: %v", err)
	}
	if vars["amount"] != "250" {
		t.Errorf("amount = %q, want 250", vars["amount"])
	}
}

func TestWorkItemRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", nil)
	enabled := h.item(caseID, workitem.StatusEnabled)

	s, err := h.reg.Checkout(ctx, enabled.ID, "alice")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if s.Status != workitem.StatusStarted || s.Owner != "alice" {
		t.Errorf("after checkout = %+v", s)
	}

	s, err = h.reg.Checkin(ctx, enabled.ID, "alice", nil)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if s.Status != workitem.StatusCompleted {
		t.Errorf("after checkin = %+v", s)
	}
	if got := h.status(caseID); got != runner.StatusCompleted {
		t.Errorf("case status = %s, want completed", got)
	}

	if _, err := h.reg.Checkout(ctx, "9:Nope:1", "alice"); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("unknown item checkout = %v, want not found", err)
	}
}

func TestCaseLockBusyTimeout(t *testing.T) {
	h := newHarness(t, Config{LockWait: 20 * time.Millisecond})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", nil)
	enabled := h.item(caseID, workitem.StatusEnabled)

	entry, err := h.reg.entryFor(caseID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	entry.lock <- struct{}{}

	if _, err := h.reg.Checkout(ctx, enabled.ID, "alice"); !faults.Is(err, faults.KindBusy) {
		t.Errorf("checkout against held lock = %v, want busy", err)
	}

	<-entry.lock
	if _, err := h.reg.Checkout(ctx, enabled.ID, "alice"); err != nil {
		t.Errorf("checkout after release: %v", err)
	}
}

type flakyLog struct {
	*eventlog.MemoryLog
	fail atomic.Bool
}

func (l *flakyLog) Append(ctx context.Context, e eventlog.Event) (int64, error) {
	if l.fail.Load() {
		return 0, errors.New("disk full")
	}
	return l.MemoryLog.Append(ctx, e)
}

func TestDegradedFreezeAndRestart(t *testing.T) {
	fl := &flakyLog{MemoryLog: eventlog.NewMemory()}
	h := newHarnessOver(t, fl, Config{})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", nil)
	enabled := h.item(caseID, workitem.StatusEnabled)

	fl.fail.Store(true)
	if _, err := h.reg.Checkout(ctx, enabled.ID, "alice"); !faults.Is(err, faults.KindLog) {
		t.Fatalf("checkout with dead log = %v, want log fault", err)
	}
	if !h.reg.Degraded() {
		t.Fatal("engine not degraded after append failure")
	}
	if h.hub.countType(eventlog.TypeSystemDegraded) != 1 {
		t.Error("SYSTEM_DEGRADED not announced exactly once")
	}

	if _, err := h.reg.LaunchCase(ctx, "UID_billing", nil); !faults.Is(err, faults.KindLog) {
		t.Errorf("launch while degraded = %v, want log fault", err)
	}
	if err := h.reg.CancelCase(ctx, caseID); !faults.Is(err, faults.KindLog) {
		t.Errorf("cancel while degraded = %v, want log fault", err)
	}

	// Reads stay up.
	if _, err := h.reg.GetCase(ctx, caseID); err != nil {
		t.Errorf("read while degraded: %v", err)
	}
	if got := len(h.reg.WorkItems(workitem.Filter{CaseID: caseID})); got != 1 {
		t.Errorf("item listing while degraded = %d entries", got)
	}

	// The restore path is a fresh process replaying the log. The
	// checkout above mutated memory but never reached the log, so the
	// item comes back Enabled.
	fl.fail.Store(false)
	b := newHarnessOver(t, fl, Config{})
	if err := b.reg.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	s, err := b.reg.WorkItem(enabled.ID)
	if err != nil {
		t.Fatalf("item after recovery: %v", err)
	}
	if s.Status != workitem.StatusEnabled {
		t.Errorf("item status after recovery = %s, want Enabled", s.Status)
	}
	b.work(enabled.ID, "")
	if got := b.status(caseID); got != runner.StatusCompleted {
		t.Errorf("case status after restart = %s, want completed", got)
	}
}

func TestRetireAndEvict(t *testing.T) {
	h := newHarness(t, Config{RetireGrace: time.Millisecond})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", nil)
	h.work(h.item(caseID, workitem.StatusEnabled).ID, "")

	// Terminal but inside the grace window: still queryable.
	if _, err := h.reg.GetCase(ctx, caseID); err != nil {
		t.Fatalf("terminal case not queryable: %v", err)
	}
	if st := h.reg.Census(); st.RetiredCases != 1 || st.ActiveCases != 0 {
		t.Errorf("census = %+v", st)
	}

	if n := h.reg.EvictRetired(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("evicted %d cases, want 1", n)
	}
	if _, err := h.reg.GetCase(ctx, caseID); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("evicted case lookup = %v, want not found", err)
	}
	if got := len(h.reg.WorkItems(workitem.Filter{CaseID: caseID})); got != 0 {
		t.Errorf("evicted case still has %d items listed", got)
	}
}

func TestSweepTimeouts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.load(slaDoc)
	caseID := h.launch("UID_audit", nil)
	enabled := h.item(caseID, workitem.StatusEnabled)
	if _, err := h.reg.Checkout(ctx, enabled.ID, "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	var notices atomic.Int32
	h.xcli.onTimeout = func(runner.ExceptionNotice) runner.Decision {
		notices.Add(1)
		return runner.DecisionContinue
	}

	h.reg.SweepTimeouts(ctx, time.Now().Add(time.Hour))
	s, err := h.reg.WorkItem(enabled.ID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if !s.TimedOut || s.Status != workitem.StatusStarted {
		t.Errorf("after sweep = %+v", s)
	}
	tail := h.logged(caseID)
	if tail[len(tail)-1] != eventlog.TypeItemTimeout {
		t.Errorf("last event = %s, want WORKITEM_TIMEOUT", tail[len(tail)-1])
	}

	// A fired timeout does not fire again.
	h.reg.SweepTimeouts(ctx, time.Now().Add(2*time.Hour))
	if n := notices.Load(); n != 1 {
		t.Errorf("handler notified %d times, want 1", n)
	}
}

func TestPatchCaseData(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.load(lineDoc)
	caseID := h.launch("UID_billing", map[string]string{"amount": "100"})

	after, err := h.reg.PatchCaseData(ctx, caseID, []byte(`{"amount":"250","note":"rush"}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if after["amount"] != "250" || after["note"] != "rush" {
		t.Errorf("after patch = %v", after)
	}

	after, err = h.reg.PatchCaseData(ctx, caseID, []byte(`{"note":null}`))
	if err != nil {
		t.Fatalf("removal patch: %v", err)
	}
	if _, present := after["note"]; present {
		t.Errorf("note survived a null patch: %v", after)
	}

	if _, err := h.reg.PatchCaseData(ctx, caseID, []byte(`[1,2]`)); !faults.Is(err, faults.KindValidation) {
		t.Errorf("array patch = %v, want validation", err)
	}

	h.work(h.item(caseID, workitem.StatusEnabled).ID, "")
	if _, err := h.reg.PatchCaseData(ctx, caseID, []byte(`{"amount":"1"}`)); !faults.Is(err, faults.KindConflict) {
		t.Errorf("patch of terminal case = %v, want conflict", err)
	}
}

func TestCasesListing(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(lineDoc)
	c1 := h.launch("UID_billing", nil)
	c2 := h.launch("UID_billing", nil)

	views := h.reg.Cases()
	if len(views) != 2 || views[0].CaseID != c1 || views[1].CaseID != c2 {
		t.Fatalf("listing = %+v", views)
	}
	if len(views[0].Frames) != 1 {
		t.Errorf("first view carries no frames: %+v", views[0])
	}

	// A case mid-operation is reported without waiting on its lock.
	entry, err := h.reg.entryFor(c1)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	entry.lock <- struct{}{}
	views = h.reg.Cases()
	<-entry.lock

	if views[0].Status != runner.StatusRunning || views[0].Frames != nil {
		t.Errorf("busy case view = %+v", views[0])
	}
}

func TestSubscriberDropNotice(t *testing.T) {
	h := newHarness(t, Config{})
	h.load(lineDoc)

	h.hub.drop = []string{"sub-1"}
	h.launch("UID_billing", nil)

	found := false
	err := h.log.Replay(context.Background(), 0, func(e eventlog.Event) error {
		if e.Type == eventlog.TypeSubscriberDropped && e.Payload["subscriber_id"] == "sub-1" {
			found = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !found {
		t.Error("SUBSCRIBER_DROPPED not logged")
	}
	if h.hub.countType(eventlog.TypeSubscriberDropped) == 0 {
		t.Error("drop notice not announced")
	}
}
