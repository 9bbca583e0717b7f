// Package registry owns the set of loaded specifications and live
// cases. It mints case ids, serialises every case operation behind a
// per-case lock, appends events to the log before fanning them out, and
// rebuilds the whole engine state from the log on startup.
package registry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/predicate"
	"github.com/yawlengine/yawl/cmd/yawl/runner"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
	"github.com/yawlengine/yawl/common/logger"
)

// Announcer receives every appended event for fan-out to subscribers.
// Publish must not block; it returns the ids of subscribers it dropped
// for falling too far behind.
type Announcer interface {
	Publish(e eventlog.Event) []string
}

// Config tunes the registry. Zero values take the defaults.
type Config struct {
	// LockWait bounds how long an operation waits for a case lock
	// before returning a busy error.
	LockWait time.Duration
	// RetireGrace is how long a terminal case stays queryable.
	RetireGrace time.Duration
	// MaxFirings caps task firings per quiescence run.
	MaxFirings int
	// DefaultRetryLimit bounds attempts on tasks that declare no retry
	// limit of their own. Zero leaves them unbounded.
	DefaultRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.RetireGrace <= 0 {
		c.RetireGrace = 10 * time.Minute
	}
	return c
}

type specEntry struct {
	spec     *spec.Specification
	loadedAt time.Time
}

// caseEntry pairs an execution with its lock. The lock is a one-slot
// channel: holding the token is holding the case.
type caseEntry struct {
	exec *runner.Execution
	lock chan struct{}

	// retired is set under the registry mutex when the case goes
	// terminal; zero means the case is still active.
	retired time.Time
}

func newCaseEntry(exec *runner.Execution) *caseEntry {
	return &caseEntry{exec: exec, lock: make(chan struct{}, 1)}
}

func (c *caseEntry) acquire(ctx context.Context, wait time.Duration) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return faults.Errorf(faults.KindBusy, "case %s is busy, retry later", c.exec.RootID)
	case <-ctx.Done():
		return faults.Wrap(faults.KindBusy, ctx.Err(), "gave up waiting for case "+c.exec.RootID)
	}
}

func (c *caseEntry) tryAcquire() bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *caseEntry) release() { <-c.lock }

// Registry is the engine kernel behind the external interfaces.
type Registry struct {
	log      eventlog.Log
	announce Announcer
	items    *workitem.Set
	data     *casedata.Store
	eval     *predicate.Evaluator
	runner   *runner.Runner
	logg     *logger.Logger
	cfg      Config

	degraded atomic.Bool

	mu       sync.Mutex
	specs    map[string]*specEntry
	cases    map[string]*caseEntry
	nextCase int64
}

// New wires a registry over the shared engine state. The announcer may
// be nil for replay-only or test use.
func New(log eventlog.Log, announce Announcer, items *workitem.Set, data *casedata.Store, eval *predicate.Evaluator, xcli runner.ExceptionClient, logg *logger.Logger, cfg Config) *Registry {
	r := &Registry{
		log:      log,
		announce: announce,
		items:    items,
		data:     data,
		eval:     eval,
		logg:     logg,
		cfg:      cfg.withDefaults(),
		specs:    make(map[string]*specEntry),
		cases:    make(map[string]*caseEntry),
	}
	r.runner = runner.New(items, data, eval, r.emit, xcli, logg, cfg.MaxFirings)
	r.runner.SetDefaultRetryLimit(r.cfg.DefaultRetryLimit)
	return r
}

// emit appends one event and fans it out. An append failure freezes the
// engine read-only; state already mutated in memory stays, the log
// decides on the next restart.
func (r *Registry) emit(ctx context.Context, e eventlog.Event) error {
	seq, err := r.log.Append(ctx, e)
	if err != nil {
		r.enterDegraded(err)
		return faults.Wrap(faults.KindLog, err, "event log append failed")
	}
	e.Sequence = seq
	r.fanOut(ctx, e)
	return nil
}

func (r *Registry) fanOut(ctx context.Context, e eventlog.Event) {
	if r.announce == nil {
		return
	}
	for _, id := range r.announce.Publish(e) {
		drop := eventlog.New(eventlog.TypeSubscriberDropped, "", "", map[string]any{"subscriber_id": id})
		seq, err := r.log.Append(ctx, drop)
		if err != nil {
			r.enterDegraded(err)
			return
		}
		drop.Sequence = seq
		// Drops of the drop notice are not chased.
		r.announce.Publish(drop)
		r.logg.Warn("subscriber dropped", "subscriber_id", id, "sequence", e.Sequence)
	}
}

func (r *Registry) enterDegraded(cause error) {
	if !r.degraded.CompareAndSwap(false, true) {
		return
	}
	r.logg.Error("event log unavailable, engine is now read-only", "error", cause)
	if r.announce != nil {
		// Announce-only: the log cannot record its own outage.
		r.announce.Publish(eventlog.New(eventlog.TypeSystemDegraded, "", "", map[string]any{"reason": cause.Error()}))
	}
}

// Degraded reports whether the engine is in read-only mode. The flag
// latches for the life of the process: once an append has failed the
// in-memory state may be ahead of the log, and only a restart with a
// fresh replay reconciles the two.
func (r *Registry) Degraded() bool {
	return r.degraded.Load()
}

func (r *Registry) readOnlyErr() error {
	return faults.New(faults.KindLog, "engine is read-only: event log unavailable")
}

// rootOf maps any case id, including sub-case ids, to the root case
// whose lock guards it.
func rootOf(caseID string) string {
	if i := strings.IndexByte(caseID, '.'); i >= 0 {
		return caseID[:i]
	}
	return caseID
}

func (r *Registry) entryFor(caseID string) (*caseEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cases[rootOf(caseID)]
	if !ok {
		return nil, faults.Errorf(faults.KindNotFound, "case %s not found", caseID)
	}
	return entry, nil
}

// withCase runs a mutating operation under the case lock. The caller's
// deadline elapsing mid-operation must not tear the case state, so the
// operation itself runs on an uncancellable context.
func (r *Registry) withCase(ctx context.Context, caseID string, fn func(ctx context.Context, exec *runner.Execution) error) error {
	if r.degraded.Load() {
		return r.readOnlyErr()
	}
	entry, err := r.entryFor(caseID)
	if err != nil {
		return err
	}
	if err := entry.acquire(ctx, r.cfg.LockWait); err != nil {
		return err
	}
	defer entry.release()
	err = fn(context.WithoutCancel(ctx), entry.exec)
	r.maybeRetire(entry)
	return err
}

// readCase runs a read under the case lock. Reads stay available in
// degraded mode.
func (r *Registry) readCase(ctx context.Context, caseID string, fn func(exec *runner.Execution) error) error {
	entry, err := r.entryFor(caseID)
	if err != nil {
		return err
	}
	if err := entry.acquire(ctx, r.cfg.LockWait); err != nil {
		return err
	}
	defer entry.release()
	return fn(entry.exec)
}

// withItem routes an item operation to the case owning the item.
func (r *Registry) withItem(ctx context.Context, itemID string, fn func(ctx context.Context, exec *runner.Execution) error) error {
	s, ok := r.items.Get(itemID)
	if !ok {
		return faults.Errorf(faults.KindNotFound, "work item %s not found", itemID)
	}
	return r.withCase(ctx, s.CaseID, fn)
}

func (r *Registry) maybeRetire(entry *caseEntry) {
	if !entry.exec.Status.Terminal() {
		return
	}
	r.mu.Lock()
	if entry.retired.IsZero() {
		entry.retired = time.Now().UTC()
	}
	r.mu.Unlock()
}

// EvictRetired drops terminal cases whose grace window has elapsed,
// along with their work items and data documents. Returns how many
// cases were evicted.
func (r *Registry) EvictRetired(now time.Time) int {
	r.mu.Lock()
	var evict []string
	for id, entry := range r.cases {
		if !entry.retired.IsZero() && now.Sub(entry.retired) >= r.cfg.RetireGrace {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(r.cases, id)
	}
	r.mu.Unlock()

	for _, id := range evict {
		r.items.DropTree(id)
		r.data.DropTree(id)
		r.logg.Debug("retired case evicted", "case_id", id)
	}
	return len(evict)
}

// SweepTimeouts runs the SLA check over started items and routes each
// breach through its case lock. Safe to call from a ticker goroutine.
func (r *Registry) SweepTimeouts(ctx context.Context, now time.Time) {
	if r.degraded.Load() {
		return
	}
	for _, s := range r.items.Overdue(now) {
		itemID := s.ID
		err := r.withCase(ctx, s.CaseID, func(ctx context.Context, exec *runner.Execution) error {
			return r.runner.HandleTimeout(ctx, exec, itemID)
		})
		if err != nil && !faults.Is(err, faults.KindNotFound) {
			r.logg.Warn("timeout handling failed", "workitem_id", itemID, "error", err)
		}
	}
}

// Stats is a point-in-time census for health and metrics endpoints.
type Stats struct {
	Specifications int  `json:"specifications"`
	ActiveCases    int  `json:"active_cases"`
	RetiredCases   int  `json:"retired_cases"`
	ActiveItems    int  `json:"active_workitems"`
	Degraded       bool `json:"degraded"`
}

// Census counts what the registry currently holds.
func (r *Registry) Census() Stats {
	r.mu.Lock()
	st := Stats{Specifications: len(r.specs)}
	for _, entry := range r.cases {
		if entry.retired.IsZero() {
			st.ActiveCases++
		} else {
			st.RetiredCases++
		}
	}
	r.mu.Unlock()
	st.ActiveItems = r.items.ActiveCount()
	st.Degraded = r.degraded.Load()
	return st
}
