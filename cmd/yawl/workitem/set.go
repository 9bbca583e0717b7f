package workitem

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports a lookup for an item the set does not hold.
var ErrNotFound = errors.New("work item not found")

// Summary is a read-only copy of an item for queries and API responses.
type Summary struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	Instance    int       `json:"instance"`
	Status      Status    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	EnabledAt   time.Time `json:"enabled_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	InputXML    string    `json:"input,omitempty"`
	OutputXML   string    `json:"output,omitempty"`
}

// Filter narrows a work-item query. Zero fields match everything;
// TaskNames restricts to items whose task name is in the list, for
// agent-scoped sessions.
type Filter struct {
	CaseID    string
	TaskID    string
	Status    Status
	Owner     string
	TaskNames []string
}

func (f Filter) matches(i *Item) bool {
	if f.CaseID != "" && i.CaseID != f.CaseID {
		return false
	}
	if f.TaskID != "" && i.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.Owner != "" && i.Owner != f.Owner {
		return false
	}
	if f.TaskNames != nil {
		found := false
		for _, name := range f.TaskNames {
			if i.TaskName == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Set holds every live and recently finished item across cases. Logical
// transitions run under the owning case's lock; the set's own mutex makes
// cross-case queries safe against concurrent mutation.
type Set struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{items: make(map[string]*Item)}
}

// Add registers a new item.
func (s *Set) Add(item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("work item %s already exists", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

// Mutate runs fn on the named item under the write lock.
func (s *Set) Mutate(id string, fn func(*Item) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return fn(item)
}

// Get returns a summary of one item.
func (s *Set) Get(id string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Summary{}, false
	}
	return summarise(item), true
}

// View lists summaries matching the filter, ordered by id for stable
// output.
func (s *Set) View(f Filter) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Summary
	for _, item := range s.items {
		if f.matches(item) {
			out = append(out, summarise(item))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// LiveIDs lists the non-terminal items of a case, optionally narrowed to
// one task. Used for cancellation and multi-instance bookkeeping.
func (s *Set) LiveIDs(caseID, taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, item := range s.items {
		if item.CaseID != caseID || item.Status.Terminal() {
			continue
		}
		if taskID != "" && item.TaskID != taskID {
			continue
		}
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)
	return ids
}

// AnyLive reports whether a case still has non-terminal items.
func (s *Set) AnyLive(caseID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.CaseID == caseID && !item.Status.Terminal() {
			return true
		}
	}
	return false
}

// CountByTask tallies a task's instances by status, for multi-instance
// threshold checks.
func (s *Set) CountByTask(caseID, taskID string) map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, item := range s.items {
		if item.CaseID == caseID && item.TaskID == taskID {
			counts[item.Status]++
		}
	}
	return counts
}

// NextInstance returns one past the highest instance number minted for a
// task, starting at 1.
func (s *Set) NextInstance(caseID, taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 1
	for _, item := range s.items {
		if item.CaseID == caseID && item.TaskID == taskID && item.Instance >= next {
			next = item.Instance + 1
		}
	}
	return next
}

// Overdue lists started items past their SLA that have not yet fired a
// timeout notification.
func (s *Set) Overdue(now time.Time) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Summary
	for _, item := range s.items {
		if item.Status != StatusStarted || item.SLA <= 0 || item.TimeoutFired {
			continue
		}
		if now.Sub(item.StartedAt) > item.SLA {
			out = append(out, summarise(item))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ActiveCount reports the number of non-terminal items held.
func (s *Set) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if !item.Status.Terminal() {
			n++
		}
	}
	return n
}

// DropCase forgets every item of a retired case.
func (s *Set) DropCase(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.CaseID == caseID {
			delete(s.items, id)
		}
	}
}

// DropTree forgets every item of a retired case and of its sub-cases.
func (s *Set) DropTree(rootID string) {
	prefix := rootID + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.CaseID == rootID || strings.HasPrefix(item.CaseID, prefix) {
			delete(s.items, id)
		}
	}
}

func summarise(i *Item) Summary {
	out := Summary{
		ID:          i.ID,
		CaseID:      i.CaseID,
		TaskID:      i.TaskID,
		TaskName:    i.TaskName,
		Instance:    i.Instance,
		Status:      i.Status,
		Owner:       i.Owner,
		Reason:      i.Reason,
		Attempts:    i.Attempts,
		TimedOut:    i.TimeoutFired,
		EnabledAt:   i.EnabledAt,
		StartedAt:   i.StartedAt,
		CompletedAt: i.CompletedAt,
	}
	if i.Input != nil {
		out.InputXML = i.Input.XML()
	}
	if i.Output != nil {
		out.OutputXML = i.Output.XML()
	}
	return out
}
