// Package workitem models the unit of work a participant sees. Items
// move through a fixed lifecycle; every move is validated here and the
// caller records the matching event while holding the case lock.
package workitem

import (
	"fmt"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
)

// Status is a lifecycle state.
type Status string

const (
	StatusEnabled   Status = "Enabled"
	StatusOffered   Status = "Offered"
	StatusAllocated Status = "Allocated"
	StatusStarted   Status = "Started"
	StatusSuspended Status = "Suspended"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusSkipped   Status = "Skipped"
	StatusWithdrawn Status = "Withdrawn"
)

// Terminal reports whether no further lifecycle moves are allowed.
// Failed is terminal except for an exception decision that retries or
// reroutes the item as part of the failure handling itself.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusWithdrawn:
		return true
	}
	return false
}

// Item is one work item instance.
type Item struct {
	ID       string
	CaseID   string
	TaskID   string
	TaskName string
	Instance int

	Status   Status
	Owner    string
	Reason   string // set on failure
	Attempts int

	Input  *casedata.Document
	Output *casedata.Document

	EnabledAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Skippable    bool
	RetryLimit   int
	SLA          time.Duration
	TimeoutFired bool
}

// ItemID builds the canonical id from the identity triple.
func ItemID(caseID, taskID string, instance int) string {
	return fmt.Sprintf("%s:%s:%d", caseID, taskID, instance)
}

// New creates an Enabled item carrying its extracted input document.
func New(caseID, taskID, taskName string, instance int, input *casedata.Document) *Item {
	return &Item{
		ID:        ItemID(caseID, taskID, instance),
		CaseID:    caseID,
		TaskID:    taskID,
		TaskName:  taskName,
		Instance:  instance,
		Status:    StatusEnabled,
		Input:     input,
		EnabledAt: time.Now().UTC(),
	}
}

func (i *Item) illegal(op string) error {
	return fmt.Errorf("cannot %s work item %s in state %s", op, i.ID, i.Status)
}

// Offer moves Enabled → Offered.
func (i *Item) Offer() error {
	if i.Status != StatusEnabled {
		return i.illegal("offer")
	}
	i.Status = StatusOffered
	return nil
}

// Allocate binds the item to a principal without starting it.
func (i *Item) Allocate(owner string) error {
	switch i.Status {
	case StatusEnabled, StatusOffered:
	default:
		return i.illegal("allocate")
	}
	i.Status = StatusAllocated
	i.Owner = owner
	return nil
}

// Start moves the item into the owner's hands. Checkout reaches here
// straight from Enabled.
func (i *Item) Start(owner string) error {
	switch i.Status {
	case StatusEnabled, StatusOffered:
	case StatusAllocated:
		if i.Owner != "" && i.Owner != owner {
			return fmt.Errorf("work item %s is allocated to %s", i.ID, i.Owner)
		}
	default:
		return i.illegal("start")
	}
	i.Status = StatusStarted
	i.Owner = owner
	i.StartedAt = time.Now().UTC()
	return nil
}

// Complete records the output document and closes the item.
func (i *Item) Complete(output *casedata.Document) error {
	if i.Status != StatusStarted {
		return i.illegal("complete")
	}
	i.Status = StatusCompleted
	i.Output = output
	i.CompletedAt = time.Now().UTC()
	return nil
}

// Skip closes the item without work. Only tasks the specification marks
// skippable may skip.
func (i *Item) Skip() error {
	if !i.Skippable {
		return fmt.Errorf("task %s is not skippable", i.TaskID)
	}
	switch i.Status {
	case StatusEnabled, StatusOffered, StatusAllocated, StatusStarted:
	default:
		return i.illegal("skip")
	}
	i.Status = StatusSkipped
	i.CompletedAt = time.Now().UTC()
	return nil
}

// Fail records a failure reason. The exception decision may follow with
// Retry or Reroute.
func (i *Item) Fail(reason string) error {
	if i.Status != StatusStarted {
		return i.illegal("fail")
	}
	i.Status = StatusFailed
	i.Reason = reason
	i.CompletedAt = time.Now().UTC()
	return nil
}

// Suspend parks a started item.
func (i *Item) Suspend() error {
	if i.Status != StatusStarted {
		return i.illegal("suspend")
	}
	i.Status = StatusSuspended
	return nil
}

// Resume returns a suspended item to Started.
func (i *Item) Resume() error {
	if i.Status != StatusSuspended {
		return i.illegal("resume")
	}
	i.Status = StatusStarted
	return nil
}

// Withdraw removes the item from play, on cancellation or when a
// multi-instance threshold is met. Terminal items stay as they are.
func (i *Item) Withdraw() error {
	if i.Status.Terminal() {
		return i.illegal("withdraw")
	}
	i.Status = StatusWithdrawn
	i.CompletedAt = time.Now().UTC()
	return nil
}

// Retry reopens a failed item when the exception decision asks for it,
// bounded by the task's retry limit.
func (i *Item) Retry() error {
	if i.Status != StatusFailed {
		return i.illegal("retry")
	}
	if i.RetryLimit > 0 && i.Attempts >= i.RetryLimit {
		return fmt.Errorf("work item %s exhausted %d retries", i.ID, i.RetryLimit)
	}
	i.Status = StatusEnabled
	i.Attempts++
	i.Owner = ""
	i.Reason = ""
	i.Output = nil
	i.StartedAt = time.Time{}
	i.CompletedAt = time.Time{}
	i.EnabledAt = time.Now().UTC()
	return nil
}

// Reroute closes a failed item as Skipped so the default branch can
// carry the case forward.
func (i *Item) Reroute() error {
	if i.Status != StatusFailed {
		return i.illegal("reroute")
	}
	i.Status = StatusSkipped
	i.CompletedAt = time.Now().UTC()
	return nil
}

// EventType maps a status to the lifecycle event it emits.
func EventType(s Status) eventlog.Type {
	switch s {
	case StatusEnabled:
		return eventlog.TypeItemEnabled
	case StatusOffered:
		return eventlog.TypeItemOffered
	case StatusAllocated:
		return eventlog.TypeItemAllocated
	case StatusStarted:
		return eventlog.TypeItemStarted
	case StatusCompleted:
		return eventlog.TypeItemCompleted
	case StatusSkipped:
		return eventlog.TypeItemSkipped
	case StatusFailed:
		return eventlog.TypeItemFailed
	case StatusSuspended:
		return eventlog.TypeItemSuspended
	case StatusWithdrawn:
		return eventlog.TypeItemWithdrawn
	default:
		return eventlog.TypeItemEnabled
	}
}
