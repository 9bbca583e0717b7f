// Package eventlog is the engine's source of truth. Every state change
// lands here as an append-only event; recovery and the public event
// stream both read from the same ordered log.
package eventlog

import "time"

// Type distinguishes the event kinds the engine records.
type Type string

const (
	TypeCaseStarted   Type = "CASE_STARTED"
	TypeCaseCompleted Type = "CASE_COMPLETED"
	TypeCaseCancelled Type = "CASE_CANCELLED"
	TypeCaseSuspended Type = "CASE_SUSPENDED"
	TypeCaseResumed   Type = "CASE_RESUMED"
	TypeCaseFailed    Type = "CASE_FAILED"

	TypeItemEnabled   Type = "WORKITEM_ENABLED"
	TypeItemOffered   Type = "WORKITEM_OFFERED"
	TypeItemAllocated Type = "WORKITEM_ALLOCATED"
	TypeItemStarted   Type = "WORKITEM_STARTED"
	TypeItemCompleted Type = "WORKITEM_COMPLETED"
	TypeItemSkipped   Type = "WORKITEM_SKIPPED"
	TypeItemFailed    Type = "WORKITEM_FAILED"
	TypeItemSuspended Type = "WORKITEM_SUSPENDED"
	TypeItemResumed   Type = "WORKITEM_RESUMED"
	TypeItemWithdrawn Type = "WORKITEM_WITHDRAWN"
	TypeItemTimeout   Type = "WORKITEM_TIMEOUT"

	TypeMarkingChanged Type = "NET_MARKING_CHANGED"

	TypeSpecLoaded   Type = "SPECIFICATION_LOADED"
	TypeSpecUnloaded Type = "SPECIFICATION_UNLOADED"

	TypeSystemDegraded    Type = "SYSTEM_DEGRADED"
	TypeSubscriberDropped Type = "SUBSCRIBER_DROPPED"
)

// Event is one log record. Sequence is assigned by the log on append and
// totally orders all events; CaseID is empty for engine-scope events.
type Event struct {
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	CaseID    string         `json:"case_id,omitempty"`
	SpecID    string         `json:"spec_id,omitempty"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an unsequenced event stamped now.
func New(t Type, caseID, specID string, payload map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		CaseID:    caseID,
		SpecID:    specID,
		Type:      t,
		Payload:   payload,
	}
}

// CaseScoped reports whether the event belongs to a single case's stream.
func (e Event) CaseScoped() bool {
	return e.CaseID != ""
}
