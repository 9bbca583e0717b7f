package runner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/spec"
)

// CaseStatus is the lifecycle state of a whole case.
type CaseStatus string

const (
	StatusRunning   CaseStatus = "running"
	StatusSuspended CaseStatus = "suspended"
	StatusCompleted CaseStatus = "completed"
	StatusCancelled CaseStatus = "cancelled"
	StatusFailed    CaseStatus = "failed"
)

// Terminal reports whether the case reached a final state.
func (s CaseStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Firing tracks a task that consumed its input tokens but has not yet
// produced output tokens. Instances lists the work items this firing
// minted; threshold accounting runs over exactly these, so an earlier
// firing of the same task on a looping net never leaks into the count.
type Firing struct {
	Instances    []string
	ForceDefault bool // a reroute resolved this task; split takes the default branch
}

// Frame is one net in execution: the root net or a sub-case pushed by a
// composite task. Sub-case frames carry derived case ids (parent.N) and
// point back at the work item they serve.
type Frame struct {
	CaseID       string
	NetID        string
	ParentItemID string
	Marking      Marking
	Busy         map[string]*Firing

	subSeq int
	rr     int
}

// NewFrame creates an unmarked frame.
func NewFrame(caseID, netID, parentItemID string) *Frame {
	return &Frame{
		CaseID:       caseID,
		NetID:        netID,
		ParentItemID: parentItemID,
		Marking:      NewMarking(),
		Busy:         make(map[string]*Firing),
	}
}

// NextChildID mints the next sub-case id under this frame.
func (f *Frame) NextChildID() string {
	f.subSeq++
	return fmt.Sprintf("%s.%d", f.CaseID, f.subSeq)
}

// SeedChildSequence raises the child-id counter to at least n, used when
// frames are rebuilt from the log.
func (f *Frame) SeedChildSequence(n int) {
	if n > f.subSeq {
		f.subSeq = n
	}
}

// BusySnapshot copies the busy table for event payloads.
func (f *Frame) BusySnapshot() map[string]int {
	out := make(map[string]int, len(f.Busy))
	for taskID, firing := range f.Busy {
		out[taskID] = len(firing.Instances)
	}
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Execution is the full live state of one root case, including any
// sub-case frames. The registry guards it with the case lock.
type Execution struct {
	RootID string
	Spec   *spec.Specification
	Status CaseStatus
	Frames map[string]*Frame

	StartedAt     time.Time
	FinishedAt    time.Time
	FailureReason string
}

// NewExecution creates a running execution with an unmarked root frame.
func NewExecution(rootID string, s *spec.Specification) *Execution {
	root := NewFrame(rootID, s.RootNet, "")
	return &Execution{
		RootID:    rootID,
		Spec:      s,
		Status:    StatusRunning,
		Frames:    map[string]*Frame{rootID: root},
		StartedAt: time.Now().UTC(),
	}
}

// Frame returns the frame running under the given case id.
func (e *Execution) Frame(caseID string) *Frame {
	return e.Frames[caseID]
}

// Root returns the root frame.
func (e *Execution) Root() *Frame {
	return e.Frames[e.RootID]
}

// Net resolves a frame's net definition.
func (e *Execution) Net(f *Frame) *spec.Net {
	return e.Spec.Nets[f.NetID]
}

// OrderedFrames lists frames sorted by case id, the root first.
func (e *Execution) OrderedFrames() []*Frame {
	out := make([]*Frame, 0, len(e.Frames))
	for _, f := range e.Frames {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// ParentFrame returns the frame owning a sub-case frame, nil at the root.
func (e *Execution) ParentFrame(f *Frame) *Frame {
	idx := strings.LastIndex(f.CaseID, ".")
	if idx < 0 {
		return nil
	}
	return e.Frames[f.CaseID[:idx]]
}

// SpecKey is the identifier carried on every event of this execution.
func (e *Execution) SpecKey() string {
	return e.Spec.ID.Key()
}

// FrameView is a read-only projection for status responses.
type FrameView struct {
	CaseID  string         `json:"case_id"`
	NetID   string         `json:"net_id"`
	Marking map[string]int `json:"marking"`
	Busy    map[string]int `json:"busy,omitempty"`
}

// CaseView is a read-only projection of the execution.
type CaseView struct {
	CaseID     string      `json:"case_id"`
	SpecID     string      `json:"spec_id"`
	Status     CaseStatus  `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Frames     []FrameView `json:"frames"`
}

// View snapshots the execution. Call under the case lock.
func (e *Execution) View() CaseView {
	view := CaseView{
		CaseID:     e.RootID,
		SpecID:     e.SpecKey(),
		Status:     e.Status,
		Reason:     e.FailureReason,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
	for _, f := range e.OrderedFrames() {
		view.Frames = append(view.Frames, FrameView{
			CaseID:  f.CaseID,
			NetID:   f.NetID,
			Marking: f.Marking.Snapshot(),
			Busy:    f.BusySnapshot(),
		})
	}
	return view
}
