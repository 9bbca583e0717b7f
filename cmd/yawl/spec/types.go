// Package spec holds the in-memory model of a YAWL workflow specification:
// nets, conditions, tasks, flows, and decompositions. A specification is
// immutable once finalised and freely shared across cases.
package spec

import (
	"fmt"
	"sort"
	"time"
)

// ID identifies a specification by the (identifier, version, uri) triple.
type ID struct {
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	URI        string `json:"uri"`
}

// Key returns the stable lookup key. Pre-versioned specifications carry no
// identifier and fall back to the URI.
func (id ID) Key() string {
	if id.Identifier != "" {
		return id.Identifier
	}
	return id.URI
}

// Equals compares two ids, using the legacy URI fallback when either side
// predates identifiers.
func (id ID) Equals(other ID) bool {
	if id.Identifier == "" || other.Identifier == "" {
		return id.URI == other.URI
	}
	return id.Identifier == other.Identifier && id.Version == other.Version
}

func (id ID) String() string {
	if id.Version == "" {
		return id.Key()
	}
	return fmt.Sprintf("%s:%s", id.Key(), id.Version)
}

// GateType is a task's join or split behaviour.
type GateType int

const (
	GateAnd GateType = iota
	GateXor
	GateOr
)

func (g GateType) String() string {
	switch g {
	case GateAnd:
		return "and"
	case GateXor:
		return "xor"
	case GateOr:
		return "or"
	default:
		return "unknown"
	}
}

// ParseGate maps the XML code attribute to a GateType.
func ParseGate(code string) (GateType, error) {
	switch code {
	case "and", "":
		return GateAnd, nil
	case "xor":
		return GateXor, nil
	case "or":
		return GateOr, nil
	default:
		return GateAnd, fmt.Errorf("unknown gate code %q", code)
	}
}

// ConditionKind distinguishes the net's entry and exit places.
type ConditionKind int

const (
	NormalCondition ConditionKind = iota
	InputCondition
	OutputCondition
)

// Condition is a place that can hold tokens. Implicit conditions are
// inserted between directly connected tasks during finalisation.
type Condition struct {
	ID       string
	Kind     ConditionKind
	Implicit bool
}

// CreationMode governs when a multi-instance task mints its instances.
type CreationMode int

const (
	CreationStatic CreationMode = iota
	CreationDynamic
)

// MultiInstance holds the instance bounds of an MI task.
type MultiInstance struct {
	Min          int
	Max          int
	Threshold    int
	CreationMode CreationMode
	// CountQuery evaluates against case data at fire time to size a static
	// MI task. Empty means Min instances.
	CountQuery string
}

// Mapping binds one variable between net data and task data.
type Mapping struct {
	Query  string // XPath over the source document
	MapsTo string // variable name in the target document
}

// Task is a transition in the net.
type Task struct {
	ID              string
	Name            string
	Join            GateType
	Split           GateType
	MI              *MultiInstance
	CancelSet       []string // task and condition ids emptied when this task fires
	DecompositionID string   // resolves to an atomic binding or a sub-net
	Skippable       bool
	RetryLimit      int
	SLA             time.Duration
	InputMappings   []Mapping
	OutputMappings  []Mapping
}

// Flow is a directed edge. After finalisation every flow connects a
// condition to a task or a task to a condition.
type Flow struct {
	Source    string
	Target    string
	Predicate string // XPath guard; empty means unconditional
	Ordering  int    // evaluation order for XOR/OR splits
	IsDefault bool   // fallthrough branch
}

// Variable declares one net-local variable with its initial value.
type Variable struct {
	Name    string
	Type    string
	Initial string
}

// AtomicDecomposition is a task binding worked by an external participant.
type AtomicDecomposition struct {
	ID string
}

// Net is one decomposition with control flow.
type Net struct {
	ID         string
	Variables  []Variable
	Conditions []*Condition
	Tasks      []*Task
	Flows      []*Flow

	inputID  string
	outputID string

	conditions map[string]*Condition
	tasks      map[string]*Task
	flowsFrom  map[string][]*Flow
	flowsInto  map[string][]*Flow
	orCones    map[string]map[string]map[string]bool
}

// Specification is the immutable root. Nets are keyed by decomposition id;
// the root net drives new cases.
type Specification struct {
	ID      ID
	RootNet string
	Nets    map[string]*Net
	Atomic  map[string]*AtomicDecomposition

	// Source keeps the original document for replay after restart.
	Source []byte

	finalised bool
}

// Finalise normalises the nets, builds lookup structures, validates, and
// precomputes the OR-join reachability tables. It returns the validation
// diagnostics; the specification is usable only when none is fatal.
func (s *Specification) Finalise() []Diagnostic {
	if s.finalised {
		return nil
	}
	if s.Nets == nil {
		s.Nets = map[string]*Net{}
	}
	if s.Atomic == nil {
		s.Atomic = map[string]*AtomicDecomposition{}
	}
	for _, net := range s.Nets {
		net.normalise()
		net.index()
	}
	diags := s.validate()
	if !HasFatal(diags) {
		for _, net := range s.Nets {
			net.buildORCones()
		}
		s.finalised = true
	}
	return diags
}

// Finalised reports whether the specification passed validation.
func (s *Specification) Finalised() bool { return s.finalised }

// normalise inserts an implicit condition into every task-to-task flow so
// the marking ranges over conditions only.
func (n *Net) normalise() {
	taskIDs := make(map[string]bool, len(n.Tasks))
	for _, t := range n.Tasks {
		taskIDs[t.ID] = true
	}

	var flows []*Flow
	for _, f := range n.Flows {
		if taskIDs[f.Source] && taskIDs[f.Target] {
			implicit := &Condition{
				ID:       fmt.Sprintf("c{%s_%s}", f.Source, f.Target),
				Kind:     NormalCondition,
				Implicit: true,
			}
			n.Conditions = append(n.Conditions, implicit)
			flows = append(flows,
				&Flow{Source: f.Source, Target: implicit.ID, Predicate: f.Predicate, Ordering: f.Ordering, IsDefault: f.IsDefault},
				&Flow{Source: implicit.ID, Target: f.Target})
			continue
		}
		flows = append(flows, f)
	}
	n.Flows = flows
}

func (n *Net) index() {
	n.conditions = make(map[string]*Condition, len(n.Conditions))
	n.tasks = make(map[string]*Task, len(n.Tasks))
	n.flowsFrom = make(map[string][]*Flow)
	n.flowsInto = make(map[string][]*Flow)

	for _, c := range n.Conditions {
		n.conditions[c.ID] = c
		switch c.Kind {
		case InputCondition:
			n.inputID = c.ID
		case OutputCondition:
			n.outputID = c.ID
		}
	}
	for _, t := range n.Tasks {
		n.tasks[t.ID] = t
	}
	for _, f := range n.Flows {
		n.flowsFrom[f.Source] = append(n.flowsFrom[f.Source], f)
		n.flowsInto[f.Target] = append(n.flowsInto[f.Target], f)
	}
	for id := range n.flowsFrom {
		fs := n.flowsFrom[id]
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Ordering < fs[j].Ordering })
	}
	for id := range n.flowsInto {
		fs := n.flowsInto[id]
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Ordering < fs[j].Ordering })
	}
}
