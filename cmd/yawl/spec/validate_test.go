package spec

import (
	"strings"
	"testing"
)

// Builders shared by the package tests.

func testNet(id string, conditions []*Condition, tasks []*Task, flows []*Flow) *Net {
	return &Net{ID: id, Conditions: conditions, Tasks: tasks, Flows: flows}
}

func testSpec(root *Net, more ...*Net) *Specification {
	s := &Specification{
		ID:      ID{Identifier: "spec-1", Version: "0.1", URI: "test"},
		RootNet: root.ID,
		Nets:    map[string]*Net{root.ID: root},
		Atomic:  map[string]*AtomicDecomposition{},
	}
	for _, n := range more {
		s.Nets[n.ID] = n
	}
	return s
}

func in(id string) *Condition    { return &Condition{ID: id, Kind: InputCondition} }
func out(id string) *Condition   { return &Condition{ID: id, Kind: OutputCondition} }
func cond(id string) *Condition  { return &Condition{ID: id, Kind: NormalCondition} }
func atomic(id string) *Task     { return &Task{ID: id} }
func flow(src, dst string) *Flow { return &Flow{Source: src, Target: dst} }

// line builds the i -> T1 -> o straight-through net used across tests.
func line() *Net {
	return testNet("net",
		[]*Condition{in("i"), out("o")},
		[]*Task{atomic("T1")},
		[]*Flow{flow("i", "T1"), flow("T1", "o")},
	)
}

func TestFinaliseValidNet(t *testing.T) {
	s := testSpec(line())
	diags := s.Finalise()
	if HasFatal(diags) {
		t.Fatalf("expected clean finalise, got %v", diags)
	}
	if !s.Finalised() {
		t.Error("specification not marked finalised")
	}
}

func TestValidateDetectsStructuralFaults(t *testing.T) {
	tests := []struct {
		name    string
		net     *Net
		wantMsg string
	}{
		{
			name: "task without incoming flow",
			net: testNet("net",
				[]*Condition{in("i"), out("o")},
				[]*Task{atomic("T1"), atomic("T2")},
				[]*Flow{flow("i", "T1"), flow("T1", "o"), flow("T2", "o")},
			),
			wantMsg: "no incoming flow",
		},
		{
			name: "task without outgoing flow",
			net: testNet("net",
				[]*Condition{in("i"), out("o")},
				[]*Task{atomic("T1"), atomic("T2")},
				[]*Flow{flow("i", "T1"), flow("T1", "o"), flow("i", "T2")},
			),
			wantMsg: "no outgoing flow",
		},
		{
			name: "flow to unknown element",
			net: testNet("net",
				[]*Condition{in("i"), out("o")},
				[]*Task{atomic("T1")},
				[]*Flow{flow("i", "T1"), flow("T1", "o"), flow("T1", "ghost")},
			),
			wantMsg: `flow target "ghost"`,
		},
		{
			name: "input condition with incoming flow",
			net: testNet("net",
				[]*Condition{in("i"), out("o")},
				[]*Task{atomic("T1")},
				[]*Flow{flow("i", "T1"), flow("T1", "o"), flow("T1", "i")},
			),
			wantMsg: "has incoming flows",
		},
		{
			name: "output condition with outgoing flow",
			net: testNet("net",
				[]*Condition{in("i"), out("o")},
				[]*Task{atomic("T1")},
				[]*Flow{flow("i", "T1"), flow("T1", "o"), flow("o", "T1")},
			),
			wantMsg: "has outgoing flows",
		},
		{
			name: "condition to condition flow",
			net: testNet("net",
				[]*Condition{in("i"), cond("c1"), out("o")},
				[]*Task{atomic("T1")},
				[]*Flow{flow("i", "c1"), flow("c1", "T1"), flow("T1", "o")},
			),
			wantMsg: "must connect a condition and a task",
		},
		{
			name: "no input condition",
			net: testNet("net",
				[]*Condition{out("o")},
				[]*Task{atomic("T1")},
				[]*Flow{flow("T1", "o")},
			),
			wantMsg: "no input condition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSpec(tt.net)
			diags := s.Finalise()
			if !HasFatal(diags) {
				t.Fatalf("expected fatal diagnostic containing %q, got %v", tt.wantMsg, diags)
			}
			found := false
			for _, d := range diags {
				if d.Severity == Fatal && strings.Contains(d.Message, tt.wantMsg) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("no fatal diagnostic contains %q: %v", tt.wantMsg, diags)
			}
		})
	}
}

func TestValidateUnreachableOutput(t *testing.T) {
	// T1 loops between i-side places and never feeds o.
	net := testNet("net",
		[]*Condition{in("i"), cond("c1"), out("o")},
		[]*Task{atomic("T1"), atomic("T2")},
		[]*Flow{flow("i", "T1"), flow("T1", "c1"), flow("c1", "T1"), flow("c1", "T2"), flow("T2", "c1")},
	)
	// T2 keeps an outgoing flow so only reachability trips.
	s := testSpec(net)
	diags := s.Finalise()
	found := false
	for _, d := range diags {
		if d.Severity == Fatal && strings.Contains(d.Message, "output condition unreachable") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unreachable-output diagnostic, got %v", diags)
	}
}

func TestValidateMIBounds(t *testing.T) {
	tests := []struct {
		name      string
		mi        *MultiInstance
		wantFatal bool
	}{
		{"well formed", &MultiInstance{Min: 2, Max: 4, Threshold: 2}, false},
		{"min exceeds threshold", &MultiInstance{Min: 3, Max: 4, Threshold: 2}, true},
		{"threshold exceeds max", &MultiInstance{Min: 1, Max: 2, Threshold: 3}, true},
		{"zero min", &MultiInstance{Min: 0, Max: 2, Threshold: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := line()
			net.Tasks[0].MI = tt.mi
			diags := testSpec(net).Finalise()
			if got := HasFatal(diags); got != tt.wantFatal {
				t.Errorf("HasFatal = %v, want %v (diags %v)", got, tt.wantFatal, diags)
			}
		})
	}
}

func TestValidateCancelSetMembers(t *testing.T) {
	net := line()
	net.Tasks[0].CancelSet = []string{"missing"}
	diags := testSpec(net).Finalise()
	if !HasFatal(diags) {
		t.Fatalf("expected fatal diagnostic for unknown cancel set member, got %v", diags)
	}
}

func TestValidateRecursiveDecomposition(t *testing.T) {
	parent := line()
	parent.Tasks[0].DecompositionID = "child"

	childTask := atomic("C1")
	childTask.DecompositionID = "net" // back to the root net
	child := testNet("child",
		[]*Condition{in("ci"), out("co")},
		[]*Task{childTask},
		[]*Flow{flow("ci", "C1"), flow("C1", "co")},
	)

	s := testSpec(parent, child)
	diags := s.Finalise()
	found := false
	for _, d := range diags {
		if d.Severity == Fatal && strings.Contains(d.Message, "recursive decomposition") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected recursive decomposition diagnostic, got %v", diags)
	}
}

func TestValidateUnknownDecomposition(t *testing.T) {
	net := line()
	net.Tasks[0].DecompositionID = "nowhere"
	diags := testSpec(net).Finalise()
	if !HasFatal(diags) {
		t.Fatalf("expected fatal diagnostic for unknown decomposition, got %v", diags)
	}
}

func TestNormaliseInsertsImplicitCondition(t *testing.T) {
	net := testNet("net",
		[]*Condition{in("i"), out("o")},
		[]*Task{atomic("T1"), atomic("T2")},
		[]*Flow{flow("i", "T1"), {Source: "T1", Target: "T2", Predicate: "/x = 1", Ordering: 3}, flow("T2", "o")},
	)
	s := testSpec(net)
	if diags := s.Finalise(); HasFatal(diags) {
		t.Fatalf("finalise failed: %v", diags)
	}

	implicit := net.Condition("c{T1_T2}")
	if implicit == nil {
		t.Fatal("implicit condition not inserted between T1 and T2")
	}
	if !implicit.Implicit {
		t.Error("inserted condition not marked implicit")
	}

	outFlows := net.OutgoingFlows("T1")
	if len(outFlows) != 1 {
		t.Fatalf("T1 outgoing flows = %d, want 1", len(outFlows))
	}
	if outFlows[0].Target != implicit.ID {
		t.Errorf("T1 flows to %q, want %q", outFlows[0].Target, implicit.ID)
	}
	if outFlows[0].Predicate != "/x = 1" || outFlows[0].Ordering != 3 {
		t.Error("predicate and ordering not preserved on the task-side hop")
	}
	if got := net.IncomingFlows("T2"); len(got) != 1 || got[0].Source != implicit.ID {
		t.Errorf("T2 incoming flows = %v, want one from %q", got, implicit.ID)
	}
}

func TestIDEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b ID
		want bool
	}{
		{
			"full triple match",
			ID{Identifier: "u1", Version: "1.0", URI: "spec"},
			ID{Identifier: "u1", Version: "1.0", URI: "other"},
			true,
		},
		{
			"version mismatch",
			ID{Identifier: "u1", Version: "1.0", URI: "spec"},
			ID{Identifier: "u1", Version: "2.0", URI: "spec"},
			false,
		},
		{
			"legacy uri fallback",
			ID{URI: "spec"},
			ID{Identifier: "u1", Version: "1.0", URI: "spec"},
			true,
		},
		{
			"legacy uri mismatch",
			ID{URI: "spec"},
			ID{URI: "other"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equals(tt.b); got != tt.want {
				t.Errorf("Equals = %v, want %v", got, tt.want)
			}
		})
	}
}
