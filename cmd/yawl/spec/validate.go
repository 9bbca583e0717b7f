package spec

import "fmt"

// Severity of a validation diagnostic.
type Severity int

const (
	Warning Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "warning"
}

// Diagnostic is one validation finding. A specification with any fatal
// diagnostic is not admitted to the engine.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Element  string   `json:"element"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Element, d.Message)
}

// HasFatal reports whether any diagnostic is fatal.
func HasFatal(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == Fatal {
			return true
		}
	}
	return false
}

// Messages flattens diagnostics to strings for error payloads.
func Messages(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.String()
	}
	return out
}

func (s *Specification) validate() []Diagnostic {
	var diags []Diagnostic

	fatal := func(element, format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: Fatal, Element: element, Message: fmt.Sprintf(format, args...)})
	}

	if s.ID.Key() == "" {
		fatal("specification", "missing identifier and uri")
	}
	if s.RootNet == "" {
		fatal("specification", "no root net declared")
		return diags
	}
	if s.Nets[s.RootNet] == nil {
		fatal("specification", "root net %q not found", s.RootNet)
		return diags
	}

	for _, net := range s.Nets {
		diags = append(diags, s.validateNet(net)...)
	}

	diags = append(diags, s.validateDecompositionDAG()...)

	return diags
}

func (s *Specification) validateNet(n *Net) []Diagnostic {
	var diags []Diagnostic

	fatal := func(element, format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: Fatal, Element: element, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(element, format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: Warning, Element: element, Message: fmt.Sprintf(format, args...)})
	}

	if n.inputID == "" {
		fatal(n.ID, "net has no input condition")
	}
	if n.outputID == "" {
		fatal(n.ID, "net has no output condition")
	}

	exists := func(id string) bool {
		return n.conditions[id] != nil || n.tasks[id] != nil
	}

	for _, f := range n.Flows {
		if !exists(f.Source) {
			fatal(n.ID, "flow source %q does not exist", f.Source)
		}
		if !exists(f.Target) {
			fatal(n.ID, "flow target %q does not exist", f.Target)
		}
		srcTask := n.tasks[f.Source] != nil
		dstTask := n.tasks[f.Target] != nil
		if srcTask == dstTask && exists(f.Source) && exists(f.Target) {
			fatal(n.ID, "flow %s->%s must connect a condition and a task", f.Source, f.Target)
		}
	}

	if n.inputID != "" && len(n.flowsInto[n.inputID]) > 0 {
		fatal(n.ID, "input condition %q has incoming flows", n.inputID)
	}
	if n.outputID != "" && len(n.flowsFrom[n.outputID]) > 0 {
		fatal(n.ID, "output condition %q has outgoing flows", n.outputID)
	}

	for _, t := range n.Tasks {
		if len(n.flowsInto[t.ID]) == 0 {
			fatal(t.ID, "task has no incoming flow")
		}
		if len(n.flowsFrom[t.ID]) == 0 {
			fatal(t.ID, "task has no outgoing flow")
		}

		out := n.flowsFrom[t.ID]
		switch t.Split {
		case GateAnd:
			for _, f := range out {
				if f.Predicate != "" {
					warn(t.ID, "predicate on AND-split flow %s->%s is ignored", f.Source, f.Target)
				}
			}
		case GateXor, GateOr:
			if len(out) == 1 {
				warn(t.ID, "%s-split with a single branch", t.Split)
			}
			if defaults := countDefaultBranches(out); defaults > 1 {
				fatal(t.ID, "%s-split marks %d default branches", t.Split, defaults)
			}
		}

		if t.Join == GateXor || t.Join == GateOr {
			if len(n.flowsInto[t.ID]) == 1 {
				warn(t.ID, "%s-join with a single incoming flow", t.Join)
			}
		}

		if t.MI != nil {
			mi := t.MI
			if mi.Min < 1 || mi.Min > mi.Threshold || mi.Threshold > mi.Max {
				fatal(t.ID, "multi-instance bounds must satisfy 1 <= min <= threshold <= max, got min=%d threshold=%d max=%d",
					mi.Min, mi.Threshold, mi.Max)
			}
		}

		for _, id := range t.CancelSet {
			if !exists(id) {
				fatal(t.ID, "cancellation set member %q does not exist", id)
			}
		}

		if t.DecompositionID != "" {
			if s.Nets[t.DecompositionID] == nil && s.Atomic[t.DecompositionID] == nil {
				fatal(t.ID, "decomposition %q does not exist", t.DecompositionID)
			}
		}
	}

	// Structural liveness: a token seeded at the input condition must be
	// able to reach the output condition in the static graph.
	if n.inputID != "" && n.outputID != "" {
		reach := n.reachableFrom(n.inputID)
		if !reach[n.outputID] {
			fatal(n.ID, "output condition unreachable from input condition")
		}
		for _, t := range n.Tasks {
			if !reach[t.ID] {
				warn(t.ID, "task unreachable from input condition")
			}
		}
	}

	return diags
}

func countDefaultBranches(flows []*Flow) int {
	count := 0
	for _, f := range flows {
		if f.IsDefault {
			count++
		}
	}
	return count
}

// validateDecompositionDAG rejects recursive sub-net references with a
// depth-first search carrying the recursion stack.
func (s *Specification) validateDecompositionDAG() []Diagnostic {
	var diags []Diagnostic
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(netID string) bool
	visit = func(netID string) bool {
		visited[netID] = true
		recStack[netID] = true
		defer func() { recStack[netID] = false }()

		net := s.Nets[netID]
		if net == nil {
			return false
		}
		for _, t := range net.Tasks {
			sub := s.Nets[t.DecompositionID]
			if sub == nil {
				continue
			}
			if recStack[sub.ID] {
				diags = append(diags, Diagnostic{
					Severity: Fatal,
					Element:  t.ID,
					Message:  fmt.Sprintf("recursive decomposition: net %q reached again via task %q", sub.ID, t.ID),
				})
				return true
			}
			if !visited[sub.ID] && visit(sub.ID) {
				return true
			}
		}
		return false
	}

	visit(s.RootNet)
	return diags
}
