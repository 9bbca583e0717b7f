package spec

// Root returns the root net.
func (s *Specification) Root() *Net {
	return s.Nets[s.RootNet]
}

// SubNet resolves a decomposition id to a net, or nil when the id binds an
// atomic decomposition.
func (s *Specification) SubNet(decompositionID string) *Net {
	return s.Nets[decompositionID]
}

// IsComposite reports whether the task decomposes to a sub-net.
func (s *Specification) IsComposite(t *Task) bool {
	if t.DecompositionID == "" {
		return false
	}
	_, ok := s.Nets[t.DecompositionID]
	return ok
}

// FindTask looks a task up across all nets.
func (s *Specification) FindTask(id string) (*Task, *Net) {
	for _, net := range s.Nets {
		if t := net.Task(id); t != nil {
			return t, net
		}
	}
	return nil, nil
}

// Task returns the task with the given id, or nil.
func (n *Net) Task(id string) *Task {
	return n.tasks[id]
}

// Condition returns the condition with the given id, or nil.
func (n *Net) Condition(id string) *Condition {
	return n.conditions[id]
}

// Input returns the net's input condition id.
func (n *Net) Input() string { return n.inputID }

// Output returns the net's output condition id.
func (n *Net) Output() string { return n.outputID }

// IncomingFlows returns the flows targeting the element, in ordering-index
// order.
func (n *Net) IncomingFlows(id string) []*Flow {
	return n.flowsInto[id]
}

// OutgoingFlows returns the flows leaving the element, in ordering-index
// order.
func (n *Net) OutgoingFlows(id string) []*Flow {
	return n.flowsFrom[id]
}

// InputPlaces returns the ids of the conditions feeding a task, in
// ordering-index order of their flows.
func (n *Net) InputPlaces(taskID string) []string {
	flows := n.flowsInto[taskID]
	places := make([]string, 0, len(flows))
	for _, f := range flows {
		places = append(places, f.Source)
	}
	return places
}

// OutputPlaces returns the ids of the conditions a task feeds, in
// ordering-index order of their flows.
func (n *Net) OutputPlaces(taskID string) []string {
	flows := n.flowsFrom[taskID]
	places := make([]string, 0, len(flows))
	for _, f := range flows {
		places = append(places, f.Target)
	}
	return places
}
