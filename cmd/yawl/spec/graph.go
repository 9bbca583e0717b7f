package spec

// The OR-join needs a non-local question answered at runtime: can any more
// tokens still arrive at an unmarked input place? The search space is the
// static net structure, never the dynamic marking, which bounds it on
// cyclic nets. buildORCones precomputes, per OR-join task and per input
// place, the backward cone of elements that can feed that place without
// passing through the task itself. At runtime the cone filters the sources
// before a bounded backward search settles the path question.

func (n *Net) buildORCones() {
	n.orCones = make(map[string]map[string]map[string]bool)
	for _, t := range n.Tasks {
		if t.Join != GateOr {
			continue
		}
		cones := make(map[string]map[string]bool)
		for _, place := range n.InputPlaces(t.ID) {
			cones[place] = n.backwardCone(place, t.ID)
		}
		n.orCones[t.ID] = cones
	}
}

// backwardCone collects every element from which `from` is reachable in the
// static graph without traversing `avoid`.
func (n *Net) backwardCone(from, avoid string) map[string]bool {
	cone := make(map[string]bool)
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range n.flowsInto[cur] {
			src := f.Source
			if src == avoid || cone[src] {
				continue
			}
			cone[src] = true
			queue = append(queue, src)
		}
	}
	return cone
}

// TriggerPlaces returns the precomputed backward cone for one input place
// of an OR-join task. Nil when the task is not an OR-join.
func (n *Net) TriggerPlaces(taskID, placeID string) map[string]bool {
	cones := n.orCones[taskID]
	if cones == nil {
		return nil
	}
	return cones[placeID]
}

// CanStillReceive reports whether a token can still arrive at `place`, an
// unmarked input place of OR-join task `taskID`, from any element in
// `sources` (marked conditions plus tasks with live work), without first
// consuming from a place in `blocked` (the marked input places of the
// task). The search walks the static graph backward from the place and is
// bounded by a visited set, so cycles terminate.
func (n *Net) CanStillReceive(taskID, place string, sources, blocked map[string]bool) bool {
	cone := n.TriggerPlaces(taskID, place)
	if cone != nil {
		any := false
		for src := range sources {
			if cone[src] {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}

	visited := map[string]bool{place: true}
	queue := []string{place}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range n.flowsInto[cur] {
			src := f.Source
			if src == taskID || visited[src] || blocked[src] {
				continue
			}
			if sources[src] {
				return true
			}
			visited[src] = true
			queue = append(queue, src)
		}
	}
	return false
}

// reachableFrom walks the static graph forward and returns every element
// reachable from the start element, the start excluded unless on a cycle.
func (n *Net) reachableFrom(start string) map[string]bool {
	seen := make(map[string]bool)
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range n.flowsFrom[cur] {
			if seen[f.Target] {
				continue
			}
			seen[f.Target] = true
			queue = append(queue, f.Target)
		}
	}
	return seen
}
