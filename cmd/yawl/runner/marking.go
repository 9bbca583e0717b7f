// Package runner drives cases over their nets: it owns the marking,
// decides enablement, fires tasks, and runs each case to quiescence. All
// entry points expect the caller to hold the case's exclusive lock.
package runner

import (
	"fmt"
	"sort"
)

// Marking is a multiset of tokens over condition ids.
type Marking map[string]int

// NewMarking creates an empty marking.
func NewMarking() Marking {
	return make(Marking)
}

// Add puts n tokens on a place.
func (m Marking) Add(place string, n int) {
	if n == 0 {
		return
	}
	m[place] += n
	if m[place] <= 0 {
		delete(m, place)
	}
}

// Consume removes one token from a place.
func (m Marking) Consume(place string) error {
	if m[place] <= 0 {
		return fmt.Errorf("no token on %s", place)
	}
	m[place]--
	if m[place] == 0 {
		delete(m, place)
	}
	return nil
}

// Count returns the tokens on a place.
func (m Marking) Count(place string) int {
	return m[place]
}

// Marked returns the set of places holding at least one token.
func (m Marking) Marked() map[string]bool {
	out := make(map[string]bool, len(m))
	for place, n := range m {
		if n > 0 {
			out[place] = true
		}
	}
	return out
}

// Total counts all tokens.
func (m Marking) Total() int {
	sum := 0
	for _, n := range m {
		sum += n
	}
	return sum
}

// Empty reports whether no place is marked.
func (m Marking) Empty() bool {
	return len(m) == 0
}

// Clear removes every token.
func (m Marking) Clear() {
	for place := range m {
		delete(m, place)
	}
}

// Snapshot copies the marking for event payloads.
func (m Marking) Snapshot() map[string]int {
	out := make(map[string]int, len(m))
	for place, n := range m {
		out[place] = n
	}
	return out
}

// Places lists the marked places in stable order.
func (m Marking) Places() []string {
	out := make([]string, 0, len(m))
	for place := range m {
		out = append(out, place)
	}
	sort.Strings(out)
	return out
}
