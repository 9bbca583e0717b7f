package casedata

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/yawlengine/yawl/cmd/yawl/predicate"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
)

// ErrUnknownCase reports an operation against a case the store does not
// hold.
var ErrUnknownCase = errors.New("unknown case")

// Store keeps the case documents for every running case, plus the merge
// memo that makes repeated check-ins of the same output a no-op.
type Store struct {
	eval *predicate.Evaluator

	mu     sync.RWMutex
	cases  map[string]*Document
	merges map[string]map[string]string // case id -> work-item id -> output digest
}

// NewStore creates an empty store sharing the engine's evaluator.
func NewStore(eval *predicate.Evaluator) *Store {
	return &Store{
		eval:   eval,
		cases:  make(map[string]*Document),
		merges: make(map[string]map[string]string),
	}
}

// CreateCase initialises a case document from the net's variable
// declarations, then overlays any launch-supplied values.
func (s *Store) CreateCase(caseID string, vars []spec.Variable, initial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[caseID]; exists {
		return fmt.Errorf("case %s already has a data document", caseID)
	}

	doc := NewDocument(CaseRootElement)
	for _, v := range vars {
		doc.SetVariable(v.Name, v.Initial)
	}
	for name, value := range initial {
		doc.SetVariable(name, value)
	}
	s.cases[caseID] = doc
	s.merges[caseID] = make(map[string]string)
	return nil
}

// RestoreCase rebuilds a case document from a serialised snapshot, used
// on replay.
func (s *Store) RestoreCase(caseID string, data []byte) error {
	doc, err := ParseDocument(data)
	if err != nil {
		return fmt.Errorf("failed to restore case %s data: %w", caseID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[caseID] = doc
	if s.merges[caseID] == nil {
		s.merges[caseID] = make(map[string]string)
	}
	return nil
}

// DropCase releases a finished case's document and merge memo.
func (s *Store) DropCase(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, caseID)
	delete(s.merges, caseID)
}

// DropTree releases the documents of a case and all of its sub-cases.
func (s *Store) DropTree(rootID string) {
	prefix := rootID + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.cases {
		if id == rootID || strings.HasPrefix(id, prefix) {
			delete(s.cases, id)
			delete(s.merges, id)
		}
	}
}

// CaseDocument returns the live document for predicate evaluation. The
// caller is expected to hold the case lock while reading or mutating it.
func (s *Store) CaseDocument(caseID string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.cases[caseID]
	return doc, ok
}

// SnapshotXML serialises a case document for event payloads.
func (s *Store) SnapshotXML(caseID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.cases[caseID]
	if !ok {
		return "", fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}
	return doc.XML(), nil
}

// NetVariable reads one variable's text value.
func (s *Store) NetVariable(caseID, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.cases[caseID]
	if !ok {
		return "", fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}
	value, found := doc.Variable(name)
	if !found {
		return "", fmt.Errorf("case %s has no variable %s", caseID, name)
	}
	return value, nil
}

// SetNetVariable writes one variable, creating it if absent.
func (s *Store) SetNetVariable(caseID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.cases[caseID]
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}
	doc.SetVariable(name, value)
	return nil
}

// DeleteNetVariable removes a variable element, used when a data patch
// nulls a field.
func (s *Store) DeleteNetVariable(caseID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.cases[caseID]
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}
	if node := childElement(doc.RootElement(), name); node != nil {
		detach(node)
	}
	return nil
}

// Variables projects the whole case document to a flat name/value map.
func (s *Store) Variables(caseID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}
	return doc.Variables(), nil
}

// ExtractTaskInput builds a work-item document by applying the task's
// input bindings against the case document. A binding over a missing
// variable aborts the extraction.
func (s *Store) ExtractTaskInput(caseID string, task *spec.Task) (*Document, error) {
	s.mu.RLock()
	caseDoc, ok := s.cases[caseID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}

	doc := NewDocument(TaskRootElement)
	for _, m := range task.InputMappings {
		value, err := s.eval.EvalString(caseDoc.Root(), m.Query)
		if err != nil {
			return nil, fmt.Errorf("task %s input binding %s: %w", task.ID, m.MapsTo, err)
		}
		doc.SetVariable(m.MapsTo, value)
	}
	return doc, nil
}

// MergeTaskOutput applies a work item's output bindings to the case
// document. The merge is keyed by work-item id and output digest, so
// re-delivering the same completion changes nothing and reports
// applied=false.
func (s *Store) MergeTaskOutput(caseID, itemID string, task *spec.Task, output *Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caseDoc, ok := s.cases[caseID]
	if !ok {
		return false, fmt.Errorf("case %s: %w", caseID, ErrUnknownCase)
	}

	digest := outputDigest(output)
	if s.merges[caseID][itemID] == digest {
		return false, nil
	}

	for _, m := range task.OutputMappings {
		value, err := s.eval.EvalString(output.Root(), m.Query)
		if err != nil {
			return false, fmt.Errorf("task %s output binding %s: %w", task.ID, m.MapsTo, err)
		}
		caseDoc.SetVariable(m.MapsTo, value)
	}

	if s.merges[caseID] == nil {
		s.merges[caseID] = make(map[string]string)
	}
	s.merges[caseID][itemID] = digest
	return true, nil
}

// ActiveCases reports how many documents the store holds.
func (s *Store) ActiveCases() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func outputDigest(doc *Document) string {
	if doc == nil {
		return "empty"
	}
	sum := sha256.Sum256([]byte(doc.XML()))
	return hex.EncodeToString(sum[:])
}
