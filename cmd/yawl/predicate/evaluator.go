// Package predicate evaluates XPath expressions against case and task
// documents. Flow guards want booleans, multi-instance sizing wants
// numbers, and data mappings want strings or node lists; each entry point
// coerces the raw XPath result accordingly.
package predicate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Evaluator compiles expressions once and reuses them across firings.
type Evaluator struct {
	cache map[string]*xpath.Expr
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty compile cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*xpath.Expr),
	}
}

// varRefPattern pulls the top-level variable names an expression
// addresses, so a guard over an absent variable fails loudly instead of
// silently matching nothing.
var varRefPattern = regexp.MustCompile(`/(case|task)/([A-Za-z_][A-Za-z0-9_.-]*)`)

// EvalBool evaluates a flow predicate. Number and string results coerce
// by XPath rules; a reference to a variable the document does not carry
// is an error, not false.
func (e *Evaluator) EvalBool(root *xmlquery.Node, expr string) (bool, error) {
	if err := e.checkVariableRefs(root, expr); err != nil {
		return false, err
	}
	result, err := e.evaluate(root, expr)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0 && !math.IsNaN(v), nil
	case string:
		return v != "", nil
	case *xpath.NodeIterator:
		return v.MoveNext(), nil
	default:
		return false, fmt.Errorf("predicate %q returned unsupported type %T", expr, result)
	}
}

// EvalNumber evaluates an expression expected to yield a count or other
// numeric value. Node sets coerce to their size.
func (e *Evaluator) EvalNumber(root *xmlquery.Node, expr string) (float64, error) {
	if err := e.checkVariableRefs(root, expr); err != nil {
		return 0, err
	}
	result, err := e.evaluate(root, expr)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, fmt.Errorf("expression %q is not a number", expr)
		}
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expression %q yielded non-numeric string %q", expr, v)
		}
		return n, nil
	case *xpath.NodeIterator:
		count := 0
		for v.MoveNext() {
			count++
		}
		return float64(count), nil
	default:
		return 0, fmt.Errorf("expression %q returned unsupported type %T", expr, result)
	}
}

// EvalString evaluates a data-mapping query. Node sets take the string
// value of the first node, per XPath string().
func (e *Evaluator) EvalString(root *xmlquery.Node, expr string) (string, error) {
	if err := e.checkVariableRefs(root, expr); err != nil {
		return "", err
	}
	result, err := e.evaluate(root, expr)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case *xpath.NodeIterator:
		if !v.MoveNext() {
			return "", nil
		}
		return v.Current().Value(), nil
	default:
		return "", fmt.Errorf("expression %q returned unsupported type %T", expr, result)
	}
}

// EvalNodes returns the nodes an expression selects, for splitting
// multi-instance input lists. Scalar expressions select no nodes.
func (e *Evaluator) EvalNodes(root *xmlquery.Node, expr string) ([]*xmlquery.Node, error) {
	result, err := e.evaluate(root, expr)
	if err != nil {
		return nil, err
	}
	iter, ok := result.(*xpath.NodeIterator)
	if !ok {
		return nil, nil
	}
	var nodes []*xmlquery.Node
	for iter.MoveNext() {
		if nav, ok := iter.Current().(*xmlquery.NodeNavigator); ok {
			nodes = append(nodes, nav.Current())
		}
	}
	return nodes, nil
}

func (e *Evaluator) evaluate(root *xmlquery.Node, expr string) (any, error) {
	compiled, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	return compiled.Evaluate(xmlquery.CreateXPathNavigator(root)), nil
}

func (e *Evaluator) compile(expr string) (*xpath.Expr, error) {
	e.mu.RLock()
	compiled, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return compiled, nil
	}

	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// checkVariableRefs rejects expressions addressing variables the document
// does not declare. Only references under the document's own root are
// checked; a task expression may mention /case paths it cannot see and
// those are left to the caller's document choice.
func (e *Evaluator) checkVariableRefs(root *xmlquery.Node, expr string) error {
	top := firstElement(root)
	if top == nil {
		return fmt.Errorf("expression %q evaluated against empty document", expr)
	}
	for _, match := range varRefPattern.FindAllStringSubmatch(expr, -1) {
		if match[1] != top.Data {
			continue
		}
		if findChild(top, match[2]) == nil {
			return fmt.Errorf("expression %q references missing variable %s", expr, match[2])
		}
	}
	return nil
}

// ClearCache drops the compiled expressions, for specification reloads.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*xpath.Expr)
}

// CacheSize reports the number of compiled expressions held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func firstElement(node *xmlquery.Node) *xmlquery.Node {
	if node == nil {
		return nil
	}
	if node.Type == xmlquery.ElementNode {
		return node
	}
	for n := node.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func findChild(parent *xmlquery.Node, name string) *xmlquery.Node {
	for n := parent.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode && n.Data == name {
			return n
		}
	}
	return nil
}
