// Package casedata holds each case's XML state document and the work-item
// documents derived from it. Net variables are child elements of the case
// root; task input extraction and output merge apply the specification's
// data bindings.
package casedata

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// CaseRootElement names the root of a case document; task documents use
// TaskRootElement. Flow predicates address variables as /case/name.
const (
	CaseRootElement = "case"
	TaskRootElement = "task"
)

// Document is one XML state document.
type Document struct {
	doc *xmlquery.Node // document node; single element child is the root
}

// NewDocument creates an empty document with the given root element.
func NewDocument(rootElement string) *Document {
	doc := &xmlquery.Node{Type: xmlquery.DocumentNode}
	root := &xmlquery.Node{Type: xmlquery.ElementNode, Data: rootElement}
	appendChild(doc, root)
	return &Document{doc: doc}
}

// ParseDocument reads a serialised document.
func ParseDocument(data []byte) (*Document, error) {
	doc, err := xmlquery.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse data document: %w", err)
	}
	if rootElement(doc) == nil {
		return nil, fmt.Errorf("data document has no root element")
	}
	return &Document{doc: doc}, nil
}

// Root returns the document node for XPath navigation.
func (d *Document) Root() *xmlquery.Node {
	return d.doc
}

// RootElement returns the single element under the document node.
func (d *Document) RootElement() *xmlquery.Node {
	return rootElement(d.doc)
}

// XML serialises the document.
func (d *Document) XML() string {
	root := d.RootElement()
	if root == nil {
		return ""
	}
	return root.OutputXML(true)
}

// Variable returns the text of the named child element of the root.
func (d *Document) Variable(name string) (string, bool) {
	node := childElement(d.RootElement(), name)
	if node == nil {
		return "", false
	}
	return node.InnerText(), true
}

// SetVariable creates or replaces the named child element with a text
// value.
func (d *Document) SetVariable(name, value string) {
	root := d.RootElement()
	node := childElement(root, name)
	if node == nil {
		node = &xmlquery.Node{Type: xmlquery.ElementNode, Data: name}
		appendChild(root, node)
	} else {
		removeChildren(node)
	}
	if value != "" {
		appendChild(node, &xmlquery.Node{Type: xmlquery.TextNode, Data: value})
	}
}

// SetVariableXML replaces the named child element with parsed XML content,
// preserving structured values such as item lists.
func (d *Document) SetVariableXML(name, inner string) error {
	wrapped := fmt.Sprintf("<%s>%s</%s>", name, inner, name)
	parsed, err := xmlquery.Parse(strings.NewReader(wrapped))
	if err != nil {
		return fmt.Errorf("failed to parse variable %s content: %w", name, err)
	}
	fresh := rootElement(parsed)

	root := d.RootElement()
	if node := childElement(root, name); node != nil {
		detach(node)
	}
	detach(fresh)
	appendChild(root, fresh)
	return nil
}

// Variables projects every child element of the root to its inner text.
func (d *Document) Variables() map[string]string {
	vars := make(map[string]string)
	for n := d.RootElement().FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			vars[n.Data] = n.InnerText()
		}
	}
	return vars
}

// Clone deep-copies the document by reserialising it.
func (d *Document) Clone() *Document {
	copied, err := ParseDocument([]byte(d.XML()))
	if err != nil {
		// A document the engine built always reparses.
		panic(fmt.Sprintf("clone of case document failed: %v", err))
	}
	return copied
}

// Node plumbing. xmlquery exposes navigable nodes without mutation
// helpers, so the sibling links are maintained here.

func appendChild(parent, child *xmlquery.Node) {
	child.Parent = parent
	child.NextSibling = nil
	child.PrevSibling = parent.LastChild
	if parent.LastChild != nil {
		parent.LastChild.NextSibling = child
	} else {
		parent.FirstChild = child
	}
	parent.LastChild = child
}

func detach(node *xmlquery.Node) {
	parent := node.Parent
	if parent != nil {
		if parent.FirstChild == node {
			parent.FirstChild = node.NextSibling
		}
		if parent.LastChild == node {
			parent.LastChild = node.PrevSibling
		}
	}
	if node.PrevSibling != nil {
		node.PrevSibling.NextSibling = node.NextSibling
	}
	if node.NextSibling != nil {
		node.NextSibling.PrevSibling = node.PrevSibling
	}
	node.Parent = nil
	node.PrevSibling = nil
	node.NextSibling = nil
}

func removeChildren(node *xmlquery.Node) {
	node.FirstChild = nil
	node.LastChild = nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func childElement(parent *xmlquery.Node, name string) *xmlquery.Node {
	if parent == nil {
		return nil
	}
	for n := parent.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode && n.Data == name {
			return n
		}
	}
	return nil
}
