// Package document models the opaque, tree-shaped value edited in a draft
// session. The engine only relies on node identity and position; node types
// and properties are carried through untouched.
package document

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// RootID is the parent id used for top-level nodes.
const RootID = ""

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrIndexRange    = errors.New("index out of range")
	ErrCycle         = errors.New("node cannot be moved under itself")
)

type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Children []Node         `json:"children,omitempty"`
}

type Document struct {
	Nodes []Node `json:"nodes"`
}

// Location describes where a node sits in a document.
type Location struct {
	ID       string
	ParentID string
	Index    int
	Depth    int
}

func New(nodes ...Node) Document {
	doc := Document{Nodes: make([]Node, 0, len(nodes))}
	for _, node := range nodes {
		doc.Nodes = append(doc.Nodes, node.Clone())
	}
	return doc
}

// Clone returns a deep copy; the receiver is never shared with the result.
func (d Document) Clone() Document {
	out := Document{Nodes: make([]Node, len(d.Nodes))}
	for i := range d.Nodes {
		out.Nodes[i] = d.Nodes[i].Clone()
	}
	return out
}

func (n Node) Clone() Node {
	out := Node{ID: n.ID, Type: n.Type}
	if n.Props != nil {
		out.Props = cloneProps(n.Props)
	}
	if len(n.Children) > 0 {
		out.Children = make([]Node, len(n.Children))
		for i := range n.Children {
			out.Children[i] = n.Children[i].Clone()
		}
	}
	return out
}

// Shallow returns the node without its children.
func (n Node) Shallow() Node {
	out := Node{ID: n.ID, Type: n.Type}
	if n.Props != nil {
		out.Props = cloneProps(n.Props)
	}
	return out
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for key, value := range props {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneProps(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}

// Parse decodes a document from JSON.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	if doc.Nodes == nil {
		doc.Nodes = []Node{}
	}
	return doc, nil
}

// Canonical returns a stable JSON encoding (map keys sorted).
func (d Document) Canonical() []byte {
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return payload
}

// Checksum is the hex BLAKE2b-256 digest of the canonical encoding.
func Checksum(d Document) string {
	sum := blake2b.Sum256(d.Canonical())
	return hex.EncodeToString(sum[:])
}

func Equal(a, b Document) bool {
	return bytes.Equal(a.Canonical(), b.Canonical())
}

// Resolve finds a node by id or by a slash separated path of ids.
func (d Document) Resolve(selector string) (Location, bool) {
	selector = strings.Trim(strings.TrimSpace(selector), "/")
	if selector == "" {
		return Location{}, false
	}
	if !strings.Contains(selector, "/") {
		return d.locate(selector)
	}
	segments := strings.Split(selector, "/")
	nodes := d.Nodes
	parent := RootID
	for depth, segment := range segments {
		found := -1
		for i := range nodes {
			if nodes[i].ID == segment {
				found = i
				break
			}
		}
		if found < 0 {
			return Location{}, false
		}
		if depth == len(segments)-1 {
			return Location{ID: segment, ParentID: parent, Index: found, Depth: depth}, true
		}
		parent = segment
		nodes = nodes[found].Children
	}
	return Location{}, false
}

func (d Document) locate(id string) (Location, bool) {
	var walk func(nodes []Node, parent string, depth int) (Location, bool)
	walk = func(nodes []Node, parent string, depth int) (Location, bool) {
		for i := range nodes {
			if nodes[i].ID == id {
				return Location{ID: id, ParentID: parent, Index: i, Depth: depth}, true
			}
			if loc, ok := walk(nodes[i].Children, nodes[i].ID, depth+1); ok {
				return loc, true
			}
		}
		return Location{}, false
	}
	return walk(d.Nodes, RootID, 0)
}

// Has reports whether a node with id exists anywhere in the tree.
func (d Document) Has(id string) bool {
	_, ok := d.locate(id)
	return ok
}

// Get returns a copy of the node with id, including its subtree.
func (d Document) Get(id string) (Node, bool) {
	node := d.node(id)
	if node == nil {
		return Node{}, false
	}
	return node.Clone(), true
}

// node returns a pointer into the receiver's tree.
func (d *Document) node(id string) *Node {
	var walk func(nodes []Node) *Node
	walk = func(nodes []Node) *Node {
		for i := range nodes {
			if nodes[i].ID == id {
				return &nodes[i]
			}
			if found := walk(nodes[i].Children); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(d.Nodes)
}

// children returns the child slice of parentID, RootID for the top level.
func (d *Document) children(parentID string) (*[]Node, bool) {
	if parentID == RootID {
		return &d.Nodes, true
	}
	parent := d.node(parentID)
	if parent == nil {
		return nil, false
	}
	return &parent.Children, true
}

// ChildIDs lists the ids directly under parentID in order.
func (d Document) ChildIDs(parentID string) []string {
	list, ok := d.children(parentID)
	if !ok {
		return nil
	}
	ids := make([]string, len(*list))
	for i := range *list {
		ids[i] = (*list)[i].ID
	}
	return ids
}

// SetNode replaces type and props of an existing node in place, keeping its children.
func (d *Document) SetNode(id, nodeType string, props map[string]any) error {
	node := d.node(id)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.Type = nodeType
	if props == nil {
		node.Props = nil
	} else {
		node.Props = cloneProps(props)
	}
	return nil
}

// Insert places node under parentID at index; index < 0 appends.
func (d *Document) Insert(parentID string, index int, node Node) error {
	if node.ID != "" && d.Has(node.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	list, ok := d.children(parentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	if index < 0 || index > len(*list) {
		if index >= 0 {
			return fmt.Errorf("%w: %d", ErrIndexRange, index)
		}
		index = len(*list)
	}
	*list = append(*list, Node{})
	copy((*list)[index+1:], (*list)[index:])
	(*list)[index] = node.Clone()
	return nil
}

// Remove detaches the node and its subtree, returning it.
func (d *Document) Remove(id string) (Node, error) {
	loc, ok := d.locate(id)
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	list, _ := d.children(loc.ParentID)
	removed := (*list)[loc.Index]
	*list = append((*list)[:loc.Index:loc.Index], (*list)[loc.Index+1:]...)
	return removed, nil
}

// Move relocates id under newParentID at index (clamped to the valid range).
func (d *Document) Move(id, newParentID string, index int) error {
	if _, ok := d.locate(id); !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if newParentID != RootID {
		if newParentID == id {
			return ErrCycle
		}
		subject := d.node(id)
		sub := Document{Nodes: subject.Children}
		if sub.Has(newParentID) {
			return ErrCycle
		}
		if !d.Has(newParentID) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, newParentID)
		}
	}
	node, err := d.Remove(id)
	if err != nil {
		return err
	}
	list, _ := d.children(newParentID)
	if index < 0 || index > len(*list) {
		index = len(*list)
	}
	*list = append(*list, Node{})
	copy((*list)[index+1:], (*list)[index:])
	(*list)[index] = node
	return nil
}

// Walk visits every node depth first with its parent id.
func (d Document) Walk(fn func(node Node, parentID string, index, depth int)) {
	var walk func(nodes []Node, parent string, depth int)
	walk = func(nodes []Node, parent string, depth int) {
		for i := range nodes {
			fn(nodes[i], parent, i, depth)
			walk(nodes[i].Children, nodes[i].ID, depth+1)
		}
	}
	walk(d.Nodes, RootID, 0)
}

// Len counts all nodes in the tree.
func (d Document) Len() int {
	count := 0
	d.Walk(func(Node, string, int, int) { count++ })
	return count
}
