package document

import (
	"reflect"
)

// Entry is the position-aware, child-less view of a node used for diffing.
type Entry struct {
	Node     Node
	ParentID string
	Index    int
}

// Index flattens a document into id -> entry.
func Index(doc Document) map[string]Entry {
	out := make(map[string]Entry)
	doc.Walk(func(node Node, parentID string, index, depth int) {
		out[node.ID] = Entry{Node: node.Shallow(), ParentID: parentID, Index: index}
	})
	return out
}

// ChildOrder maps every parent id (RootID included) to its ordered child ids.
func ChildOrder(doc Document) map[string][]string {
	out := map[string][]string{RootID: {}}
	doc.Walk(func(node Node, parentID string, index, depth int) {
		out[parentID] = append(out[parentID], node.ID)
		if _, ok := out[node.ID]; !ok {
			out[node.ID] = []string{}
		}
	})
	return out
}

// ChangeKind names the facet of a node that differs between two documents.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
	ChangeMoved    ChangeKind = "moved"
	ChangeOrder    ChangeKind = "reordered"
)

// Change is a node-level difference from a base document.
type Change struct {
	NodeID string       `json:"nodeId"`
	Kinds  []ChangeKind `json:"kinds"`
	Before *Entry       `json:"-"`
	After  *Entry       `json:"-"`
}

func (c Change) Has(kind ChangeKind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Diff reports node-level changes from base to next keyed by node id.
// Sibling order changes are reported on the parent (RootID for the top level).
func Diff(base, next Document) map[string]Change {
	baseIdx := Index(base)
	nextIdx := Index(next)
	changes := make(map[string]Change)

	for id, before := range baseIdx {
		after, ok := nextIdx[id]
		if !ok {
			changes[id] = Change{NodeID: id, Kinds: []ChangeKind{ChangeRemoved}, Before: &before}
			continue
		}
		var kinds []ChangeKind
		if !SameContent(before.Node, after.Node) {
			kinds = append(kinds, ChangeModified)
		}
		if before.ParentID != after.ParentID {
			kinds = append(kinds, ChangeMoved)
		}
		if len(kinds) > 0 {
			changes[id] = Change{NodeID: id, Kinds: kinds, Before: &before, After: &after}
		}
	}
	for id, after := range nextIdx {
		if _, ok := baseIdx[id]; ok {
			continue
		}
		changes[id] = Change{NodeID: id, Kinds: []ChangeKind{ChangeAdded}, After: &after}
	}

	baseOrder := ChildOrder(base)
	nextOrder := ChildOrder(next)
	for parent, before := range baseOrder {
		after, ok := nextOrder[parent]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(commonOrder(before, after), commonOrder(after, before)) {
			change := changes[parent]
			change.NodeID = parent
			change.Kinds = append(change.Kinds, ChangeOrder)
			if change.Before == nil {
				if entry, ok := baseIdx[parent]; ok {
					change.Before = &entry
				}
			}
			if change.After == nil {
				if entry, ok := nextIdx[parent]; ok {
					change.After = &entry
				}
			}
			changes[parent] = change
		}
	}
	return changes
}

// commonOrder keeps the ids of a that also appear in b, in a's order.
func commonOrder(a, b []string) []string {
	present := make(map[string]struct{}, len(b))
	for _, id := range b {
		present[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := present[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// SameContent compares type and props, ignoring children.
func SameContent(a, b Node) bool {
	if a.Type != b.Type {
		return false
	}
	if len(a.Props) == 0 && len(b.Props) == 0 {
		return true
	}
	return reflect.DeepEqual(normalizeProps(a.Props), normalizeProps(b.Props))
}

// normalizeProps folds numeric types so decoded JSON and Go literals compare equal.
func normalizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for key, value := range props {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	case map[string]any:
		return normalizeProps(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return typed
	}
}
