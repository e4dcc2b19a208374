package action

import (
	"context"
	"errors"
	"fmt"

	"draftsync/internal/document"
)

// Policy is the external rule engine that may veto an edit before it lands.
type Policy interface {
	Allow(ctx context.Context, doc document.Document, a Action, actor Actor) error
}

type PolicyFunc func(ctx context.Context, doc document.Document, a Action, actor Actor) error

func (f PolicyFunc) Allow(ctx context.Context, doc document.Document, a Action, actor Actor) error {
	return f(ctx, doc, a, actor)
}

type Result struct {
	Document document.Document
	Changed  bool
}

type Executor struct {
	validator document.Validator
	policy    Policy
}

func NewExecutor(validator document.Validator, policy Policy) *Executor {
	return &Executor{validator: validator, policy: policy}
}

// Execute applies a to a copy of doc. The input document is never mutated;
// on error the caller keeps its prior value.
func (e *Executor) Execute(ctx context.Context, doc document.Document, a Action, actor Actor) (Result, error) {
	working := doc.Clone()
	if err := apply(&working, a); err != nil {
		return Result{}, err
	}
	if err := e.Validate(working); err != nil {
		return Result{}, err
	}
	if e.policy != nil {
		if err := e.policy.Allow(ctx, working, a, actor); err != nil {
			return Result{}, &Error{
				Code:    CodeInvalidAction,
				Field:   "policy",
				Message: fmt.Sprintf("rejected by policy: %v", err),
				cause:   err,
			}
		}
	}
	return Result{Document: working, Changed: !document.Equal(doc, working)}, nil
}

// Validate runs the configured document validator and reports failures as
// InvalidAction carrying the offending node and field.
func (e *Executor) Validate(doc document.Document) error {
	if e == nil || e.validator == nil {
		return nil
	}
	err := e.validator.Validate(doc)
	if err == nil {
		return nil
	}
	out := &Error{Code: CodeInvalidAction, Message: err.Error(), cause: err}
	var verr *document.ValidationError
	if errors.As(err, &verr) {
		out.NodeID = verr.NodeID
		out.Field = verr.Field
		out.Message = verr.Reason
	}
	return out
}

// Reconcile settles an optimistic local view against the authoritative
// result. The authoritative document always wins; replace reports whether the
// caller's view differed and must be swapped out.
func Reconcile(optimistic, authoritative document.Document) (document.Document, bool) {
	replace := document.Checksum(optimistic) != document.Checksum(authoritative)
	return authoritative, replace
}

func apply(doc *document.Document, a Action) error {
	switch a.Kind {
	case KindUpdate:
		return applyUpdate(doc, a)
	case KindAdd:
		return applyAdd(doc, a)
	case KindRemove:
		return applyRemove(doc, a)
	case KindReorder:
		return applyReorder(doc, a)
	case KindBatch:
		return applyBatch(doc, a)
	case "":
		return invalid("", "kind", "action kind is required")
	default:
		return invalid("", "kind", "unknown action kind %q", a.Kind)
	}
}

func applyUpdate(doc *document.Document, a Action) error {
	loc, ok := doc.Resolve(a.Target)
	if !ok {
		return targetNotFound(a.Target, "target")
	}
	if len(a.Props) == 0 && len(a.Unset) == 0 && a.Type == "" {
		return invalid(loc.ID, "props", "update changes nothing")
	}
	for key := range a.Props {
		if key == "" {
			return invalid(loc.ID, "props", "property name is empty")
		}
	}
	for _, key := range a.Unset {
		if key == "" {
			return invalid(loc.ID, "unset", "property name is empty")
		}
		if _, clash := a.Props[key]; clash {
			return invalid(loc.ID, "unset", "property %q is both set and unset", key)
		}
	}

	node, _ := doc.Get(loc.ID)
	props := node.Props
	if props == nil {
		props = make(map[string]any, len(a.Props))
	}
	for key, value := range a.Props {
		props[key] = value
	}
	for _, key := range a.Unset {
		delete(props, key)
	}
	if len(props) == 0 {
		props = nil
	}
	nodeType := node.Type
	if a.Type != "" {
		nodeType = a.Type
	}
	return doc.SetNode(loc.ID, nodeType, props)
}

func applyAdd(doc *document.Document, a Action) error {
	parentID := document.RootID
	if a.Parent != nil && *a.Parent != "" {
		loc, ok := doc.Resolve(*a.Parent)
		if !ok {
			return targetNotFound(*a.Parent, "parent")
		}
		parentID = loc.ID
	}
	if a.Node == nil {
		return invalid(parentID, "node", "add requires a node")
	}
	node := *a.Node
	if node.ID == "" {
		return invalid(parentID, "node.id", "node id is required")
	}
	if node.Type == "" {
		return invalid(node.ID, "node.type", "node type is required")
	}
	var clash string
	sub := document.New(node)
	sub.Walk(func(n document.Node, _ string, _, _ int) {
		if clash == "" && (n.ID == "" || doc.Has(n.ID)) {
			clash = n.ID
		}
	})
	if clash != "" || sub.Len() != len(document.Index(sub)) {
		return invalid(node.ID, "node.id", "node id %q is missing or already in use", clash)
	}
	index := -1
	if a.Index != nil {
		siblings := len(doc.ChildIDs(parentID))
		if *a.Index < 0 || *a.Index > siblings {
			return invalid(node.ID, "index", "index %d outside 0..%d", *a.Index, siblings)
		}
		index = *a.Index
	}
	if err := doc.Insert(parentID, index, node); err != nil {
		return invalid(node.ID, "node", "%v", err)
	}
	return nil
}

func applyRemove(doc *document.Document, a Action) error {
	loc, ok := doc.Resolve(a.Target)
	if !ok {
		return targetNotFound(a.Target, "target")
	}
	if _, err := doc.Remove(loc.ID); err != nil {
		return invalid(loc.ID, "target", "%v", err)
	}
	return nil
}

func applyReorder(doc *document.Document, a Action) error {
	loc, ok := doc.Resolve(a.Target)
	if !ok {
		return targetNotFound(a.Target, "target")
	}
	parentID := loc.ParentID
	if a.Parent != nil {
		parentID = document.RootID
		if *a.Parent != "" {
			ploc, ok := doc.Resolve(*a.Parent)
			if !ok {
				return targetNotFound(*a.Parent, "parent")
			}
			parentID = ploc.ID
		}
	}
	if a.Index == nil {
		return invalid(loc.ID, "index", "reorder requires an index")
	}
	siblings := len(doc.ChildIDs(parentID))
	if parentID == loc.ParentID {
		// the node itself is among the siblings; valid slots are 0..n-1
		siblings--
	}
	if *a.Index < 0 || *a.Index > siblings {
		return invalid(loc.ID, "index", "index %d outside 0..%d", *a.Index, siblings)
	}
	if err := doc.Move(loc.ID, parentID, *a.Index); err != nil {
		if errors.Is(err, document.ErrCycle) {
			return invalid(loc.ID, "parent", "cannot move a node under itself")
		}
		return invalid(loc.ID, "parent", "%v", err)
	}
	return nil
}

func applyBatch(doc *document.Document, a Action) error {
	if len(a.Actions) == 0 {
		return invalid("", "actions", "batch is empty")
	}
	// sub-actions run against a scratch copy; doc is only replaced once all succeed
	working := doc.Clone()
	for i, sub := range a.Actions {
		if err := apply(&working, sub); err != nil {
			var aerr *Error
			if errors.As(err, &aerr) && aerr.Index == nil {
				idx := i
				aerr.Index = &idx
			}
			return err
		}
	}
	*doc = working
	return nil
}
