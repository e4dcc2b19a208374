// Package action applies structured mutations to documents.
package action

import (
	"fmt"
	"strings"

	"draftsync/internal/document"
)

type Kind string

const (
	KindUpdate  Kind = "update"
	KindAdd     Kind = "add"
	KindRemove  Kind = "remove"
	KindReorder Kind = "reorder"
	KindBatch   Kind = "batch"
)

// Action is one structured mutation. Which fields apply depends on Kind:
//
//	update:  Target, Props, Unset, Type
//	add:     Parent (empty for top level), Node, Index
//	remove:  Target
//	reorder: Target, Index, Parent (moves the node when set)
//	batch:   Actions
//
// Selectors are node ids or slash separated id paths, never array positions.
type Action struct {
	Kind    Kind           `json:"kind"`
	Target  string         `json:"target,omitempty"`
	Parent  *string        `json:"parent,omitempty"`
	Node    *document.Node `json:"node,omitempty"`
	Index   *int           `json:"index,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
	Unset   []string       `json:"unset,omitempty"`
	Type    string         `json:"type,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
}

// Actor identifies who originated a transition.
type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

const (
	ActorUser     = "user"
	ActorAgent    = "agent"
	ActorWorkflow = "workflow"
	ActorSystem   = "system"
)

func (a Actor) String() string {
	if a.ID == "" {
		return a.Kind
	}
	return a.Kind + ":" + a.ID
}

func Update(target string, props map[string]any) Action {
	return Action{Kind: KindUpdate, Target: target, Props: props}
}

func Add(parent string, node document.Node, index int) Action {
	p := parent
	i := index
	return Action{Kind: KindAdd, Parent: &p, Node: &node, Index: &i}
}

func Append(parent string, node document.Node) Action {
	p := parent
	return Action{Kind: KindAdd, Parent: &p, Node: &node}
}

func Remove(target string) Action {
	return Action{Kind: KindRemove, Target: target}
}

func Reorder(target string, index int) Action {
	i := index
	return Action{Kind: KindReorder, Target: target, Index: &i}
}

func Move(target, parent string, index int) Action {
	p := parent
	i := index
	return Action{Kind: KindReorder, Target: target, Parent: &p, Index: &i}
}

func Batch(actions ...Action) Action {
	return Action{Kind: KindBatch, Actions: actions}
}

// Describe renders a short human readable summary for history entries.
func (a Action) Describe() string {
	switch a.Kind {
	case KindUpdate:
		return fmt.Sprintf("update %s", a.Target)
	case KindAdd:
		id := ""
		if a.Node != nil {
			id = a.Node.ID
		}
		if a.Parent == nil || *a.Parent == "" {
			return fmt.Sprintf("add %s", id)
		}
		return fmt.Sprintf("add %s under %s", id, *a.Parent)
	case KindRemove:
		return fmt.Sprintf("remove %s", a.Target)
	case KindReorder:
		if a.Parent != nil {
			return fmt.Sprintf("move %s to %s", a.Target, parentLabel(*a.Parent))
		}
		return fmt.Sprintf("reorder %s", a.Target)
	case KindBatch:
		parts := make([]string, 0, len(a.Actions))
		for _, sub := range a.Actions {
			parts = append(parts, sub.Describe())
		}
		return "batch: " + strings.Join(parts, "; ")
	default:
		return string(a.Kind)
	}
}

func parentLabel(parent string) string {
	if parent == document.RootID {
		return "root"
	}
	return parent
}
