// Package conflict reconciles a client document derived from an older base
// with the server's current document at whole-node granularity.
package conflict

import (
	"errors"
	"fmt"
	"sort"

	"draftsync/internal/document"
)

type Strategy string

const (
	ServerWins Strategy = "server-wins"
	ClientWins Strategy = "client-wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

var ErrUnknownStrategy = errors.New("unknown conflict strategy")

func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(raw); s {
	case ServerWins, ClientWins, Merge, Manual:
		return s, nil
	case "":
		return Merge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

type Kind string

const (
	KindBothModified Kind = "both-modified"
	KindRemoveModify Kind = "remove-modify"
	KindOrder        Kind = "order"
	KindStructure    Kind = "structure"
	KindDivergent    Kind = "divergent"
	KindClientChange Kind = "client-change"
	KindServerChange Kind = "server-change"
)

// NodeConflict is one node in contention. Snapshots are child-less.
type NodeConflict struct {
	NodeID string         `json:"nodeId"`
	Kind   Kind           `json:"kind"`
	Reason string         `json:"reason"`
	Base   *document.Node `json:"base,omitempty"`
	Server *document.Node `json:"server,omitempty"`
	Client *document.Node `json:"client,omitempty"`
}

// Record is the transient outcome of one resolution call.
type Record struct {
	Strategy  Strategy           `json:"strategy"`
	TwoWay    bool               `json:"twoWay,omitempty"`
	Server    document.Document  `json:"server"`
	Client    document.Document  `json:"client"`
	Conflicts []NodeConflict     `json:"conflicts"`
	Resolved  *document.Document `json:"resolved,omitempty"`
}

// Unresolved reports whether the caller must settle the record itself.
func (r Record) Unresolved() bool {
	return r.Resolved == nil
}

type Resolver struct {
	validator document.Validator
}

func NewResolver(validator document.Validator) *Resolver {
	return &Resolver{validator: validator}
}

// Resolve reconciles client against server. A nil base means the common
// ancestor is unknown and the comparison is two-way.
func (r *Resolver) Resolve(base *document.Document, server, client document.Document, strategy Strategy) (Record, error) {
	rec := Record{Strategy: strategy, Server: server, Client: client, Conflicts: []NodeConflict{}, TwoWay: base == nil}
	switch strategy {
	case ServerWins:
		resolved := server.Clone()
		rec.Resolved = &resolved
	case ClientWins:
		if err := r.validate(client); err != nil {
			return Record{}, fmt.Errorf("client document: %w", err)
		}
		resolved := client.Clone()
		rec.Resolved = &resolved
	case Merge:
		if base == nil {
			rec.Conflicts = twoWay(server, client)
			resolved := server.Clone()
			rec.Resolved = &resolved
			break
		}
		resolved, conflicts := r.merge(*base, server, client)
		rec.Conflicts = conflicts
		rec.Resolved = &resolved
	case Manual:
		if base == nil {
			rec.Conflicts = twoWay(server, client)
			break
		}
		rec.Conflicts = discrepancies(*base, server, client)
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	sortConflicts(rec.Conflicts)
	return rec, nil
}

func (r *Resolver) validate(doc document.Document) error {
	if r.validator == nil {
		return nil
	}
	return r.validator.Validate(doc)
}

// sides splits a change into its content facets and its child-order facet.
type sides struct {
	content map[string]document.Change
	order   map[string]bool
}

func split(changes map[string]document.Change) sides {
	out := sides{content: make(map[string]document.Change), order: make(map[string]bool)}
	for id, change := range changes {
		var kinds []document.ChangeKind
		for _, kind := range change.Kinds {
			if kind == document.ChangeOrder {
				out.order[id] = true
				continue
			}
			kinds = append(kinds, kind)
		}
		if len(kinds) > 0 {
			change.Kinds = kinds
			out.content[id] = change
		}
	}
	return out
}

// agree reports whether both sides moved a node to the same end state.
func agree(server, client document.Change) bool {
	if server.After == nil || client.After == nil {
		return server.After == nil && client.After == nil
	}
	return document.SameContent(server.After.Node, client.After.Node) && server.After.ParentID == client.After.ParentID
}

func sameOrder(server, client document.Document, parent string) bool {
	a := server.ChildIDs(parent)
	b := client.ChildIDs(parent)
	present := make(map[string]bool, len(b))
	for _, id := range b {
		present[id] = true
	}
	var common []string
	for _, id := range a {
		if present[id] {
			common = append(common, id)
		}
	}
	pos := 0
	for _, id := range b {
		if pos < len(common) && id == common[pos] {
			pos++
		}
	}
	return pos == len(common)
}

func snapshot(entry *document.Entry) *document.Node {
	if entry == nil {
		return nil
	}
	node := entry.Node.Shallow()
	return &node
}

func conflictFor(id string, kind Kind, reason string, base, server, client *document.Entry) NodeConflict {
	return NodeConflict{NodeID: id, Kind: kind, Reason: reason, Base: snapshot(base), Server: snapshot(server), Client: snapshot(client)}
}

func classify(server, client document.Change) Kind {
	if server.After == nil || client.After == nil {
		return KindRemoveModify
	}
	return KindBothModified
}

func (r *Resolver) merge(base, server, client document.Document) (document.Document, []NodeConflict) {
	serverSide := split(document.Diff(base, server))
	clientSide := split(document.Diff(base, client))
	merged := server.Clone()
	conflicts := []NodeConflict{}
	baseIdx := document.Index(base)
	serverIdx := document.Index(server)

	// guarded applies one client change and rolls it back if the result is invalid
	guarded := func(id string, change document.Change, fn func(doc *document.Document) error) {
		candidate := merged.Clone()
		if err := fn(&candidate); err != nil {
			conflicts = append(conflicts, conflictFor(id, KindStructure, err.Error(), change.Before, entryPtr(serverIdx, id), change.After))
			return
		}
		if err := r.validate(candidate); err != nil {
			conflicts = append(conflicts, conflictFor(id, KindStructure, err.Error(), change.Before, entryPtr(serverIdx, id), change.After))
			return
		}
		merged = candidate
	}

	// additions, edits and moves in client tree order so parents land first
	var ordered []string
	client.Walk(func(node document.Node, _ string, _, _ int) {
		if _, ok := clientSide.content[node.ID]; ok {
			ordered = append(ordered, node.ID)
		}
	})
	var removed []string
	base.Walk(func(node document.Node, _ string, _, _ int) {
		if change, ok := clientSide.content[node.ID]; ok && change.After == nil {
			removed = append(removed, node.ID)
		}
	})

	for _, id := range append(ordered, removed...) {
		change := clientSide.content[id]
		if serverChange, both := serverSide.content[id]; both {
			if !agree(serverChange, change) {
				kind := classify(serverChange, change)
				conflicts = append(conflicts, conflictFor(id, kind, "changed on both sides", change.Before, serverChange.After, change.After))
			}
			continue
		}
		switch {
		case change.Has(document.ChangeRemoved):
			if !merged.Has(id) {
				continue
			}
			if touched := serverTouchedSubtree(merged, id, serverSide); len(touched) > 0 {
				// Descendants the client removed too carry their own conflict.
				for _, nodeID := range touched {
					if _, own := clientSide.content[nodeID]; own {
						continue
					}
					conflicts = append(conflicts, conflictFor(id, KindRemoveModify, fmt.Sprintf("server changed %s inside the removed subtree", nodeID), change.Before, entryPtr(serverIdx, id), nil))
					break
				}
				continue
			}
			guarded(id, change, func(doc *document.Document) error {
				_, err := doc.Remove(id)
				return err
			})
		case change.Has(document.ChangeAdded):
			after := change.After
			guarded(id, change, func(doc *document.Document) error {
				return doc.Insert(after.ParentID, insertIndex(*doc, client, after.ParentID, id), after.Node.Shallow())
			})
		default:
			after := change.After
			guarded(id, change, func(doc *document.Document) error {
				if change.Has(document.ChangeModified) {
					if err := doc.SetNode(id, after.Node.Type, after.Node.Props); err != nil {
						return err
					}
				}
				if change.Has(document.ChangeMoved) {
					if !doc.Has(after.ParentID) && after.ParentID != document.RootID {
						return fmt.Errorf("parent %s no longer exists", after.ParentID)
					}
					if err := doc.Move(id, after.ParentID, insertIndex(*doc, client, after.ParentID, id)); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}

	parents := make([]string, 0, len(clientSide.order))
	for parent := range clientSide.order {
		parents = append(parents, parent)
	}
	sort.Strings(parents)
	for _, parent := range parents {
		if serverSide.order[parent] {
			if !sameOrder(server, client, parent) {
				entry := entryPtr(baseIdx, parent)
				conflicts = append(conflicts, conflictFor(parent, KindOrder, "children reordered on both sides", entry, entryPtr(serverIdx, parent), entry))
			}
			continue
		}
		if parent != document.RootID && !merged.Has(parent) {
			continue
		}
		change := document.Change{NodeID: parent, Before: entryPtr(baseIdx, parent)}
		guarded(parent, change, func(doc *document.Document) error {
			return reorderLike(doc, client, parent)
		})
	}
	return merged, conflicts
}

func entryPtr(idx map[string]document.Entry, id string) *document.Entry {
	entry, ok := idx[id]
	if !ok {
		return nil
	}
	return &entry
}

// serverTouchedSubtree lists the nodes under id (inclusive) the server changed.
func serverTouchedSubtree(doc document.Document, id string, server sides) []string {
	node, ok := doc.Get(id)
	if !ok {
		return nil
	}
	var touched []string
	document.New(node).Walk(func(n document.Node, _ string, _, _ int) {
		if _, ok := server.content[n.ID]; ok {
			touched = append(touched, n.ID)
		}
	})
	return touched
}

// insertIndex places id right after its nearest preceding client sibling that
// already exists under parent in doc.
func insertIndex(doc, client document.Document, parent, id string) int {
	siblings := client.ChildIDs(parent)
	current := doc.ChildIDs(parent)
	pos := make(map[string]int, len(current))
	for i, sibling := range current {
		if sibling != id {
			pos[sibling] = i
		}
	}
	for i := indexOf(siblings, id) - 1; i >= 0; i-- {
		if at, ok := pos[siblings[i]]; ok {
			if self := indexOf(current, id); self >= 0 && self < at {
				return at
			}
			return at + 1
		}
	}
	return 0
}

func indexOf(list []string, id string) int {
	for i, item := range list {
		if item == id {
			return i
		}
	}
	return -1
}

// reorderLike sorts parent's children in doc into the client's relative
// order, leaving children the client does not know about in their slots.
func reorderLike(doc *document.Document, client document.Document, parent string) error {
	current := doc.ChildIDs(parent)
	known := make(map[string]bool)
	for _, id := range client.ChildIDs(parent) {
		known[id] = true
	}
	var wanted []string
	for _, id := range client.ChildIDs(parent) {
		if indexOf(current, id) >= 0 {
			wanted = append(wanted, id)
		}
	}
	target := make([]string, len(current))
	next := 0
	for i, id := range current {
		if known[id] {
			target[i] = wanted[next]
			next++
		} else {
			target[i] = id
		}
	}
	for i, id := range target {
		if err := doc.Move(id, parent, i); err != nil {
			return err
		}
	}
	return nil
}

// discrepancies lists every node where the three-way comparison finds a
// change, without choosing a winner.
func discrepancies(base, server, client document.Document) []NodeConflict {
	serverSide := split(document.Diff(base, server))
	clientSide := split(document.Diff(base, client))
	baseIdx := document.Index(base)
	serverIdx := document.Index(server)
	clientIdx := document.Index(client)
	out := []NodeConflict{}

	for id, change := range clientSide.content {
		if serverChange, both := serverSide.content[id]; both {
			if !agree(serverChange, change) {
				out = append(out, conflictFor(id, classify(serverChange, change), "changed on both sides", change.Before, serverChange.After, change.After))
			}
			continue
		}
		out = append(out, conflictFor(id, KindClientChange, "changed by client", change.Before, entryPtr(serverIdx, id), change.After))
	}
	for id, change := range serverSide.content {
		if _, both := clientSide.content[id]; both {
			continue
		}
		out = append(out, conflictFor(id, KindServerChange, "changed on server", change.Before, change.After, entryPtr(clientIdx, id)))
	}
	orders := make(map[string]bool)
	for parent := range clientSide.order {
		orders[parent] = true
	}
	for parent := range serverSide.order {
		orders[parent] = true
	}
	for parent := range orders {
		if clientSide.order[parent] && serverSide.order[parent] && sameOrder(server, client, parent) {
			continue
		}
		out = append(out, conflictFor(parent, KindOrder, "children reordered", entryPtr(baseIdx, parent), entryPtr(serverIdx, parent), entryPtr(clientIdx, parent)))
	}
	return out
}

// twoWay reports every node that differs when no common ancestor is known.
func twoWay(server, client document.Document) []NodeConflict {
	out := []NodeConflict{}
	for id, change := range document.Diff(server, client) {
		reason := "differs from server"
		if change.Has(document.ChangeOrder) && len(change.Kinds) == 1 {
			reason = "children ordered differently"
		}
		out = append(out, conflictFor(id, KindDivergent, reason, nil, change.Before, change.After))
	}
	return out
}

func sortConflicts(conflicts []NodeConflict) {
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].NodeID == conflicts[j].NodeID {
			return conflicts[i].Kind < conflicts[j].Kind
		}
		return conflicts[i].NodeID < conflicts[j].NodeID
	})
}
