// Package history keeps the bounded, linear undo/redo stacks of a session.
package history

import (
	"context"
	"fmt"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/document"

	"github.com/oklog/ulid/v2"
)

const DefaultCapacity = 50

type Kind string

const (
	KindMutation             Kind = "mutation"
	KindExternalRegeneration Kind = "external-regeneration"
	KindUserEdit             Kind = "user-edit"
	KindAutomatedEdit        Kind = "automated-edit"
)

// Entry is one recorded state transition. Entries are never modified once recorded.
type Entry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         Kind              `json:"kind"`
	Before       document.Document `json:"before"`
	After        document.Document `json:"after"`
	Action       *action.Action    `json:"action,omitempty"`
	Description  string            `json:"description"`
	Actor        action.Actor      `json:"actor"`
	VersionAfter int64             `json:"versionAfter"`
}

func NewEntry(kind Kind, before, after document.Document, act *action.Action, actor action.Actor, description string, now time.Time) Entry {
	if description == "" && act != nil {
		description = act.Describe()
	}
	return Entry{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Timestamp:   now.UTC(),
		Kind:        kind,
		Before:      before,
		After:       after,
		Action:      act,
		Description: description,
		Actor:       actor,
	}
}

// State is the part of a session the manager works on. Base is the document
// as it was before the oldest entry still on the undo stack.
type State struct {
	Base document.Document `json:"base"`
	Undo []Entry           `json:"historyStack"`
	Redo []Entry           `json:"redoStack"`
}

type Status string

const (
	StatusOK            Status = "ok"
	StatusNothingToUndo Status = "nothing-to-undo"
	StatusNothingToRedo Status = "nothing-to-redo"
)

type Position string

const (
	AtHead     Position = "at-head"
	BehindHead Position = "behind-head"
)

type Manager struct {
	capacity int
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{capacity: capacity}
}

func (m *Manager) Capacity() int { return m.capacity }

// Record pushes a forward transition, drops any redo history and evicts the
// oldest entry beyond capacity. It returns the evicted entries.
func (m *Manager) Record(st *State, entry Entry) []Entry {
	st.Undo = append(st.Undo, entry)
	st.Redo = nil
	var evicted []Entry
	for len(st.Undo) > m.capacity {
		oldest := st.Undo[0]
		evicted = append(evicted, oldest)
		st.Base = oldest.After
		st.Undo = append([]Entry(nil), st.Undo[1:]...)
	}
	return evicted
}

// Undo moves the newest entry to the redo stack. The caller restores entry.Before.
func (m *Manager) Undo(st *State) (Entry, Status) {
	if len(st.Undo) == 0 {
		return Entry{}, StatusNothingToUndo
	}
	last := len(st.Undo) - 1
	entry := st.Undo[last]
	st.Undo = st.Undo[:last]
	st.Redo = append(st.Redo, entry)
	return entry, StatusOK
}

// Redo moves the most recently undone entry back. The caller restores entry.After.
func (m *Manager) Redo(st *State) (Entry, Status) {
	if len(st.Redo) == 0 {
		return Entry{}, StatusNothingToRedo
	}
	last := len(st.Redo) - 1
	entry := st.Redo[last]
	st.Redo = st.Redo[:last]
	st.Undo = append(st.Undo, entry)
	return entry, StatusOK
}

func PositionOf(st State) Position {
	if len(st.Redo) > 0 {
		return BehindHead
	}
	return AtHead
}

// View is the linear timeline: applied entries oldest first, then undone
// entries in the order redo would reapply them. CurrentIndex points at the
// newest applied entry, -1 when nothing is applied.
type View struct {
	Entries      []Entry  `json:"entries"`
	CurrentIndex int      `json:"currentIndex"`
	Position     Position `json:"position"`
}

func Snapshot(st State) View {
	entries := make([]Entry, 0, len(st.Undo)+len(st.Redo))
	entries = append(entries, st.Undo...)
	for i := len(st.Redo) - 1; i >= 0; i-- {
		entries = append(entries, st.Redo[i])
	}
	return View{Entries: entries, CurrentIndex: len(st.Undo) - 1, Position: PositionOf(st)}
}

// Executor re-applies recorded actions during replay.
type Executor interface {
	Execute(ctx context.Context, doc document.Document, a action.Action, actor action.Actor) (action.Result, error)
}

// Replay rebuilds a document from start by re-running entries in order.
// Entries without an action (regenerations, replacements) contribute their
// recorded After value.
func Replay(ctx context.Context, start document.Document, entries []Entry, exec Executor) (document.Document, error) {
	doc := start.Clone()
	for _, entry := range entries {
		if entry.Action == nil || exec == nil {
			doc = entry.After.Clone()
			continue
		}
		res, err := exec.Execute(ctx, doc, *entry.Action, entry.Actor)
		if err != nil {
			return document.Document{}, fmt.Errorf("replay entry %s: %w", entry.ID, err)
		}
		doc = res.Document
	}
	return doc, nil
}

// Anchor is a known document at a point in the undo stack, such as a checkpoint.
type Anchor struct {
	HeadEntryID string
	Document    document.Document
}

// Recompute derives the current document from the newest anchor whose head
// entry is still on the undo stack, falling back to the base document.
func Recompute(ctx context.Context, st State, anchors []Anchor, exec Executor) (document.Document, error) {
	positions := make(map[string]int, len(st.Undo))
	for i, entry := range st.Undo {
		positions[entry.ID] = i
	}
	for i := len(anchors) - 1; i >= 0; i-- {
		at, ok := positions[anchors[i].HeadEntryID]
		if !ok {
			continue
		}
		return Replay(ctx, anchors[i].Document, st.Undo[at+1:], exec)
	}
	return Replay(ctx, st.Base, st.Undo, exec)
}
