// Package broadcast fans confirmed session changes out to connected clients.
package broadcast

import (
	"draftsync/internal/action"
	"draftsync/internal/conflict"
	"draftsync/internal/document"
)

type MessageType string

const (
	TypeOperationApplied MessageType = "operation-applied"
	TypeSessionState     MessageType = "session-state"
	TypeConflict         MessageType = "conflict"
	TypeSessionClosed    MessageType = "session-closed"
	TypeAck              MessageType = "ack"
	TypeError            MessageType = "error"

	// client to server
	TypeApply MessageType = "apply"
	TypeUndo  MessageType = "undo"
	TypeRedo  MessageType = "redo"
)

// Close reasons carried by session-closed.
const (
	ReasonCommitted = "committed"
	ReasonDiscarded = "discarded"
	ReasonExpired   = "expired"
	ReasonDropped   = "subscriber-lagging"
)

// Message is the push-channel envelope in both directions.
type Message struct {
	Type             MessageType        `json:"type"`
	SessionID        string             `json:"sessionId"`
	HistoryEntryID   string             `json:"historyEntryId,omitempty"`
	Action           *action.Action     `json:"action,omitempty"`
	ResultingVersion int64              `json:"resultingVersion,omitempty"`
	Document         *document.Document `json:"document,omitempty"`
	Version          int64              `json:"version,omitempty"`
	ConflictRecord   *conflict.Record   `json:"conflictRecord,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Actor            *action.Actor      `json:"actor,omitempty"`

	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`

	// Origin is the instance that published the message, used by the relay.
	Origin string `json:"origin,omitempty"`
}

func OperationApplied(sessionID, entryID string, a *action.Action, version int64, actor action.Actor) Message {
	return Message{Type: TypeOperationApplied, SessionID: sessionID, HistoryEntryID: entryID, Action: a, ResultingVersion: version, Actor: &actor}
}

func SessionState(sessionID string, doc document.Document, version int64) Message {
	return Message{Type: TypeSessionState, SessionID: sessionID, Document: &doc, Version: version}
}

func Conflict(sessionID string, rec conflict.Record) Message {
	return Message{Type: TypeConflict, SessionID: sessionID, ConflictRecord: &rec}
}

func SessionClosed(sessionID, reason string) Message {
	return Message{Type: TypeSessionClosed, SessionID: sessionID, Reason: reason}
}
