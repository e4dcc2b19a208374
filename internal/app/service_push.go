package app

import (
	"context"
	"errors"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/history"
	"draftsync/internal/rbac"
	"draftsync/internal/session"
)

var _ broadcast.Backend = (*Service)(nil)

func broadcastApplied(sess *session.Session, entry history.Entry) broadcast.Message {
	return broadcast.OperationApplied(sess.ID, entry.ID, entry.Action, sess.Version, entry.Actor)
}

// Attach subscribes actor to the session. The session-state snapshot is
// queued under the session lock, so no operation can slip in ahead of it.
func (s *Service) Attach(ctx context.Context, sessionID string, actor action.Actor) (*broadcast.Subscriber, error) {
	if !s.Can(actor, rbac.ActionRead) {
		return nil, errForbidden(actor, "subscribe")
	}
	unlock := s.lockSession(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		if sess != nil {
			s.expireLocked(ctx, sess)
		}
		return nil, err
	}
	sub := s.hub.Subscribe(sessionID, actor)
	sub.Send(broadcast.SessionState(sess.ID, sess.Document, sess.Version))
	s.scheduler.Track(sessionID)
	return sub, nil
}

func (s *Service) Detach(sub *broadcast.Subscriber) {
	s.hub.Unsubscribe(sub)
}

// HandleCommand runs an apply, undo or redo sent over the push channel.
func (s *Service) HandleCommand(ctx context.Context, sessionID string, actor action.Actor, cmd broadcast.Message) broadcast.Message {
	switch cmd.Type {
	case broadcast.TypeApply:
		if cmd.Action == nil {
			return errorReply(sessionID, errValidation("apply requires an action"))
		}
		result, err := s.ApplyAction(ctx, sessionID, *cmd.Action, actor)
		if err != nil {
			return errorReply(sessionID, err)
		}
		return broadcast.Message{Type: broadcast.TypeAck, SessionID: sessionID, HistoryEntryID: result.HistoryEntryID, Version: result.Version, Status: "ok"}
	case broadcast.TypeUndo, broadcast.TypeRedo:
		var (
			result StepResult
			err    error
		)
		if cmd.Type == broadcast.TypeUndo {
			result, err = s.Undo(ctx, sessionID, actor)
		} else {
			result, err = s.Redo(ctx, sessionID, actor)
		}
		if err != nil {
			return errorReply(sessionID, err)
		}
		return broadcast.Message{Type: broadcast.TypeAck, SessionID: sessionID, HistoryEntryID: result.HistoryEntryID, Version: result.Version, Status: string(result.Status)}
	}
	return errorReply(sessionID, errValidation("unsupported message type "+string(cmd.Type)))
}

func errorReply(sessionID string, err error) broadcast.Message {
	msg := broadcast.Message{Type: broadcast.TypeError, SessionID: sessionID, Code: "INTERNAL", Error: err.Error()}
	var domainErr *DomainError
	if errors.As(asDomain(err), &domainErr) {
		msg.Code = domainErr.Code
		msg.Error = domainErr.Message
	}
	return msg
}
