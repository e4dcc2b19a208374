package app

import (
	"context"
	"fmt"
	"strings"

	"draftsync/internal/action"
	"draftsync/internal/document"
	"draftsync/internal/history"
	"draftsync/internal/session"
)

// AgentOutput is a regenerated document produced by an agent for a session.
type AgentOutput struct {
	SessionID string            `json:"sessionId"`
	AgentID   string            `json:"agentId"`
	Document  document.Document `json:"document"`
	Summary   string            `json:"summary"`
}

// WorkflowStage is the output of one workflow stage. A stage either replaces
// the document or contributes actions applied as one batch.
type WorkflowStage struct {
	SessionID string             `json:"sessionId"`
	Stage     string             `json:"stage"`
	RunID     string             `json:"runId"`
	Document  *document.Document `json:"document,omitempty"`
	Actions   []action.Action    `json:"actions,omitempty"`
	Summary   string             `json:"summary"`
}

type AgentOutputConsumer interface {
	ConsumeAgentOutput(ctx context.Context, output AgentOutput) (ActionResult, error)
}

type WorkflowStageConsumer interface {
	ConsumeWorkflowStage(ctx context.Context, stage WorkflowStage) (ActionResult, error)
}

var workflowStages = map[string]struct{}{
	"opportunity": {},
	"target":      {},
	"realization": {},
	"expansion":   {},
	"integrity":   {},
}

var (
	_ AgentOutputConsumer   = (*Service)(nil)
	_ WorkflowStageConsumer = (*Service)(nil)
)

// ConsumeAgentOutput records an agent regeneration as one undoable step.
func (s *Service) ConsumeAgentOutput(ctx context.Context, output AgentOutput) (ActionResult, error) {
	agentID := strings.TrimSpace(output.AgentID)
	if strings.TrimSpace(output.SessionID) == "" || agentID == "" {
		return ActionResult{}, errValidation("sessionId and agentId are required")
	}
	if err := s.executor.Validate(output.Document); err != nil {
		return ActionResult{}, asDomain(err)
	}
	actor := action.Actor{Kind: action.ActorAgent, ID: agentID}
	description := firstNonBlank(output.Summary, "Regenerated by "+agentID)
	return s.replaceFrom(ctx, output.SessionID, history.KindExternalRegeneration, output.Document, actor, description)
}

// ConsumeWorkflowStage records a stage's contribution as an automated edit.
func (s *Service) ConsumeWorkflowStage(ctx context.Context, stage WorkflowStage) (ActionResult, error) {
	name := strings.ToLower(strings.TrimSpace(stage.Stage))
	if _, ok := workflowStages[name]; !ok {
		return ActionResult{}, errValidation(fmt.Sprintf("unknown workflow stage %q", stage.Stage))
	}
	if strings.TrimSpace(stage.SessionID) == "" {
		return ActionResult{}, errValidation("sessionId is required")
	}
	actor := action.Actor{Kind: action.ActorWorkflow, ID: firstNonBlank(stage.RunID, name)}
	description := firstNonBlank(stage.Summary, "Workflow stage "+name)

	switch {
	case stage.Document != nil && len(stage.Actions) > 0:
		return ActionResult{}, errValidation("a stage carries either a document or actions, not both")
	case stage.Document != nil:
		if err := s.executor.Validate(*stage.Document); err != nil {
			return ActionResult{}, asDomain(err)
		}
		return s.replaceFrom(ctx, stage.SessionID, history.KindAutomatedEdit, *stage.Document, actor, description)
	case len(stage.Actions) == 0:
		return ActionResult{}, errValidation("stage has no document or actions")
	}

	batch := action.Batch(stage.Actions...)
	var result ActionResult
	_, err := s.mutate(ctx, stage.SessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		res, err := s.executor.Execute(ctx, sess.Document, batch, actor)
		if err != nil {
			return err
		}
		result = ActionResult{Document: sess.Document, Version: sess.Version}
		if !res.Changed {
			return errUnchanged
		}
		now := s.now()
		sess.Touch(now)
		sess.OperationCount++
		entry := s.advance(sess, history.NewEntry(history.KindAutomatedEdit, sess.Document, res.Document, &batch, actor, description, now))
		out.publish(broadcastApplied(sess, entry))
		s.maybeCheckpoint(sess, out, now)
		result = ActionResult{Document: sess.Document, Version: sess.Version, HistoryEntryID: entry.ID, Changed: true}
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

func (s *Service) replaceFrom(ctx context.Context, sessionID string, kind history.Kind, doc document.Document, actor action.Actor, description string) (ActionResult, error) {
	var result ActionResult
	_, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		result = ActionResult{Document: sess.Document, Version: sess.Version}
		if document.Equal(doc, sess.Document) {
			return errUnchanged
		}
		sess.Touch(s.now())
		sess.OperationCount++
		entry := s.replace(sess, out, kind, doc, actor, description)
		result = ActionResult{Document: sess.Document, Version: sess.Version, HistoryEntryID: entry.ID, Changed: true}
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}
	return result, nil
}
