package app

import (
	"draftsync/internal/action"
	"draftsync/internal/rbac"
)

// Can reports whether actor's kind permits op.
func (s *Service) Can(actor action.Actor, op rbac.Action) bool {
	return rbac.Can(rbac.Normalize(actor.Kind), op)
}
