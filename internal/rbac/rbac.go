// Package rbac decides what each kind of actor may do to a session.
package rbac

type Role string
type Action string

// Roles mirror actor kinds. Anything unrecognised is a viewer.
const (
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
	RoleWorkflow Role = "workflow"
	RoleUser     Role = "user"
	RoleSystem   Role = "system"
)

const (
	ActionRead Action = "read"
	ActionEdit Action = "edit"
	// ActionForceOverwrite is a client-wins submission.
	ActionForceOverwrite Action = "force-overwrite"
	ActionCommit         Action = "commit"
	ActionDiscard        Action = "discard"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleSystem:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionEdit || action == ActionForceOverwrite || action == ActionCommit || action == ActionDiscard
	case RoleWorkflow:
		return action == ActionRead || action == ActionEdit || action == ActionCommit
	case RoleAgent:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(kind string) Role {
	switch Role(kind) {
	case RoleAgent, RoleWorkflow, RoleUser, RoleSystem:
		return Role(kind)
	default:
		return RoleViewer
	}
}
