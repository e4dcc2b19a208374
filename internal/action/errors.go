package action

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeTargetNotFound Code = "TARGET_NOT_FOUND"
	CodeInvalidAction  Code = "INVALID_ACTION"
)

var (
	ErrTargetNotFound = errors.New("target not found")
	ErrInvalidAction  = errors.New("invalid action")
)

// Error is a rejected action. The document it was applied to is unchanged.
type Error struct {
	Code    Code   `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	Field   string `json:"field,omitempty"`
	Index   *int   `json:"batchIndex,omitempty"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s (node %s)", msg, e.NodeID)
	}
	if e.Index != nil {
		msg = fmt.Sprintf("batch[%d]: %s", *e.Index, msg)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	sentinel := ErrInvalidAction
	if e.Code == CodeTargetNotFound {
		sentinel = ErrTargetNotFound
	}
	if e.cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.cause}
}

func targetNotFound(selector, field string) *Error {
	return &Error{
		Code:    CodeTargetNotFound,
		NodeID:  selector,
		Field:   field,
		Message: fmt.Sprintf("%s %q does not resolve to a node", field, selector),
	}
}

func invalid(nodeID, field, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidAction,
		NodeID:  nodeID,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
