package app

import (
	"errors"
	"fmt"
	"net/http"

	"draftsync/internal/action"
	"draftsync/internal/commit"
	"draftsync/internal/conflict"
	"draftsync/internal/session"
)

const (
	CodeTargetNotFound  = "TARGET_NOT_FOUND"
	CodeInvalidAction   = "INVALID_ACTION"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeSessionBusy     = "SESSION_BUSY"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeCommitFailed    = "COMMIT_FAILED"
	CodeCommitRejected  = "COMMIT_REJECTED"
	CodeForbidden       = "FORBIDDEN"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode lets the push channel tag error replies.
func (e *DomainError) ErrorCode() string {
	return e.Code
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errSessionNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, CodeSessionNotFound, "Session not found", map[string]any{"sessionId": id})
}

func errSessionExpired(id string) *DomainError {
	return domainError(http.StatusGone, CodeSessionExpired, "Session expired", map[string]any{"sessionId": id})
}

func errSessionBusy(id string) *DomainError {
	return domainError(http.StatusConflict, CodeSessionBusy, "Commit in progress, retry later", map[string]any{"sessionId": id})
}

func errForbidden(actor action.Actor, op string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", map[string]any{"actor": actor.String(), "operation": op})
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

func errVersionConflict(rec conflict.Record) *DomainError {
	return domainError(http.StatusConflict, CodeVersionConflict, "Document diverged from the session", rec)
}

func errFutureBase(sessionID string, base, current int64) *DomainError {
	return domainError(http.StatusConflict, CodeVersionConflict, "Base version is ahead of the session", map[string]any{
		"sessionId":   sessionID,
		"baseVersion": base,
		"version":     current,
	})
}

// asDomain maps package errors onto the control-surface taxonomy.
func asDomain(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	var actionErr *action.Error
	if errors.As(err, &actionErr) {
		code := CodeInvalidAction
		if actionErr.Code == action.CodeTargetNotFound {
			code = CodeTargetNotFound
		}
		return domainError(http.StatusUnprocessableEntity, code, actionErr.Message, actionErr)
	}

	switch {
	case errors.Is(err, commit.ErrBusy), errors.Is(err, commit.ErrNotEditable):
		return domainError(http.StatusConflict, CodeSessionBusy, "Commit in progress, retry later", nil)
	case errors.Is(err, commit.ErrRejected):
		return domainError(http.StatusUnprocessableEntity, CodeCommitRejected, err.Error(), nil)
	case errors.Is(err, commit.ErrCommitFailed):
		return domainError(http.StatusBadGateway, CodeCommitFailed, err.Error(), nil)
	case errors.Is(err, commit.ErrArtifactNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Artifact not found", nil)
	case errors.Is(err, conflict.ErrUnknownStrategy):
		return errValidation(err.Error())
	case errors.Is(err, session.ErrRevisionConflict):
		return domainError(http.StatusConflict, CodeSessionBusy, "Session is being modified concurrently, retry", nil)
	}
	return err
}

// codeOf is the metric label for an error outcome.
func codeOf(err error) string {
	var domainErr *DomainError
	if errors.As(asDomain(err), &domainErr) {
		return domainErr.Code
	}
	return "INTERNAL"
}
