package org

import "fmt"

// Error carries a stable machine-readable code alongside the message.
// Codes surface unchanged in error notifications and gateway responses.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches two coded errors by code so errors.Is works against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func coded(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidParentAgentID    = &Error{Code: "invalid_parentAgentId", Message: "parentAgentId is empty or a placeholder"}
	ErrInvalidAgentID          = &Error{Code: "invalid_agentId", Message: "agentId is empty or malformed"}
	ErrAgentNotFound           = &Error{Code: "agent_not_found", Message: "agent not found"}
	ErrRoleNotFound            = &Error{Code: "role_not_found", Message: "role not found"}
	ErrAgentAlreadyTerminated  = &Error{Code: "agent_already_terminated", Message: "agent already terminated"}
	ErrRoleAlreadyDeleted      = &Error{Code: "role_already_deleted", Message: "role already deleted"}
	ErrCannotDeleteSystemAgent = &Error{Code: "cannot_delete_system_agent", Message: "root and user cannot be terminated or renamed"}
	ErrCannotModifySystemRole  = &Error{Code: "cannot_modify_system_role", Message: "system roles cannot be updated or deleted"}
)
