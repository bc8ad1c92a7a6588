package auth

import (
	"fmt"

	"hsetrack/internal/domain"
)

// Operation names every role-gated workflow call.
type Operation string

const (
	OpSubmit           Operation = "submit"
	OpEditDraft        Operation = "edit_draft"
	OpDeleteDraft      Operation = "delete_draft"
	OpStartReview      Operation = "start_review"
	OpReview           Operation = "review"
	OpAssignAction     Operation = "assign_action"
	OpCompleteAction   Operation = "complete_action"
	OpUpdateAssignment Operation = "update_assignment"
)

// ForbiddenError indicates the actor's role may not perform the operation.
type ForbiddenError struct {
	Operation Operation
	Role      domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Operation)
}

// allowed is the single source of truth for role gating: one lookup keyed by
// (operation, role). Client is read-only and appears nowhere.
var allowed = map[Operation]map[domain.Role]bool{
	OpSubmit: {
		domain.RoleEmployee:   true,
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpEditDraft: {
		domain.RoleEmployee:   true,
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpDeleteDraft: {
		domain.RoleEmployee:   true,
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpStartReview: {
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpReview: {
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpAssignAction: {
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpCompleteAction: {
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
	OpUpdateAssignment: {
		domain.RoleSupervisor: true,
		domain.RoleAdmin:      true,
	},
}

// Allowed reports whether role may perform op.
func Allowed(op Operation, role domain.Role) bool {
	return allowed[op][role]
}

// Require returns ForbiddenError unless role may perform op.
func Require(op Operation, role domain.Role) error {
	if !Allowed(op, role) {
		return ForbiddenError{Operation: op, Role: role}
	}
	return nil
}
