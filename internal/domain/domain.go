package domain

// Status is the closed set of observation lifecycle states. Anything else is
// rejected at the boundary.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusSubmitted      Status = "submitted"
	StatusInReview       Status = "in_review"
	StatusApproved       Status = "approved"
	StatusActionAssigned Status = "action_assigned"
	StatusClosed         Status = "closed"
	StatusRejected       Status = "rejected"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusInReview,
	StatusApproved,
	StatusActionAssigned,
	StatusClosed,
	StatusRejected,
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

type Role string

const (
	RoleEmployee   Role = "employee"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	RoleClient     Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleSupervisor, RoleAdmin, RoleClient:
		return true
	}
	return false
}

type ObservationType string

const (
	TypeUnsafeAct       ObservationType = "unsafe_act"
	TypeUnsafeCondition ObservationType = "unsafe_condition"
)

func (t ObservationType) Valid() bool {
	return t == TypeUnsafeAct || t == TypeUnsafeCondition
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ActorContext identifies the authenticated caller for every engine call.
// There is no ambient session state inside the engine.
type ActorContext struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	OrgID string `json:"org_id"`
}

type Observation struct {
	ID             string            `json:"id"`
	ReporterID     string            `json:"reporter_id"`
	OrganizationID string            `json:"organization_id"`
	Type           ObservationType   `json:"type" enum:"unsafe_act,unsafe_condition"`
	Category       string            `json:"category"`
	RiskLevel      RiskLevel         `json:"risk_level" enum:"low,medium,high,critical"`
	Description    string            `json:"description,omitempty"`
	Location       string            `json:"location,omitempty"`
	ImageRef       *string           `json:"image_ref,omitempty"`
	Status         Status            `json:"status" enum:"draft,submitted,in_review,approved,action_assigned,closed,rejected"`
	IsDraft        bool              `json:"is_draft"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	Action         *CorrectiveAction `json:"corrective_action,omitempty"`
}

// CorrectiveAction is the 0-or-1 sub-entity attached once an approved
// observation gets an assignment.
type CorrectiveAction struct {
	ObservationID string  `json:"observation_id"`
	AssigneeID    string  `json:"assignee_id"`
	AssignedByID  string  `json:"assigned_by_id"`
	Description   string  `json:"description"`
	DueDate       string  `json:"due_date" format:"date-time"`
	Comment       string  `json:"comment,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// OpenAction is an action_assigned observation annotated for tracking views.
type OpenAction struct {
	Observation Observation `json:"observation"`
	IsOverdue   bool        `json:"is_overdue"`
}

type HistoryAction string

const (
	ActionSubmit      HistoryAction = "SUBMIT"
	ActionStartReview HistoryAction = "START_REVIEW"
	ActionApprove     HistoryAction = "APPROVE"
	ActionReject      HistoryAction = "REJECT"
	ActionClose       HistoryAction = "CLOSE"
	ActionAssign      HistoryAction = "ASSIGN"
	ActionComplete    HistoryAction = "COMPLETE"
	ActionUpdate      HistoryAction = "UPDATE"
)

type HistoryEntry struct {
	ID            int64         `json:"id"`
	ObservationID string        `json:"observation_id"`
	ActorID       string        `json:"actor_id"`
	ActorRole     Role          `json:"actor_role"`
	Action        HistoryAction `json:"action"`
	FromStatus    Status        `json:"from_status"`
	ToStatus      Status        `json:"to_status"`
	Comment       string        `json:"comment,omitempty"`
	TS            string        `json:"ts" format:"date-time"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
