package server

import (
	"hsetrack/internal/config"
	"hsetrack/internal/domain"
)

// Request bodies

type CreateObservationRequest struct {
	ID          *string `json:"id,omitempty"`
	Type        string  `json:"type" enum:"unsafe_act,unsafe_condition"`
	Category    string  `json:"category"`
	RiskLevel   string  `json:"risk_level" enum:"low,medium,high,critical"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	ImageRef    *string `json:"image_ref,omitempty"`
	Submit      bool    `json:"submit,omitempty"`
}

type EditDraftRequest struct {
	Type        *string `json:"type,omitempty" enum:"unsafe_act,unsafe_condition"`
	Category    *string `json:"category,omitempty"`
	RiskLevel   *string `json:"risk_level,omitempty" enum:"low,medium,high,critical"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	ImageRef    *string `json:"image_ref,omitempty"`
}

type TransitionRequest struct {
	ExpectedStatus string `json:"expected_status" enum:"draft,submitted,in_review,approved,action_assigned,closed,rejected"`
}

type ReviewRequest struct {
	Action         string `json:"action" enum:"approve,reject,close"`
	Comment        string `json:"comment,omitempty"`
	ExpectedStatus string `json:"expected_status" enum:"draft,submitted,in_review,approved,action_assigned,closed,rejected"`
}

type AssignActionRequest struct {
	AssigneeID     string `json:"assignee_id"`
	DueDate        string `json:"due_date" format:"date-time"`
	Description    string `json:"description"`
	ExpectedStatus string `json:"expected_status" enum:"draft,submitted,in_review,approved,action_assigned,closed,rejected"`
}

type CompleteActionRequest struct {
	Comment        string `json:"comment"`
	ExpectedStatus string `json:"expected_status" enum:"draft,submitted,in_review,approved,action_assigned,closed,rejected"`
}

type UpdateAssignmentRequest struct {
	AssigneeID *string `json:"assignee_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"employee,supervisor,admin,client"`
	OrgID   string `json:"org_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"employee,supervisor,admin,client"`
	OrgID   string `json:"org_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response bodies

type ObservationResponse = domain.Observation

type OpenActionResponse = domain.OpenAction

type HistoryEntryResponse = domain.HistoryEntry

type paginatedObservations struct {
	Items      []ObservationResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedOpenActions struct {
	Items      []OpenActionResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type SummaryResponse struct {
	OrgID  string         `json:"org_id"`
	Counts map[string]int `json:"counts"`
}

type OrgResponse = domain.Organization

type OrgConfigResponse struct {
	Organization struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"organization"`
	Categories map[string]struct {
		Description string `json:"description"`
	} `json:"categories"`
	Review struct {
		DefaultActionDueDays int `json:"default_action_due_days"`
	} `json:"review"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	OrgID   string `json:"org_id"`
	Source  string `json:"source"`
}

// Conversion helpers

func mapObservations(items []domain.Observation) []ObservationResponse {
	res := make([]ObservationResponse, 0, len(items))
	for _, o := range items {
		res = append(res, o)
	}
	return res
}

func configResponse(cfg *config.Config) OrgConfigResponse {
	res := OrgConfigResponse{
		Categories: map[string]struct {
			Description string `json:"description"`
		}{},
	}
	res.Organization.ID = cfg.Organization.ID
	res.Organization.Name = cfg.Organization.Name
	for k, v := range cfg.Categories.Catalog {
		res.Categories[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	res.Review.DefaultActionDueDays = cfg.Review.DefaultActionDueDays
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      string(k.Role),
		OrgID:     k.OrgID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}
