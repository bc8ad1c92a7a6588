package hsetracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal HSE Track HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Observation represents the API observation model.
type Observation struct {
	ID             string            `json:"id"`
	ReporterID     string            `json:"reporter_id"`
	OrganizationID string            `json:"organization_id"`
	Type           string            `json:"type"`
	Category       string            `json:"category"`
	RiskLevel      string            `json:"risk_level"`
	Description    string            `json:"description,omitempty"`
	Location       string            `json:"location,omitempty"`
	Status         string            `json:"status"`
	IsDraft        bool              `json:"is_draft"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	Action         *CorrectiveAction `json:"corrective_action,omitempty"`
}

// CorrectiveAction is the assignment attached to an approved observation.
type CorrectiveAction struct {
	ObservationID string  `json:"observation_id"`
	AssigneeID    string  `json:"assignee_id"`
	AssignedByID  string  `json:"assigned_by_id"`
	Description   string  `json:"description"`
	DueDate       string  `json:"due_date"`
	Comment       string  `json:"comment,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// OpenAction is an open assignment with its overdue flag.
type OpenAction struct {
	Observation Observation `json:"observation"`
	IsOverdue   bool        `json:"is_overdue"`
}

// HistoryEntry is one row of the audit ledger.
type HistoryEntry struct {
	ID            int64  `json:"id"`
	ObservationID string `json:"observation_id"`
	ActorID       string `json:"actor_id"`
	ActorRole     string `json:"actor_role"`
	Action        string `json:"action"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	Comment       string `json:"comment,omitempty"`
	TS            string `json:"ts"`
}

// Summary is the per-status count report.
type Summary struct {
	OrgID  string         `json:"org_id"`
	Counts map[string]int `json:"counts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedObservations wraps list responses with cursors.
type PaginatedObservations struct {
	Items      []Observation `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// PaginatedOpenActions wraps the tracker listing.
type PaginatedOpenActions struct {
	Items      []OpenAction `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateObservationInput holds the fields for a new report.
type CreateObservationInput struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	RiskLevel   string `json:"risk_level"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Submit      bool   `json:"submit,omitempty"`
}

// CreateObservation creates a draft, or submits immediately when input.Submit is set.
func (c *Client) CreateObservation(ctx context.Context, input CreateObservationInput) (Observation, error) {
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations", input, &resp)
	return resp, err
}

// GetObservation fetches one observation.
func (c *Client) GetObservation(ctx context.Context, id string) (Observation, error) {
	var resp Observation
	err := c.do(ctx, http.MethodGet, "v1/observations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListObservations returns a page of observations.
func (c *Client) ListObservations(ctx context.Context, status string, limit int, cursor string) (PaginatedObservations, error) {
	endpoint := "v1/observations" + listQuery(map[string]string{
		"status": status,
		"limit":  positiveInt(limit),
		"cursor": cursor,
	})
	var resp PaginatedObservations
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a draft to submitted.
func (c *Client) Submit(ctx context.Context, id, expectedStatus string) (Observation, error) {
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations/"+url.PathEscape(id)+"/submit",
		map[string]string{"expected_status": expectedStatus}, &resp)
	return resp, err
}

// StartReview claims a submitted observation.
func (c *Client) StartReview(ctx context.Context, id, expectedStatus string) (Observation, error) {
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations/"+url.PathEscape(id)+"/start-review",
		map[string]string{"expected_status": expectedStatus}, &resp)
	return resp, err
}

// Review approves, rejects or closes an observation.
func (c *Client) Review(ctx context.Context, id, action, comment, expectedStatus string) (Observation, error) {
	body := map[string]string{
		"action":          action,
		"comment":         comment,
		"expected_status": expectedStatus,
	}
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations/"+url.PathEscape(id)+"/review", body, &resp)
	return resp, err
}

// AssignAction attaches a corrective action.
func (c *Client) AssignAction(ctx context.Context, id, assigneeID, dueDate, description, expectedStatus string) (Observation, error) {
	body := map[string]string{
		"assignee_id":     assigneeID,
		"due_date":        dueDate,
		"description":     description,
		"expected_status": expectedStatus,
	}
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations/"+url.PathEscape(id)+"/action", body, &resp)
	return resp, err
}

// CompleteAction closes an observation whose action is done.
func (c *Client) CompleteAction(ctx context.Context, id, comment, expectedStatus string) (Observation, error) {
	body := map[string]string{
		"comment":         comment,
		"expected_status": expectedStatus,
	}
	var resp Observation
	err := c.do(ctx, http.MethodPost, "v1/observations/"+url.PathEscape(id)+"/action/complete", body, &resp)
	return resp, err
}

// OpenActions lists open corrective actions by due date.
func (c *Client) OpenActions(ctx context.Context, limit int, cursor string) (PaginatedOpenActions, error) {
	endpoint := "v1/actions/open" + listQuery(map[string]string{
		"limit":  positiveInt(limit),
		"cursor": cursor,
	})
	var resp PaginatedOpenActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the full trail for one observation.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, "v1/observations/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

// GetSummary returns per-status counts, optionally windowed.
func (c *Client) GetSummary(ctx context.Context, from, to string) (Summary, error) {
	endpoint := "v1/summary" + listQuery(map[string]string{"from": from, "to": to})
	var resp Summary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func listQuery(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func positiveInt(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
