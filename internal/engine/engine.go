package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"hsetrack/internal/domain"
	"hsetrack/internal/engine/auth"
	"hsetrack/internal/history"
	"hsetrack/internal/repo"
)

// Engine is the single authority on observation status changes. Every
// transition runs as one read-modify-write transaction that also appends the
// matching history entry.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Log
	Now     func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Log{DB: db},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ensureTransition is the transition graph. Anything not listed is illegal.
func ensureTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusDraft:
		if to == domain.StatusSubmitted {
			return nil
		}
	case domain.StatusSubmitted:
		switch to {
		case domain.StatusInReview, domain.StatusApproved, domain.StatusRejected, domain.StatusClosed:
			return nil
		}
	case domain.StatusInReview:
		switch to {
		case domain.StatusApproved, domain.StatusRejected, domain.StatusClosed:
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusActionAssigned {
			return nil
		}
	case domain.StatusActionAssigned:
		if to == domain.StatusClosed {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to}
}

// CreateOptions are parameters for creating an observation. Submit reports
// directly, skipping the draft stage.
type CreateOptions struct {
	ID          string
	Reporter    domain.ActorContext
	Type        domain.ObservationType
	Category    string
	RiskLevel   domain.RiskLevel
	Description string
	Location    string
	ImageRef    string
	Submit      bool
}

func (e Engine) CreateObservation(ctx context.Context, opts CreateOptions) (domain.Observation, error) {
	if !opts.Reporter.Role.Valid() {
		return domain.Observation{}, ValidationError{Field: "role", Reason: "unknown role"}
	}
	if opts.Reporter.Role == domain.RoleClient {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpSubmit, Role: opts.Reporter.Role}
	}
	if !opts.Type.Valid() {
		return domain.Observation{}, ValidationError{Field: "type", Reason: "must be unsafe_act or unsafe_condition"}
	}
	if !opts.RiskLevel.Valid() {
		return domain.Observation{}, ValidationError{Field: "risk_level", Reason: "unknown risk level"}
	}
	if opts.Category == "" {
		return domain.Observation{}, ValidationError{Field: "category", Reason: "category is required"}
	}
	if opts.Reporter.OrgID == "" {
		return domain.Observation{}, ValidationError{Field: "org_id", Reason: "organization is required"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.Reporter.OrgID); err != nil {
		return domain.Observation{}, err
	}
	cfg, err := e.Repo.GetOrgConfig(ctx, opts.Reporter.OrgID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Observation{}, err
	}
	if cfg != nil && !cfg.HasCategory(opts.Category) {
		return domain.Observation{}, ValidationError{Field: "category", Reason: "category not in organization catalog"}
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	status := domain.StatusDraft
	if opts.Submit {
		status = domain.StatusSubmitted
	}
	o := domain.Observation{
		ID:             id,
		ReporterID:     opts.Reporter.ID,
		OrganizationID: opts.Reporter.OrgID,
		Type:           opts.Type,
		Category:       opts.Category,
		RiskLevel:      opts.RiskLevel,
		Description:    opts.Description,
		Location:       opts.Location,
		Status:         status,
		IsDraft:        status == domain.StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.ImageRef != "" {
		o.ImageRef = &opts.ImageRef
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.Reporter.ID, "", now); err != nil {
		return domain.Observation{}, err
	}
	if err := e.Repo.InsertObservationTx(ctx, tx, o); err != nil {
		return domain.Observation{}, err
	}
	if opts.Submit {
		// history begins at first submit; drafts leave no trail
		if err := e.History.Append(ctx, tx, domain.HistoryEntry{
			ObservationID: o.ID,
			ActorID:       opts.Reporter.ID,
			ActorRole:     opts.Reporter.Role,
			Action:        domain.ActionSubmit,
			FromStatus:    domain.StatusDraft,
			ToStatus:      domain.StatusSubmitted,
			TS:            now,
		}); err != nil {
			return domain.Observation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Observation{}, err
	}
	return o, nil
}

// Submit moves a draft to submitted. Only the reporter may submit.
func (e Engine) Submit(ctx context.Context, observationID string, actor domain.ActorContext, expected domain.Status) (domain.Observation, error) {
	if err := auth.Require(auth.OpSubmit, actor.Role); err != nil {
		return domain.Observation{}, err
	}
	if !expected.Valid() {
		return domain.Observation{}, ValidationError{Field: "expected_status", Reason: "unknown status"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, observationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpSubmit, Role: actor.Role}
	}
	if o.ReporterID != actor.ID {
		return domain.Observation{}, OwnershipError{ObservationID: o.ID, ActorID: actor.ID}
	}
	o, err = e.transition(ctx, tx, o, expected, domain.StatusSubmitted, domain.HistoryEntry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    domain.ActionSubmit,
	})
	if err != nil {
		return domain.Observation{}, err
	}
	return o, tx.Commit()
}

// ReviewAction selects the outcome of a review.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
	ReviewClose   ReviewAction = "close"
)

type ReviewOptions struct {
	ObservationID  string
	Actor          domain.ActorContext
	Action         ReviewAction
	Comment        string
	ExpectedStatus domain.Status
}

// Review resolves a submitted or in-review observation. Reject and close are
// final verdicts and must carry a comment.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Observation, error) {
	if err := auth.Require(auth.OpReview, opts.Actor.Role); err != nil {
		return domain.Observation{}, err
	}
	var target domain.Status
	var action domain.HistoryAction
	switch opts.Action {
	case ReviewApprove:
		target, action = domain.StatusApproved, domain.ActionApprove
	case ReviewReject:
		target, action = domain.StatusRejected, domain.ActionReject
	case ReviewClose:
		target, action = domain.StatusClosed, domain.ActionClose
	default:
		return domain.Observation{}, ValidationError{Field: "action", Reason: "must be approve, reject or close"}
	}
	if !opts.ExpectedStatus.Valid() {
		return domain.Observation{}, ValidationError{Field: "expected_status", Reason: "unknown status"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, opts.ObservationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != opts.Actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpReview, Role: opts.Actor.Role}
	}
	if o.Status.Terminal() {
		return domain.Observation{}, InvalidTransitionError{From: o.Status, To: target}
	}
	if (opts.Action == ReviewReject || opts.Action == ReviewClose) && opts.Comment == "" {
		return domain.Observation{}, ValidationError{Field: "comment", Reason: "comment required for " + string(opts.Action)}
	}
	o, err = e.transition(ctx, tx, o, opts.ExpectedStatus, target, domain.HistoryEntry{
		ActorID:   opts.Actor.ID,
		ActorRole: opts.Actor.Role,
		Action:    action,
		Comment:   opts.Comment,
	})
	if err != nil {
		return domain.Observation{}, err
	}
	return o, tx.Commit()
}

// StartReview claims a submitted observation for review. The in_review stage
// is optional; Review accepts observations straight from submitted as well.
func (e Engine) StartReview(ctx context.Context, observationID string, actor domain.ActorContext, expected domain.Status) (domain.Observation, error) {
	if err := auth.Require(auth.OpStartReview, actor.Role); err != nil {
		return domain.Observation{}, err
	}
	if !expected.Valid() {
		return domain.Observation{}, ValidationError{Field: "expected_status", Reason: "unknown status"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, observationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpStartReview, Role: actor.Role}
	}
	o, err = e.transition(ctx, tx, o, expected, domain.StatusInReview, domain.HistoryEntry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    domain.ActionStartReview,
	})
	if err != nil {
		return domain.Observation{}, err
	}
	return o, tx.Commit()
}

type AssignOptions struct {
	ObservationID  string
	Actor          domain.ActorContext
	AssigneeID     string
	DueDate        string
	Description    string
	ExpectedStatus domain.Status
}

// AssignAction attaches a corrective action to an approved observation.
func (e Engine) AssignAction(ctx context.Context, opts AssignOptions) (domain.Observation, error) {
	if err := auth.Require(auth.OpAssignAction, opts.Actor.Role); err != nil {
		return domain.Observation{}, err
	}
	if !opts.ExpectedStatus.Valid() {
		return domain.Observation{}, ValidationError{Field: "expected_status", Reason: "unknown status"}
	}
	if opts.AssigneeID == "" {
		return domain.Observation{}, ValidationError{Field: "assignee_id", Reason: "assignee is required"}
	}
	if opts.Description == "" {
		return domain.Observation{}, ValidationError{Field: "description", Reason: "description is required"}
	}
	due, err := time.Parse(time.RFC3339, opts.DueDate)
	if err != nil {
		return domain.Observation{}, ValidationError{Field: "due_date", Reason: "must be RFC3339"}
	}
	if due.Before(e.now()) {
		return domain.Observation{}, ValidationError{Field: "due_date", Reason: "must not be in the past"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, opts.ObservationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != opts.Actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpAssignAction, Role: opts.Actor.Role}
	}
	known, err := e.Repo.ActorExists(ctx, tx, opts.AssigneeID)
	if err != nil {
		return domain.Observation{}, err
	}
	if !known {
		return domain.Observation{}, ValidationError{Field: "assignee_id", Reason: "unknown assignee"}
	}
	o, err = e.transition(ctx, tx, o, opts.ExpectedStatus, domain.StatusActionAssigned, domain.HistoryEntry{
		ActorID:   opts.Actor.ID,
		ActorRole: opts.Actor.Role,
		Action:    domain.ActionAssign,
		Comment:   opts.Description,
	})
	if err != nil {
		return domain.Observation{}, err
	}
	action := domain.CorrectiveAction{
		ObservationID: o.ID,
		AssigneeID:    opts.AssigneeID,
		AssignedByID:  opts.Actor.ID,
		Description:   opts.Description,
		DueDate:       due.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return domain.Observation{}, err
	}
	o.Action = &action
	return o, tx.Commit()
}

type CompleteOptions struct {
	ObservationID  string
	Actor          domain.ActorContext
	Comment        string
	ExpectedStatus domain.Status
}

// CompleteAction closes an observation whose corrective action is done.
func (e Engine) CompleteAction(ctx context.Context, opts CompleteOptions) (domain.Observation, error) {
	if err := auth.Require(auth.OpCompleteAction, opts.Actor.Role); err != nil {
		return domain.Observation{}, err
	}
	if !opts.ExpectedStatus.Valid() {
		return domain.Observation{}, ValidationError{Field: "expected_status", Reason: "unknown status"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, opts.ObservationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != opts.Actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpCompleteAction, Role: opts.Actor.Role}
	}
	o, err = e.transition(ctx, tx, o, opts.ExpectedStatus, domain.StatusClosed, domain.HistoryEntry{
		ActorID:   opts.Actor.ID,
		ActorRole: opts.Actor.Role,
		Action:    domain.ActionComplete,
		Comment:   opts.Comment,
	})
	if err != nil {
		return domain.Observation{}, err
	}
	if o.Action == nil {
		return domain.Observation{}, InvalidTransitionError{From: domain.StatusActionAssigned, To: domain.StatusClosed}
	}
	completedAt := e.now().UTC().Format(time.RFC3339)
	o.Action.CompletedAt = &completedAt
	o.Action.Comment = opts.Comment
	if err := e.Repo.UpdateActionTx(ctx, tx, *o.Action); err != nil {
		return domain.Observation{}, err
	}
	return o, tx.Commit()
}

type EditDraftOptions struct {
	ObservationID string
	Actor         domain.ActorContext
	Type          *domain.ObservationType
	Category      *string
	RiskLevel     *domain.RiskLevel
	Description   *string
	Location      *string
	ImageRef      *string
}

// EditDraft mutates a draft in place. Drafts are the only mutable stage.
func (e Engine) EditDraft(ctx context.Context, opts EditDraftOptions) (domain.Observation, error) {
	if err := auth.Require(auth.OpEditDraft, opts.Actor.Role); err != nil {
		return domain.Observation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, opts.ObservationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != opts.Actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpEditDraft, Role: opts.Actor.Role}
	}
	if o.ReporterID != opts.Actor.ID {
		return domain.Observation{}, OwnershipError{ObservationID: o.ID, ActorID: opts.Actor.ID}
	}
	if o.Status != domain.StatusDraft {
		return domain.Observation{}, InvalidTransitionError{From: o.Status, To: domain.StatusDraft}
	}
	if opts.Type != nil {
		if !opts.Type.Valid() {
			return domain.Observation{}, ValidationError{Field: "type", Reason: "must be unsafe_act or unsafe_condition"}
		}
		o.Type = *opts.Type
	}
	if opts.Category != nil {
		if *opts.Category == "" {
			return domain.Observation{}, ValidationError{Field: "category", Reason: "category is required"}
		}
		cfg, err := e.Repo.GetOrgConfig(ctx, o.OrganizationID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Observation{}, err
		}
		if cfg != nil && !cfg.HasCategory(*opts.Category) {
			return domain.Observation{}, ValidationError{Field: "category", Reason: "category not in organization catalog"}
		}
		o.Category = *opts.Category
	}
	if opts.RiskLevel != nil {
		if !opts.RiskLevel.Valid() {
			return domain.Observation{}, ValidationError{Field: "risk_level", Reason: "unknown risk level"}
		}
		o.RiskLevel = *opts.RiskLevel
	}
	if opts.Description != nil {
		o.Description = *opts.Description
	}
	if opts.Location != nil {
		o.Location = *opts.Location
	}
	if opts.ImageRef != nil {
		if *opts.ImageRef == "" {
			o.ImageRef = nil
		} else {
			o.ImageRef = opts.ImageRef
		}
	}
	o.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDraftTx(ctx, tx, o); err != nil {
		return domain.Observation{}, err
	}
	return o, tx.Commit()
}

// DeleteDraft removes a draft. Submitted observations are never deleted.
func (e Engine) DeleteDraft(ctx context.Context, observationID string, actor domain.ActorContext) error {
	if err := auth.Require(auth.OpDeleteDraft, actor.Role); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservationTx(ctx, tx, observationID)
	if err != nil {
		return err
	}
	if o.OrganizationID != actor.OrgID {
		return auth.ForbiddenError{Operation: auth.OpDeleteDraft, Role: actor.Role}
	}
	if o.ReporterID != actor.ID {
		return OwnershipError{ObservationID: o.ID, ActorID: actor.ID}
	}
	if o.Status != domain.StatusDraft {
		return InvalidTransitionError{From: o.Status, To: domain.StatusDraft}
	}
	if err := e.Repo.DeleteDraftTx(ctx, tx, o.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// transition applies the shared precondition chain: terminal finality, the
// optimistic expected-status check, edge legality, then the guarded status
// write plus its history entry. Callers run it inside their transaction.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, o domain.Observation, expected, target domain.Status, entry domain.HistoryEntry) (domain.Observation, error) {
	if o.Status.Terminal() {
		return o, InvalidTransitionError{From: o.Status, To: target}
	}
	if o.Status != expected {
		return o, ConflictError{ObservationID: o.ID, Expected: expected, Actual: o.Status}
	}
	if err := ensureTransition(o.Status, target); err != nil {
		return o, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateStatusTx(ctx, tx, o.ID, o.Status, target, now)
	if err != nil {
		return o, err
	}
	if !ok {
		// someone slipped in between our read and write
		return o, ConflictError{ObservationID: o.ID, Expected: expected, Actual: o.Status}
	}
	entry.ObservationID = o.ID
	entry.FromStatus = o.Status
	entry.ToStatus = target
	entry.TS = now
	if err := e.History.Append(ctx, tx, entry); err != nil {
		return o, err
	}
	o.Status = target
	o.IsDraft = false
	o.UpdatedAt = now
	return o, nil
}
