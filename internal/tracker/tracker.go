package tracker

import (
	"context"
	"database/sql"
	"time"

	"hsetrack/internal/domain"
	"hsetrack/internal/engine"
	"hsetrack/internal/engine/auth"
	"hsetrack/internal/history"
	"hsetrack/internal/repo"
)

// Tracker owns the corrective-action follow-up: progress queries over open
// assignments and mutable updates that do not move the status.
type Tracker struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Log
	Now     func() time.Time
}

func New(db *sql.DB) Tracker {
	return Tracker{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Log{DB: db},
		Now:     time.Now,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

type ListOptions struct {
	OrgID         string
	Limit         int
	CursorDueDate string
	CursorID      string
}

// ListOpenActions pages action_assigned observations by due date ascending,
// annotating each with its overdue flag against the current clock.
func (t Tracker) ListOpenActions(ctx context.Context, opts ListOptions) ([]domain.OpenAction, error) {
	items, err := t.Repo.ListOpenActions(ctx, repo.OpenActionFilters{
		OrgID:         opts.OrgID,
		Limit:         opts.Limit,
		CursorDueDate: opts.CursorDueDate,
		CursorID:      opts.CursorID,
	})
	if err != nil {
		return nil, err
	}
	now := t.now()
	res := make([]domain.OpenAction, 0, len(items))
	for _, o := range items {
		overdue := false
		if o.Action != nil {
			if due, err := time.Parse(time.RFC3339, o.Action.DueDate); err == nil {
				overdue = due.Before(now)
			}
		}
		res = append(res, domain.OpenAction{Observation: o, IsOverdue: overdue})
	}
	return res, nil
}

type UpdateOptions struct {
	ObservationID string
	Actor         domain.ActorContext
	NewAssigneeID *string
	NewComment    *string
}

// UpdateAssignment mutates an open assignment in place. The status stays
// action_assigned; the change itself still lands in the history ledger.
func (t Tracker) UpdateAssignment(ctx context.Context, opts UpdateOptions) (domain.Observation, error) {
	if err := auth.Require(auth.OpUpdateAssignment, opts.Actor.Role); err != nil {
		return domain.Observation{}, err
	}
	if opts.NewAssigneeID == nil && opts.NewComment == nil {
		return domain.Observation{}, engine.ValidationError{Reason: "nothing to update"}
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Observation{}, err
	}
	defer tx.Rollback()

	o, err := t.Repo.GetObservationTx(ctx, tx, opts.ObservationID)
	if err != nil {
		return domain.Observation{}, err
	}
	if o.OrganizationID != opts.Actor.OrgID {
		return domain.Observation{}, auth.ForbiddenError{Operation: auth.OpUpdateAssignment, Role: opts.Actor.Role}
	}
	if o.Status != domain.StatusActionAssigned || o.Action == nil {
		return domain.Observation{}, engine.InvalidTransitionError{From: o.Status, To: domain.StatusActionAssigned}
	}
	if opts.NewAssigneeID != nil {
		if *opts.NewAssigneeID == "" {
			return domain.Observation{}, engine.ValidationError{Field: "assignee_id", Reason: "assignee is required"}
		}
		known, err := t.Repo.ActorExists(ctx, tx, *opts.NewAssigneeID)
		if err != nil {
			return domain.Observation{}, err
		}
		if !known {
			return domain.Observation{}, engine.ValidationError{Field: "assignee_id", Reason: "unknown assignee"}
		}
		o.Action.AssigneeID = *opts.NewAssigneeID
	}
	if opts.NewComment != nil {
		o.Action.Comment = *opts.NewComment
	}
	if err := t.Repo.UpdateActionTx(ctx, tx, *o.Action); err != nil {
		return domain.Observation{}, err
	}
	now := t.now().UTC().Format(time.RFC3339)
	if err := t.History.Append(ctx, tx, domain.HistoryEntry{
		ObservationID: o.ID,
		ActorID:       opts.Actor.ID,
		ActorRole:     opts.Actor.Role,
		Action:        domain.ActionUpdate,
		FromStatus:    o.Status,
		ToStatus:      o.Status,
		Comment:       o.Action.Comment,
		TS:            now,
	}); err != nil {
		return domain.Observation{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE observations SET updated_at=? WHERE id=?`, now, o.ID); err != nil {
		return domain.Observation{}, err
	}
	o.UpdatedAt = now
	return o, tx.Commit()
}
