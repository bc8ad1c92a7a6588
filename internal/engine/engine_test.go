package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"hsetrack/internal/app"
	"hsetrack/internal/db"
	"hsetrack/internal/domain"
	"hsetrack/internal/engine"
	"hsetrack/internal/engine/auth"
	"hsetrack/internal/history"
	"hsetrack/internal/migrate"
	"hsetrack/internal/repo"
)

var (
	employee   = domain.ActorContext{ID: "emp-1", Role: domain.RoleEmployee, OrgID: "org-1"}
	supervisor = domain.ActorContext{ID: "sup-1", Role: domain.RoleSupervisor, OrgID: "org-1"}
	client     = domain.ActorContext{ID: "cli-1", Role: domain.RoleClient, OrgID: "org-1"}
)

type testEnv struct {
	Engine  engine.Engine
	History history.Log
	Repo    repo.Repo
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if _, _, err := app.ResolveOrgAndConfig(ctx, dir, "org-1", "admin-1", r); err != nil {
		t.Fatalf("bootstrap org: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	for actorID, role := range map[string]domain.Role{
		"emp-1":    domain.RoleEmployee,
		"sup-1":    domain.RoleSupervisor,
		"cli-1":    domain.RoleClient,
		"worker-1": domain.RoleEmployee,
	} {
		if err := r.EnsureActor(ctx, tx, actorID, "", now); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
		if err := r.AssignOrgRole(ctx, tx, "org-1", actorID, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, History: history.Log{DB: conn}, Repo: r, Ctx: ctx}
}

func mustCreate(t *testing.T, env testEnv, submit bool) domain.Observation {
	t.Helper()
	o, err := env.Engine.CreateObservation(env.Ctx, engine.CreateOptions{
		Reporter:    employee,
		Type:        domain.TypeUnsafeCondition,
		Category:    "electrical",
		RiskLevel:   domain.RiskHigh,
		Description: "exposed wiring near loading dock",
		Location:    "dock 3",
		Submit:      submit,
	})
	if err != nil {
		t.Fatalf("create observation: %v", err)
	}
	return o
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	if o.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want submitted", o.Status)
	}

	o, err := env.Engine.StartReview(env.Ctx, o.ID, supervisor, domain.StatusSubmitted)
	if err != nil || o.Status != domain.StatusInReview {
		t.Fatalf("start review: %v (status %s)", err, o.Status)
	}

	o, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusInReview,
	})
	if err != nil || o.Status != domain.StatusApproved {
		t.Fatalf("approve: %v (status %s)", err, o.Status)
	}

	o, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		AssigneeID:     "worker-1",
		DueDate:        "2025-02-01T00:00:00Z",
		Description:    "fit junction box cover",
		ExpectedStatus: domain.StatusApproved,
	})
	if err != nil || o.Status != domain.StatusActionAssigned {
		t.Fatalf("assign: %v (status %s)", err, o.Status)
	}
	if o.Action == nil || o.Action.AssigneeID != "worker-1" {
		t.Fatalf("action = %+v, want assignee worker-1", o.Action)
	}

	o, err = env.Engine.CompleteAction(env.Ctx, engine.CompleteOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Comment:        "cover fitted and verified",
		ExpectedStatus: domain.StatusActionAssigned,
	})
	if err != nil || o.Status != domain.StatusClosed {
		t.Fatalf("complete: %v (status %s)", err, o.Status)
	}
	if o.Action == nil || o.Action.CompletedAt == nil {
		t.Fatalf("expected completed action, got %+v", o.Action)
	}

	entries, err := env.History.ListForObservation(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantActions := []domain.HistoryAction{
		domain.ActionSubmit,
		domain.ActionStartReview,
		domain.ActionApprove,
		domain.ActionAssign,
		domain.ActionComplete,
	}
	if len(entries) != len(wantActions) {
		t.Fatalf("history entries = %d, want %d", len(entries), len(wantActions))
	}
	for i, want := range wantActions {
		if entries[i].Action != want {
			t.Errorf("entry %d action = %s, want %s", i, entries[i].Action, want)
		}
	}
	if entries[0].FromStatus != domain.StatusDraft || entries[0].ToStatus != domain.StatusSubmitted {
		t.Errorf("first entry %s->%s, want draft->submitted", entries[0].FromStatus, entries[0].ToStatus)
	}
}

func TestReviewFromSubmittedSkipsInReview(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	o, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusSubmitted,
	})
	if err != nil || o.Status != domain.StatusApproved {
		t.Fatalf("approve from submitted: %v (status %s)", err, o.Status)
	}
}

func TestRejectAndCloseRequireComment(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewReject,
		ExpectedStatus: domain.StatusSubmitted,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "comment" {
		t.Fatalf("reject without comment: %v, want comment validation error", err)
	}
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewClose,
		ExpectedStatus: domain.StatusSubmitted,
	})
	if !errors.As(err, &ve) || ve.Field != "comment" {
		t.Fatalf("close without comment: %v, want comment validation error", err)
	}
	o2, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewReject,
		Comment:        "duplicate of earlier report",
		ExpectedStatus: domain.StatusSubmitted,
	})
	if err != nil || o2.Status != domain.StatusRejected {
		t.Fatalf("reject with comment: %v (status %s)", err, o2.Status)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	o, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewReject,
		Comment:        "not reproducible",
		ExpectedStatus: domain.StatusSubmitted,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	// terminal finality wins over the expected-status mismatch
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusSubmitted,
	})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("review after reject: %v, want invalid transition", err)
	}
	_, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		AssigneeID:     "worker-1",
		DueDate:        "2025-02-01T00:00:00Z",
		Description:    "anything",
		ExpectedStatus: domain.StatusRejected,
	})
	if !errors.As(err, &te) {
		t.Fatalf("assign after reject: %v, want invalid transition", err)
	}
}

func TestExpectedStatusMismatchConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusInReview,
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if ce.Expected != domain.StatusInReview || ce.Actual != domain.StatusSubmitted {
		t.Fatalf("conflict %s/%s, want in_review/submitted", ce.Expected, ce.Actual)
	}
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)

	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          employee,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusSubmitted,
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("employee review: %v, want forbidden", err)
	}

	_, err = env.Engine.CreateObservation(env.Ctx, engine.CreateOptions{
		Reporter:  client,
		Type:      domain.TypeUnsafeAct,
		Category:  "ppe",
		RiskLevel: domain.RiskLow,
	})
	if !errors.As(err, &fe) {
		t.Fatalf("client create: %v, want forbidden", err)
	}

	_, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          employee,
		AssigneeID:     "worker-1",
		DueDate:        "2025-02-01T00:00:00Z",
		Description:    "fix it",
		ExpectedStatus: domain.StatusApproved,
	})
	if !errors.As(err, &fe) {
		t.Fatalf("employee assign: %v, want forbidden", err)
	}
}

func TestDraftOwnership(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, false)
	if !o.IsDraft {
		t.Fatalf("expected draft")
	}

	other := domain.ActorContext{ID: "worker-1", Role: domain.RoleEmployee, OrgID: "org-1"}
	_, err := env.Engine.Submit(env.Ctx, o.ID, other, domain.StatusDraft)
	var oe engine.OwnershipError
	if !errors.As(err, &oe) {
		t.Fatalf("submit by non-reporter: %v, want ownership error", err)
	}
	_, err = env.Engine.EditDraft(env.Ctx, engine.EditDraftOptions{ObservationID: o.ID, Actor: other})
	if !errors.As(err, &oe) {
		t.Fatalf("edit by non-reporter: %v, want ownership error", err)
	}
	if err := env.Engine.DeleteDraft(env.Ctx, o.ID, other); !errors.As(err, &oe) {
		t.Fatalf("delete by non-reporter: %v, want ownership error", err)
	}
}

func TestDraftEditAndSubmit(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, false)

	newRisk := domain.RiskCritical
	newDesc := "live conductor exposed"
	o, err := env.Engine.EditDraft(env.Ctx, engine.EditDraftOptions{
		ObservationID: o.ID,
		Actor:         employee,
		RiskLevel:     &newRisk,
		Description:   &newDesc,
	})
	if err != nil {
		t.Fatalf("edit draft: %v", err)
	}
	if o.RiskLevel != domain.RiskCritical || o.Description != newDesc {
		t.Fatalf("edit not applied: %+v", o)
	}

	// drafts leave no history
	entries, err := env.History.ListForObservation(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("draft history entries = %d, want 0", len(entries))
	}

	o, err = env.Engine.Submit(env.Ctx, o.ID, employee, domain.StatusDraft)
	if err != nil || o.Status != domain.StatusSubmitted {
		t.Fatalf("submit: %v (status %s)", err, o.Status)
	}

	// once submitted, editing and deleting are off the table
	_, err = env.Engine.EditDraft(env.Ctx, engine.EditDraftOptions{
		ObservationID: o.ID,
		Actor:         employee,
		Description:   &newDesc,
	})
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("edit after submit: %v, want invalid transition", err)
	}
	if err := env.Engine.DeleteDraft(env.Ctx, o.ID, employee); !errors.As(err, &te) {
		t.Fatalf("delete after submit: %v, want invalid transition", err)
	}
}

func TestDraftHiddenFromListing(t *testing.T) {
	env := newTestEnv(t)
	draft := mustCreate(t, env, false)
	submitted := mustCreate(t, env, true)

	items, err := env.Repo.ListObservations(env.Ctx, repo.ObservationFilters{OrgID: "org-1", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range items {
		if o.ID == draft.ID {
			t.Fatalf("draft leaked into listing")
		}
	}

	items, err = env.Repo.ListObservations(env.Ctx, repo.ObservationFilters{
		OrgID:         "org-1",
		DraftsOwnedBy: employee.ID,
		Limit:         10,
	})
	if err != nil {
		t.Fatal(err)
	}
	foundDraft, foundSubmitted := false, false
	for _, o := range items {
		if o.ID == draft.ID {
			foundDraft = true
		}
		if o.ID == submitted.ID {
			foundSubmitted = true
		}
	}
	if !foundDraft || !foundSubmitted {
		t.Fatalf("owner listing draft=%v submitted=%v, want both", foundDraft, foundSubmitted)
	}
}

func TestAssignPreconditions(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)
	o, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusSubmitted,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	var ve engine.ValidationError
	_, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		AssigneeID:     "ghost",
		DueDate:        "2025-02-01T00:00:00Z",
		Description:    "fix",
		ExpectedStatus: domain.StatusApproved,
	})
	if !errors.As(err, &ve) || ve.Field != "assignee_id" {
		t.Fatalf("unknown assignee: %v, want assignee validation error", err)
	}

	_, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		AssigneeID:     "worker-1",
		DueDate:        "2024-12-31T00:00:00Z",
		Description:    "fix",
		ExpectedStatus: domain.StatusApproved,
	})
	if !errors.As(err, &ve) || ve.Field != "due_date" {
		t.Fatalf("past due date: %v, want due_date validation error", err)
	}

	_, err = env.Engine.AssignAction(env.Ctx, engine.AssignOptions{
		ObservationID:  o.ID,
		Actor:          supervisor,
		AssigneeID:     "worker-1",
		DueDate:        "not-a-date",
		Description:    "fix",
		ExpectedStatus: domain.StatusApproved,
	})
	if !errors.As(err, &ve) || ve.Field != "due_date" {
		t.Fatalf("bad due date: %v, want due_date validation error", err)
	}
}

func TestCategoryValidatedAgainstCatalog(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateObservation(env.Ctx, engine.CreateOptions{
		Reporter:  employee,
		Type:      domain.TypeUnsafeAct,
		Category:  "no-such-category",
		RiskLevel: domain.RiskLow,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "category" {
		t.Fatalf("unknown category: %v, want category validation error", err)
	}
}

func TestOrgScoping(t *testing.T) {
	env := newTestEnv(t)
	o := mustCreate(t, env, true)

	outsider := domain.ActorContext{ID: "sup-2", Role: domain.RoleSupervisor, OrgID: "org-2"}
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		ObservationID:  o.ID,
		Actor:          outsider,
		Action:         engine.ReviewApprove,
		ExpectedStatus: domain.StatusSubmitted,
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("cross-org review: %v, want forbidden", err)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, "missing", employee, domain.StatusDraft)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
