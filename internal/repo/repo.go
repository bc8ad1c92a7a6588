package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hsetrack/internal/config"
	"hsetrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

const observationColumns = `id,reporter_id,organization_id,type,category,risk_level,description,location,image_ref,status,is_draft,created_at,updated_at`

func scanObservation(row rowScanner) (domain.Observation, error) {
	var o domain.Observation
	var description, location, imageRef sql.NullString
	var isDraft int
	err := row.Scan(&o.ID, &o.ReporterID, &o.OrganizationID, &o.Type, &o.Category, &o.RiskLevel,
		&description, &location, &imageRef, &o.Status, &isDraft, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if description.Valid {
		o.Description = description.String
	}
	if location.Valid {
		o.Location = location.String
	}
	if imageRef.Valid {
		o.ImageRef = &imageRef.String
	}
	o.IsDraft = isDraft != 0
	return o, nil
}

func (r Repo) InsertObservationTx(ctx context.Context, tx *sql.Tx, o domain.Observation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO observations(`+observationColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ReporterID, o.OrganizationID, o.Type, o.Category, o.RiskLevel,
		nullable(o.Description), nullable(o.Location), nullableStringPtr(o.ImageRef),
		o.Status, boolInt(o.IsDraft), o.CreatedAt, o.UpdatedAt)
	return err
}

// UpdateDraftTx rewrites the mutable fields of a draft observation.
func (r Repo) UpdateDraftTx(ctx context.Context, tx *sql.Tx, o domain.Observation) error {
	res, err := tx.ExecContext(ctx, `UPDATE observations SET type=?, category=?, risk_level=?, description=?, location=?, image_ref=?, updated_at=?
WHERE id=? AND status=?`,
		o.Type, o.Category, o.RiskLevel, nullable(o.Description), nullable(o.Location),
		nullableStringPtr(o.ImageRef), o.UpdatedAt, o.ID, domain.StatusDraft)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusTx moves an observation from one status to another, guarded on
// the expected current status so concurrent writers lose cleanly.
func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, updatedAt string) (bool, error) {
	isDraft := 0
	if to == domain.StatusDraft {
		isDraft = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE observations SET status=?, is_draft=?, updated_at=? WHERE id=? AND status=?`,
		to, isDraft, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) DeleteDraftTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE id=? AND status=?`, id, domain.StatusDraft)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetObservation(ctx context.Context, id string) (domain.Observation, error) {
	o, err := scanObservation(r.DB.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id=?`, id))
	if err != nil {
		return o, err
	}
	action, err := r.getAction(ctx, r.DB.QueryRowContext, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return o, err
	}
	o.Action = action
	return o, nil
}

func (r Repo) GetObservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Observation, error) {
	o, err := scanObservation(tx.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id=?`, id))
	if err != nil {
		return o, err
	}
	action, err := r.getAction(ctx, tx.QueryRowContext, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return o, err
	}
	o.Action = action
	return o, nil
}

type ObservationFilters struct {
	OrgID           string
	Status          domain.Status
	ReporterID      string
	IncludeDrafts   bool
	DraftsOwnedBy   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListObservations pages newest-first. Drafts are hidden unless the filter
// asks for a specific reporter's drafts or opts in explicitly.
func (r Repo) ListObservations(ctx context.Context, f ObservationFilters) ([]domain.Observation, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ReporterID != "" {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	if !f.IncludeDrafts {
		if f.DraftsOwnedBy != "" {
			clauses = append(clauses, "(is_draft=0 OR reporter_id=?)")
			args = append(args, f.DraftsOwnedBy)
		} else {
			clauses = append(clauses, "is_draft=0")
		}
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + observationColumns + ` FROM observations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row

func (r Repo) getAction(ctx context.Context, queryRow queryRowFn, observationID string) (*domain.CorrectiveAction, error) {
	var a domain.CorrectiveAction
	var comment, completedAt sql.NullString
	err := queryRow(ctx, `SELECT observation_id,assignee_id,assigned_by_id,description,due_date,comment,completed_at
FROM corrective_actions WHERE observation_id=?`, observationID).
		Scan(&a.ObservationID, &a.AssigneeID, &a.AssignedByID, &a.Description, &a.DueDate, &comment, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return &a, nil
}

func (r Repo) GetAction(ctx context.Context, observationID string) (*domain.CorrectiveAction, error) {
	return r.getAction(ctx, r.DB.QueryRowContext, observationID)
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.CorrectiveAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO corrective_actions(observation_id,assignee_id,assigned_by_id,description,due_date,comment,completed_at)
VALUES (?,?,?,?,?,?,?)`,
		a.ObservationID, a.AssigneeID, a.AssignedByID, a.Description, a.DueDate,
		nullable(a.Comment), nullableStringPtr(a.CompletedAt))
	return err
}

func (r Repo) UpdateActionTx(ctx context.Context, tx *sql.Tx, a domain.CorrectiveAction) error {
	res, err := tx.ExecContext(ctx, `UPDATE corrective_actions SET assignee_id=?, description=?, comment=?, completed_at=? WHERE observation_id=?`,
		a.AssigneeID, a.Description, nullable(a.Comment), nullableStringPtr(a.CompletedAt), a.ObservationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OpenActionFilters struct {
	OrgID         string
	Limit         int
	CursorDueDate string
	CursorID      string
}

// ListOpenActions pages action_assigned observations by due date ascending.
// The cursor makes the sequence restartable from any point.
func (r Repo) ListOpenActions(ctx context.Context, f OpenActionFilters) ([]domain.Observation, error) {
	clauses := []string{"o.status=?"}
	args := []any{domain.StatusActionAssigned}
	if f.OrgID != "" {
		clauses = append(clauses, "o.organization_id=?")
		args = append(args, f.OrgID)
	}
	if f.CursorDueDate != "" && f.CursorID != "" {
		clauses = append(clauses, "(a.due_date > ? OR (a.due_date = ? AND o.id > ?))")
		args = append(args, f.CursorDueDate, f.CursorDueDate, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT o.id,o.reporter_id,o.organization_id,o.type,o.category,o.risk_level,o.description,o.location,o.image_ref,o.status,o.is_draft,o.created_at,o.updated_at,
a.observation_id,a.assignee_id,a.assigned_by_id,a.description,a.due_date,a.comment,a.completed_at
FROM observations o JOIN corrective_actions a ON a.observation_id=o.id ` + where + ` ORDER BY a.due_date ASC, o.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Observation
	for rows.Next() {
		var o domain.Observation
		var a domain.CorrectiveAction
		var description, location, imageRef, comment, completedAt sql.NullString
		var isDraft int
		if err := rows.Scan(&o.ID, &o.ReporterID, &o.OrganizationID, &o.Type, &o.Category, &o.RiskLevel,
			&description, &location, &imageRef, &o.Status, &isDraft, &o.CreatedAt, &o.UpdatedAt,
			&a.ObservationID, &a.AssigneeID, &a.AssignedByID, &a.Description, &a.DueDate, &comment, &completedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			o.Description = description.String
		}
		if location.Valid {
			o.Location = location.String
		}
		if imageRef.Valid {
			o.ImageRef = &imageRef.String
		}
		if comment.Valid {
			a.Comment = comment.String
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.String
		}
		o.IsDraft = isDraft != 0
		o.Action = &a
		res = append(res, o)
	}
	return res, rows.Err()
}

// CountByStatus returns per-status totals for an organization, optionally
// bounded by a created_at window. Drafts are excluded from dashboards.
func (r Repo) CountByStatus(ctx context.Context, orgID, from, to string) (map[domain.Status]int, error) {
	clauses := []string{"organization_id=?", "is_draft=0"}
	args := []any{orgID}
	if from != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, from)
	}
	if to != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, to)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM observations `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Organization.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Organization.ID == "" {
		cfg.Organization.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
