package repo

import (
	"context"
	"database/sql"

	"hsetrack/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, name, created_at) VALUES (?,?,?)`, actorID, nullable(name), now)
	return err
}

func (r Repo) ActorExists(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM actors WHERE id=? LIMIT 1`, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, orgID string) (domain.Organization, error) {
	var org domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE id=?`, orgID).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return org, ErrNotFound
	}
	return org, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var org domain.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, org)
	}
	return res, rows.Err()
}

// AssignOrgRole sets an actor's role within an organization. One role per
// actor per org.
func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string, role domain.Role) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)
ON CONFLICT(org_id, actor_id) DO UPDATE SET role=excluded.role`, orgID, actorID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	return err
}

func (r Repo) GetOrgRole(ctx context.Context, orgID, actorID string) (domain.Role, error) {
	var role domain.Role
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

type OrgMember struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
}

func (r Repo) ListOrgMembers(ctx context.Context, orgID string) ([]OrgMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role FROM org_roles WHERE org_id=? ORDER BY actor_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OrgMember
	for rows.Next() {
		var m OrgMember
		if err := rows.Scan(&m.ActorID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
