package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"hsetrack/internal/domain"
)

// Log is the append-only ledger of observation transitions. Entries are only
// ever written inside the same transaction as the status change they record.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one entry. TS is stamped here when the entry carries none.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) error {
	if e.TS == "" {
		e.TS = l.now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO history(observation_id,actor_id,actor_role,action,from_status,to_status,comment,ts)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ObservationID, e.ActorID, e.ActorRole, e.Action, e.FromStatus, e.ToStatus, nullable(e.Comment), e.TS)
	return err
}

// ListForObservation returns the full chronological trail for one observation.
func (l Log) ListForObservation(ctx context.Context, observationID string) ([]domain.HistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,observation_id,actor_id,actor_role,action,from_status,to_status,comment,ts
FROM history WHERE observation_id=? ORDER BY id ASC`, observationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

type SearchFilters struct {
	OrgID    string
	Status   domain.Status
	ActorID  string
	From     string
	To       string
	FreeText string
	Limit    int
	CursorID int64
}

// Search scans the ledger with optional filters, chronological order. Status
// matches the to_status an entry produced; FreeText matches comments.
func (l Log) Search(ctx context.Context, f SearchFilters) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "observation_id IN (SELECT id FROM observations WHERE organization_id=?)")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "to_status=?")
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.From != "" {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "ts <= ?")
		args = append(args, f.To)
	}
	if f.FreeText != "" {
		clauses = append(clauses, "comment LIKE ?")
		args = append(args, "%"+f.FreeText+"%")
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.CursorID)
	}
	query := `SELECT id,observation_id,actor_id,actor_role,action,from_status,to_status,comment,ts
FROM history WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	var res []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var comment sql.NullString
		if err := rows.Scan(&e.ID, &e.ObservationID, &e.ActorID, &e.ActorRole, &e.Action, &e.FromStatus, &e.ToStatus, &comment, &e.TS); err != nil {
			return nil, err
		}
		if comment.Valid {
			e.Comment = comment.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
