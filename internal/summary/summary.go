package summary

import (
	"context"
	"database/sql"

	"hsetrack/internal/domain"
	"hsetrack/internal/repo"
)

// Summary produces per-status counts for reporting views. Drafts never count.
type Summary struct {
	Repo repo.Repo
}

func New(db *sql.DB) Summary {
	return Summary{Repo: repo.Repo{DB: db}}
}

type Options struct {
	OrgID string
	From  string
	To    string
}

// Counts returns a row for every non-draft status, zero-filled, so the shape
// is stable regardless of what the window contains.
func (s Summary) Counts(ctx context.Context, opts Options) (map[domain.Status]int, error) {
	counts, err := s.Repo.CountByStatus(ctx, opts.OrgID, opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	res := make(map[domain.Status]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		if st == domain.StatusDraft {
			continue
		}
		res[st] = counts[st]
	}
	return res, nil
}
