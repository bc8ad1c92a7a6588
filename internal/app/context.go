package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hsetrack/internal/config"
	"hsetrack/internal/domain"
	"hsetrack/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures an org + config
// exist in DB, seeding defaults if missing. It prefers overrides, then
// single-org DB. If the org does not exist, it is created on the fly.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		orgs, err := r.ListOrgs(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(orgs) != 1 {
			return "", nil, fmt.Errorf("organization not specified; use --org")
		}
		orgID = orgs[0].ID
	}
	seedCfg := config.Default(orgID)
	if fileCfg, err := config.LoadOptional(workspace); err != nil {
		return "", nil, err
	} else if fileCfg != nil {
		seedCfg = fileCfg
		seedCfg.Organization.ID = orgID
	}

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := bootstrapOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Organization.ID = orgID
	return orgID, cfg, nil
}

// bootstrapOrg inserts a minimal org/rbac footprint using the seed config.
// The bootstrapping actor becomes the org admin.
func bootstrapOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Organization.Name
	if name == "" {
		name = orgID
	}
	if err := r.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, "", now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignOrgRole(ctx, tx, orgID, actorID, domain.RoleAdmin); err != nil {
		return fmt.Errorf("assign org role: %w", err)
	}
	return tx.Commit()
}
