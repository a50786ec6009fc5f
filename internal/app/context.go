package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkgrid/internal/config"
	"bulkgrid/internal/domain"
	"bulkgrid/internal/repo"
)

// ResolveAuditAndConfig picks the active audit and ensures an audit +
// config exist in DB, seeding defaults if missing. It prefers the
// override, then single-audit DB. If the audit does not exist, it is
// created on the fly.
func ResolveAuditAndConfig(ctx context.Context, auditOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	auditID := auditOverride
	if auditID == "" {
		if a, err := r.SingleAudit(ctx); err == nil {
			auditID = a.ID
		} else {
			return "", nil, fmt.Errorf("audit not specified; use --audit")
		}
	}
	seedCfg := config.Default(auditID)

	if _, err := r.GetAudit(ctx, auditID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createAudit(ctx, r, auditID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetAuditConfig(ctx, auditID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertAuditConfig(ctx, auditID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed audit config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Audit.ID = auditID
	return auditID, cfg, nil
}

func createAudit(ctx context.Context, r repo.Repo, auditID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(auditID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a := domain.Audit{
		ID:        auditID,
		Title:     auditID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertAudit(ctx, tx, a); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := r.UpsertAuditConfigTx(ctx, tx, auditID, seedCfg); err != nil {
		return fmt.Errorf("insert audit config: %w", err)
	}
	return tx.Commit()
}
