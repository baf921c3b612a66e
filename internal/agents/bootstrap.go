package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/idgen"
	"github.com/mbd888/agentpay/internal/logging"
)

// RootSpec describes the main-site agent seeded on first start.
type RootSpec struct {
	Username          string
	Password          string
	CommissionPercent decimal.Decimal
	SiteConfig        *SiteConfig
}

// EnsureRoot inserts the root agent if it does not exist yet. An existing
// root keeps its credentials and configuration; it only receives
// spec.SiteConfig when it has no collection target at all.
func EnsureRoot(ctx context.Context, store Store, hasher PasswordHasher, spec RootSpec) (*Agent, error) {
	existing, err := store.Get(ctx, RootID)
	if err == nil {
		if !existing.SiteConfig.IsEmpty() || spec.SiteConfig.IsEmpty() {
			return existing, nil
		}
		updated, err := store.Update(ctx, RootID, func(a *Agent) error {
			if a.SiteConfig.IsEmpty() {
				a.SiteConfig = spec.SiteConfig.Clone()
				a.UpdatedAt = time.Now()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("seed root config: %w", err)
		}
		logging.L(ctx).Info("root site config seeded", "username", updated.Username)
		return updated, nil
	}
	if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}
	if !ValidPercent(spec.CommissionPercent) {
		return nil, fmt.Errorf("root commission %s out of range", spec.CommissionPercent)
	}

	hash, err := hasher.Hash(spec.Password)
	if err != nil {
		return nil, fmt.Errorf("hash root password: %w", err)
	}
	now := time.Now()
	root := &Agent{
		ID:             RootID,
		Username:       spec.Username,
		PasswordHash:   hash,
		Level:          LevelRoot,
		Status:         StatusActive,
		Source:         SourceSystem,
		CommissionRate: PercentToRate(spec.CommissionPercent),
		SiteConfig:     spec.SiteConfig.Clone(),
		InviteCode:     idgen.InviteCode(),
		Balance:        decimal.Zero,
		TotalEarnings:  decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Insert(ctx, root); err != nil {
		return nil, fmt.Errorf("insert root: %w", err)
	}
	logging.L(ctx).Info("root agent created", "username", root.Username, "has_config", !root.SiteConfig.IsEmpty())
	return root, nil
}
