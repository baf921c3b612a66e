package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/idgen"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/security"
	"github.com/mbd888/agentpay/internal/syncutil"
	"github.com/mbd888/agentpay/internal/traces"
	"github.com/mbd888/agentpay/internal/validation"
)

const inviteCodeAttempts = 5

// PasswordHasher hashes and checks agent passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Invalidator drops cached config resolutions after a tree or config write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// CreateRequest contains the parameters for creating an agent.
// CommissionRate is a percentage in [0,100].
type CreateRequest struct {
	Username       string          `json:"username" binding:"required"`
	Password       string          `json:"password" binding:"required"`
	Level          Level           `json:"level"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	ParentID       string          `json:"parentId"`
}

// Manager enforces who may create, modify and delete which agents.
type Manager struct {
	store       Store
	hasher      PasswordHasher
	invalidator Invalidator
	locks       syncutil.KeyedMutex
}

// NewManager creates a new agent lifecycle manager.
func NewManager(store Store, hasher PasswordHasher) *Manager {
	return &Manager{store: store, hasher: hasher}
}

// WithInvalidator registers the cache to invalidate after writes.
func (m *Manager) WithInvalidator(inv Invalidator) *Manager {
	m.invalidator = inv
	return m
}

// Store returns the underlying agent store.
func (m *Manager) Store() Store {
	return m.store
}

// requester loads the acting agent. A token for an agent that no longer
// exists or was disabled is treated as unauthenticated.
func (m *Manager) requester(ctx context.Context, id string) (*Agent, error) {
	a, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		return nil, fmt.Errorf("%w: account disabled", apperr.ErrUnauthorized)
	}
	return a, nil
}

// Create adds a descendant agent on behalf of requesterID.
func (m *Manager) Create(ctx context.Context, requesterID string, req CreateRequest) (*Agent, error) {
	ctx, span := traces.StartSpan(ctx, "agents.Create", traces.AgentID(requesterID), traces.Level(int(req.Level)))
	defer span.End()

	if req.Level < LevelMin || req.Level > LevelMax {
		return nil, apperr.ErrInvalidLevel
	}
	if !ValidPercent(req.CommissionRate) {
		return nil, apperr.ErrInvalidCommission
	}
	req.Username = strings.TrimSpace(req.Username)
	if errs := validation.Validate(
		validation.Username("username", req.Username),
		validation.Password("password", req.Password),
	); len(errs) > 0 {
		return nil, errs
	}

	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.Level >= req.Level {
		return nil, fmt.Errorf("%w: level %d agents cannot create level %d", apperr.ErrPermissionDenied, requester.Level, req.Level)
	}

	parent := requester
	if req.ParentID != "" && req.ParentID != requester.ID {
		parent, err = m.store.Get(ctx, req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		under, err := IsAncestor(ctx, m.store, requester.ID, parent.ID)
		if err != nil {
			return nil, err
		}
		if !under {
			return nil, fmt.Errorf("%w: parent is outside your subtree", apperr.ErrPermissionDenied)
		}
	}
	if parent.Level >= req.Level {
		return nil, fmt.Errorf("%w: level must be greater than parent level %d", apperr.ErrInvalidLevel, parent.Level)
	}

	if _, err := m.store.GetByUsername(ctx, req.Username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}

	hash, err := m.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	source := SourceAgent
	if requester.IsRoot() {
		source = SourceAdmin
	}
	var cfg *SiteConfig
	if req.Level == LevelMin {
		cfg = parent.SiteConfig.Clone()
	}

	now := time.Now()
	agent := &Agent{
		ID:             idgen.WithPrefix("agt_"),
		Username:       req.Username,
		PasswordHash:   hash,
		Level:          req.Level,
		Status:         StatusActive,
		Source:         source,
		CommissionRate: PercentToRate(req.CommissionRate),
		ParentID:       parent.ID,
		SiteConfig:     cfg,
		Balance:        decimal.Zero,
		TotalEarnings:  decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for attempt := 0; ; attempt++ {
		agent.InviteCode = idgen.InviteCode()
		err = m.store.Insert(ctx, agent)
		if !errors.Is(err, ErrInviteCodeTaken) || attempt+1 >= inviteCodeAttempts {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx)
	metrics.AgentsCreatedTotal.WithLabelValues(strconv.Itoa(int(agent.Level))).Inc()
	logging.L(ctx).Info("agent created",
		"agent_id", agent.ID,
		"username", agent.Username,
		"level", agent.Level,
		"parent_id", agent.ParentID,
		"created_by", requester.ID,
	)
	return agent, nil
}

// authorizeTarget loads target and checks that requester may modify it:
// root may modify anyone, others only strict descendants. System-sourced
// targets are never modifiable.
func (m *Manager) authorizeTarget(ctx context.Context, requesterID, targetID string) (*Agent, *Agent, error) {
	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, nil, err
	}
	target, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	if target.Source == SourceSystem {
		return nil, nil, fmt.Errorf("%w: system agents cannot be modified", apperr.ErrForbidden)
	}
	if !requester.IsRoot() {
		under, err := IsAncestor(ctx, m.store, requester.ID, target.ID)
		if err != nil {
			return nil, nil, err
		}
		if !under {
			return nil, nil, fmt.Errorf("%w: target is outside your subtree", apperr.ErrPermissionDenied)
		}
	}
	return requester, target, nil
}

// UpdateStatus enables or disables targetID.
func (m *Manager) UpdateStatus(ctx context.Context, requesterID, targetID string, status Status) (*Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidArgument, status)
	}
	unlock, err := m.locks.Lock(ctx, targetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, _, err := m.authorizeTarget(ctx, requesterID, targetID); err != nil {
		return nil, err
	}
	updated, err := m.store.Update(ctx, targetID, func(a *Agent) error {
		if a.Source == SourceSystem {
			return apperr.ErrForbidden
		}
		a.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("agent status updated", "agent_id", targetID, "status", status, "by", requesterID)
	return updated, nil
}

// UpdateCommissionRate sets targetID's rate from a percentage in [0,100].
func (m *Manager) UpdateCommissionRate(ctx context.Context, requesterID, targetID string, percent decimal.Decimal) (*Agent, error) {
	if !ValidPercent(percent) {
		return nil, apperr.ErrInvalidCommission
	}
	unlock, err := m.locks.Lock(ctx, targetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, _, err := m.authorizeTarget(ctx, requesterID, targetID); err != nil {
		return nil, err
	}
	rate := PercentToRate(percent)
	updated, err := m.store.Update(ctx, targetID, func(a *Agent) error {
		if a.Source == SourceSystem {
			return apperr.ErrForbidden
		}
		a.CommissionRate = rate
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("agent commission updated", "agent_id", targetID, "rate", rate.String(), "by", requesterID)
	return updated, nil
}

// UpdateSiteConfig replaces the payment configuration of a level-1 agent.
// Only level-1 agents may write configuration, and only their own.
func (m *Manager) UpdateSiteConfig(ctx context.Context, requesterID, targetID string, cfg SiteConfig) (*Agent, error) {
	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.Level != LevelMin {
		return nil, fmt.Errorf("%w: only level-1 agents own payment configuration", apperr.ErrForbidden)
	}
	target, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Source == SourceSystem {
		return nil, fmt.Errorf("%w: system agents cannot be modified", apperr.ErrForbidden)
	}
	if target.Level != LevelMin || target.ID != requester.ID {
		return nil, fmt.Errorf("%w: configuration can only be set on your own account", apperr.ErrForbidden)
	}
	if err := ValidateSiteConfig(cfg); err != nil {
		return nil, err
	}

	return m.writeConfig(ctx, targetID, cfg, func(a *Agent) error {
		if a.Source == SourceSystem {
			return apperr.ErrForbidden
		}
		return nil
	})
}

// UpdateMainSiteConfig replaces the main-site default configuration held by
// the root agent. Only root may call it.
func (m *Manager) UpdateMainSiteConfig(ctx context.Context, requesterID string, cfg SiteConfig) (*Agent, error) {
	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if !requester.IsRoot() {
		return nil, fmt.Errorf("%w: only the main site may change the default configuration", apperr.ErrPermissionDenied)
	}
	if err := ValidateSiteConfig(cfg); err != nil {
		return nil, err
	}
	return m.writeConfig(ctx, requester.ID, cfg, nil)
}

func (m *Manager) writeConfig(ctx context.Context, id string, cfg SiteConfig, check func(*Agent) error) (*Agent, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated, err := m.store.Update(ctx, id, func(a *Agent) error {
		if check != nil {
			if err := check(a); err != nil {
				return err
			}
		}
		c := cfg
		// Keep the stored gateway secret when the client sends it blank.
		if c.Gateway != nil && c.Gateway.SecretKey == "" && a.SiteConfig != nil && a.SiteConfig.Gateway != nil {
			gw := *c.Gateway
			gw.SecretKey = a.SiteConfig.Gateway.SecretKey
			c.Gateway = &gw
		}
		a.SiteConfig = c.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	logging.L(ctx).Info("site config updated", "agent_id", id)
	return updated, nil
}

// ValidateSiteConfig checks that cfg has at least one collection target and
// that every provided field is well formed.
func ValidateSiteConfig(cfg SiteConfig) error {
	if cfg.IsEmpty() {
		return fmt.Errorf("%w: a USDT address or Alipay account is required", apperr.ErrInvalidArgument)
	}
	checks := []func() *validation.ValidationError{
		validation.USDTAddress("usdt.address", cfg.USDT.Address),
		validation.MaxLength("usdt.qrcode", cfg.USDT.QRCode, 2048),
		validation.MaxLength("alipay.account", cfg.Alipay.Account, 128),
		validation.MaxLength("alipay.name", cfg.Alipay.Name, 128),
		validation.MaxLength("alipay.qrcode", cfg.Alipay.QRCode, 2048),
		validation.URL("customerService.url", cfg.CustomerService.URL),
		validation.MaxLength("customerService.id", cfg.CustomerService.ID, 128),
	}
	if cfg.Gateway != nil {
		checks = append(checks,
			validation.Required("gateway.apiEndpoint", cfg.Gateway.APIEndpoint),
			validation.URL("gateway.apiEndpoint", cfg.Gateway.APIEndpoint),
			publicEndpoint("gateway.apiEndpoint", cfg.Gateway.APIEndpoint),
			validation.Required("gateway.merchantId", cfg.Gateway.MerchantID),
			validation.URL("gateway.notifyUrl", cfg.Gateway.NotifyURL),
		)
	}
	if cfg.USDTRate.IsNegative() {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "usdtRate", Message: "must not be negative"}
		})
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return errs
	}
	return nil
}

// publicEndpoint rejects gateway URLs the server must not call.
func publicEndpoint(field, value string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if value == "" {
			return nil
		}
		if err := security.ValidateEndpointURL(value); err != nil {
			return &validation.ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// Delete removes targetID and its whole subtree as one atomic set. Root may
// delete any agent; level-1 agents only their own descendants.
func (m *Manager) Delete(ctx context.Context, requesterID, targetID string) ([]string, error) {
	ctx, span := traces.StartSpan(ctx, "agents.Delete", traces.AgentID(targetID))
	defer span.End()

	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	target, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.IsRoot() {
		return nil, fmt.Errorf("%w: the main site cannot be deleted", apperr.ErrPermissionDenied)
	}
	if !requester.IsRoot() {
		if requester.Level > LevelMin {
			return nil, fmt.Errorf("%w: only the main site and level-1 agents may delete", apperr.ErrPermissionDenied)
		}
		under, err := IsAncestor(ctx, m.store, requester.ID, target.ID)
		if err != nil {
			return nil, err
		}
		if !under {
			return nil, fmt.Errorf("%w: target is outside your subtree", apperr.ErrPermissionDenied)
		}
	}

	ids, err := SubtreeIDs(ctx, m.store, target.ID)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockMany(ctx, ids...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.store.DeleteSet(ctx, ids); err != nil {
		return nil, fmt.Errorf("delete subtree of %s: %w", target.ID, err)
	}

	m.invalidate(ctx)
	metrics.AgentsDeletedTotal.Add(float64(len(ids)))
	logging.L(ctx).Info("agents deleted",
		"root_id", target.ID,
		"count", len(ids),
		"by", requester.ID,
	)
	return ids, nil
}

// ChangePassword replaces agentID's password after checking the current one.
func (m *Manager) ChangePassword(ctx context.Context, agentID, current, next string) error {
	if errs := validation.Validate(validation.Password("newPassword", next)); len(errs) > 0 {
		return errs
	}
	a, err := m.requester(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.hasher.Compare(a.PasswordHash, current); err != nil {
		return fmt.Errorf("%w: current password is incorrect", apperr.ErrUnauthorized)
	}
	hash, err := m.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = m.store.Update(ctx, agentID, func(a *Agent) error {
		a.PasswordHash = hash
		return nil
	})
	return err
}

// Get returns targetID if requesterID may see it: itself, an ancestor, or root.
func (m *Manager) Get(ctx context.Context, requesterID, targetID string) (*Agent, error) {
	requester, err := m.requester(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.ID == targetID {
		return requester, nil
	}
	target, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if requester.IsRoot() {
		return target, nil
	}
	under, err := IsAncestor(ctx, m.store, requester.ID, target.ID)
	if err != nil {
		return nil, err
	}
	if !under {
		return nil, fmt.Errorf("%w: target is outside your subtree", apperr.ErrPermissionDenied)
	}
	return target, nil
}

// ListSubordinates returns the requester's direct children, or the whole
// subtree when all is set.
func (m *Manager) ListSubordinates(ctx context.Context, requesterID string, all bool) ([]*Agent, error) {
	if _, err := m.requester(ctx, requesterID); err != nil {
		return nil, err
	}
	if all {
		return m.store.ListSubtree(ctx, requesterID)
	}
	return m.store.ListChildren(ctx, requesterID)
}

func (m *Manager) invalidate(ctx context.Context) {
	if m.invalidator == nil {
		return
	}
	if err := m.invalidator.Invalidate(ctx); err != nil {
		logging.L(ctx).Error("config cache invalidation failed", "error", err)
	}
}
