package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/commission"
	"github.com/mbd888/agentpay/internal/idgen"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/pagination"
	"github.com/mbd888/agentpay/internal/paymenttarget"
	"github.com/mbd888/agentpay/internal/siteconfig"
	"github.com/mbd888/agentpay/internal/syncutil"
	"github.com/mbd888/agentpay/internal/traces"
	"github.com/mbd888/agentpay/internal/validation"
)

const (
	// MaxBatchSize bounds one batch verification request.
	MaxBatchSize = 100

	DefaultPageSize = 50
	MaxPageSize     = 200

	maxPayerRefLength = 128
	maxRemarksLength  = 500
)

// Event types published to the realtime hub.
const (
	EventCreated  = "transaction.created"
	EventVerified = "transaction.verified"
)

// ConfigResolver finds the configuration, and its owner, that applies to a
// referral agent. siteconfig.Resolver satisfies it.
type ConfigResolver interface {
	Resolve(ctx context.Context, agentID string) (*siteconfig.Resolution, error)
}

// EventPublisher fans transaction events out to the agents in audience.
type EventPublisher interface {
	Publish(eventType string, audience []string, data interface{})
}

// CreateRequest is a payer's new transaction. Exactly one of ReferralAgentID
// and InviteCode identifies the referral agent.
type CreateRequest struct {
	ReferralAgentID string             `json:"referralAgentId"`
	InviteCode      string             `json:"inviteCode"`
	Amount          decimal.Decimal    `json:"amount"`
	Type            paymenttarget.Type `json:"type" binding:"required"`
	PayerRef        string             `json:"payerRef"`
}

// CreateResult is the new transaction and where the payer should send funds.
type CreateResult struct {
	Transaction *Transaction         `json:"transaction"`
	Target      paymenttarget.Target `json:"target"`
}

// Page is one page of a transaction listing.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// Service is the transaction ledger.
type Service struct {
	store    Store
	agents   agents.Store
	resolver ConfigResolver
	provider paymenttarget.Provider
	events   EventPublisher
	locks    syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a ledger over store.
func NewService(store Store, agentStore agents.Store, resolver ConfigResolver, provider paymenttarget.Provider) *Service {
	return &Service{
		store:    store,
		agents:   agentStore,
		resolver: resolver,
		provider: provider,
		now:      time.Now,
	}
}

// WithEvents publishes created and verified events to pub.
func (s *Service) WithEvents(pub EventPublisher) *Service {
	s.events = pub
	return s
}

// Create records a pending transaction. The receiving agent is resolved now
// and never changes afterwards.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Create", traces.Amount(req.Amount.String()))
	defer span.End()

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", apperr.ErrInvalidArgument, req.Type)
	}
	req.PayerRef = validation.SanitizeString(req.PayerRef, maxPayerRefLength)
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); len(errs) > 0 {
		return nil, errs
	}
	if (req.ReferralAgentID == "") == (req.InviteCode == "") {
		return nil, fmt.Errorf("%w: exactly one of referralAgentId and inviteCode is required", apperr.ErrInvalidArgument)
	}

	var (
		referral *agents.Agent
		err      error
	)
	if req.InviteCode != "" {
		referral, err = s.agents.GetByInviteCode(ctx, req.InviteCode)
	} else {
		referral, err = s.agents.Get(ctx, req.ReferralAgentID)
	}
	if err != nil {
		return nil, err
	}
	if !referral.IsActive() {
		return nil, fmt.Errorf("%w: referral agent is not accepting payments", apperr.ErrNotFound)
	}

	res, err := s.resolver.Resolve(ctx, referral.ID)
	if err != nil {
		return nil, err
	}
	target, err := s.provider.Render(res.Config, req.Type)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &Transaction{
		ID:               idgen.WithPrefix("ord_"),
		Amount:           req.Amount.Round(commission.Places),
		Type:             req.Type,
		ReferralAgentID:  referral.ID,
		ReceivingAgentID: res.OwnerID,
		Status:           StatusPending,
		Verification: Verification{
			CustomerView: CustomerPending,
			AdminView:    AdminPending,
		},
		PayerRef:  req.PayerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	metrics.TransactionsCreatedTotal.WithLabelValues(string(t.Type)).Inc()
	logging.L(ctx).Info("transaction created",
		"tx_id", t.ID,
		"type", t.Type,
		"amount", t.Amount.String(),
		"referral_agent_id", t.ReferralAgentID,
		"receiving_agent_id", t.ReceivingAgentID,
	)
	s.publish(ctx, EventCreated, t)
	return &CreateResult{Transaction: t, Target: target}, nil
}

// verifier loads the acting agent and checks it may verify at all.
func (s *Service) verifier(ctx context.Context, id string) (*agents.Agent, error) {
	v, err := s.agents.Get(ctx, id)
	if errors.Is(err, agents.ErrAgentNotFound) {
		return nil, apperr.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !v.IsActive() {
		return nil, fmt.Errorf("%w: account disabled", apperr.ErrUnauthorized)
	}
	if v.Level > agents.LevelMin {
		return nil, fmt.Errorf("%w: only the main site and level-1 agents verify transactions", apperr.ErrPermissionDenied)
	}
	return v, nil
}

// ownsChain reports whether a level-1 verifier is the referral agent or one
// of its ancestors. Root owns every chain.
func (s *Service) ownsChain(ctx context.Context, v *agents.Agent, referralID string) (bool, error) {
	if v.IsRoot() || v.ID == referralID {
		return true, nil
	}
	return agents.IsAncestor(ctx, s.agents, v.ID, referralID)
}

// Verify confirms (verified=true) or rejects a pending transaction.
// Confirmation credits the commission split atomically with the status
// change. A transaction that already left pending yields ErrAlreadyProcessed
// and credits nothing.
func (s *Service) Verify(ctx context.Context, verifierID, txID string, verified bool, remarks string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Verify", traces.TransactionID(txID), traces.AgentID(verifierID))
	defer span.End()

	v, err := s.verifier(ctx, verifierID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, v, txID, verified, remarks)
}

func (s *Service) verify(ctx context.Context, v *agents.Agent, txID string, verified bool, remarks string) (*Transaction, error) {
	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	owns, err := s.ownsChain(ctx, v, t.ReferralAgentID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, fmt.Errorf("%w: transaction is outside your chain", apperr.ErrPermissionDenied)
	}
	if !t.IsPending() {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrAlreadyProcessed, t.ID, t.Status)
	}

	now := s.now()
	next := t.Clone()
	next.UpdatedAt = now
	next.Verification.VerifiedBy = v.ID
	next.Verification.VerifiedAt = &now
	next.Verification.Remarks = validation.SanitizeString(remarks, maxRemarksLength)

	var (
		credits []agents.Credit
		split   commission.Split
	)
	if verified {
		receiving, err := s.agents.Get(ctx, t.ReceivingAgentID)
		if err != nil {
			return nil, fmt.Errorf("receiving agent %s: %w", t.ReceivingAgentID, err)
		}
		referral, err := s.agents.Get(ctx, t.ReferralAgentID)
		if errors.Is(err, agents.ErrAgentNotFound) {
			referral = nil
		} else if err != nil {
			return nil, err
		}

		split = commission.Compute(t.Amount, receiving, referral)
		credits = split.Credits()

		next.Status = StatusCompleted
		next.Verification.AdminView = AdminVerified
		next.Verification.CustomerView = CustomerCompleted
		next.Commission = decimal.NewNullDecimal(split.Commission)
		next.ParentCommission = decimal.NewNullDecimal(split.ParentCommission)
		next.ParentCommissionAgentID = split.ParentAgentID
		next.CompletedAt = &now
	} else {
		next.Status = StatusFailed
		next.Verification.AdminView = AdminRejected
		next.Verification.CustomerView = CustomerNotFound
	}

	if err := s.store.Finalize(ctx, next, credits); err != nil {
		return nil, err
	}

	outcome := string(AdminRejected)
	if verified {
		outcome = string(AdminVerified)
		c, _ := split.Commission.Float64()
		metrics.CommissionCreditedTotal.WithLabelValues(string(t.Type), "receiving").Add(c)
		if split.ParentAgentID != "" {
			pc, _ := split.ParentCommission.Float64()
			metrics.CommissionCreditedTotal.WithLabelValues(string(t.Type), "referral").Add(pc)
		}
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("transaction verified",
		"tx_id", t.ID,
		"outcome", outcome,
		"verified_by", v.ID,
		"commission", split.Commission.String(),
		"parent_commission", split.ParentCommission.String(),
	)
	s.publish(ctx, EventVerified, next)
	return next, nil
}

// BatchVerify applies the same decision to every id independently. One
// failing item never rolls back or stops the others.
func (s *Service) BatchVerify(ctx context.Context, verifierID string, ids []string, verified bool, remarks string) ([]ItemResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no transaction ids", apperr.ErrInvalidArgument)
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: at most %d transactions per batch", apperr.ErrInvalidArgument, MaxBatchSize)
	}
	// A caller below level 1 gets PermissionDenied on every item; an
	// unknown or disabled caller fails the whole request.
	v, verr := s.verifier(ctx, verifierID)
	if verr != nil && !errors.Is(verr, apperr.ErrPermissionDenied) {
		return nil, verr
	}

	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		err := verr
		var t *Transaction
		if err == nil {
			t, err = s.verify(ctx, v, id, verified, remarks)
		}
		if err != nil {
			results = append(results, itemFailure(ctx, id, err))
			continue
		}
		results = append(results, ItemResult{ID: id, OK: true, Transaction: t})
	}
	return results, nil
}

func itemFailure(ctx context.Context, id string, err error) ItemResult {
	code, _ := apperr.Code(err)
	msg := err.Error()
	if code == "internal_error" {
		logging.L(ctx).Error("batch verify item failed", "tx_id", id, "error", err)
		msg = "Internal server error"
	}
	return ItemResult{ID: id, Error: code, Message: msg}
}

// Get returns a transaction visible to requesterID: root sees all, other
// agents see transactions referred within their subtree or received by them.
func (s *Service) Get(ctx context.Context, requesterID, txID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if requesterID == agents.RootID || requesterID == t.ReferralAgentID || requesterID == t.ReceivingAgentID {
		return t, nil
	}
	ok, err := agents.IsAncestor(ctx, s.agents, requesterID, t.ReferralAgentID)
	if errors.Is(err, agents.ErrAgentNotFound) {
		ok, err = false, nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: transaction is outside your chain", apperr.ErrPermissionDenied)
	}
	return t, nil
}

// CustomerStatus returns the payer-facing view of a transaction.
func (s *Service) CustomerStatus(ctx context.Context, txID string) (CustomerStatus, error) {
	t, err := s.store.Get(ctx, txID)
	if err != nil {
		return CustomerStatus{}, err
	}
	return CustomerStatusOf(t), nil
}

// List pages through transactions referred within requesterID's subtree,
// newest first. Root sees every transaction.
func (s *Service) List(ctx context.Context, requesterID string, status Status, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}

	filter := ListFilter{Status: status, Cursor: cur, Limit: limit + 1}
	if requesterID != agents.RootID {
		ids, err := agents.SubtreeIDs(ctx, s.agents, requesterID)
		if err != nil {
			return nil, err
		}
		filter.ReferralAgentIDs = ids
	}

	txs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &Page{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// publish notifies the agents on t's chain. Delivery problems are logged
// and never affect the caller.
func (s *Service) publish(ctx context.Context, eventType string, t *Transaction) {
	if s.events == nil {
		return
	}
	audience, err := agents.Audience(ctx, s.agents, t.ReferralAgentID)
	if err != nil {
		logging.L(ctx).Warn("event audience lookup failed", "tx_id", t.ID, "error", err)
		audience = []string{t.ReferralAgentID}
	}
	if !contains(audience, t.ReceivingAgentID) {
		audience = append(audience, t.ReceivingAgentID)
	}
	s.events.Publish(eventType, audience, t.Clone())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
