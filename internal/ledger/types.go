// Package ledger records payment transactions and moves them through
// verification. Confirming a transaction credits the commission split to the
// receiving and referral agents in the same atomic step that completes it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/pagination"
	"github.com/mbd888/agentpay/internal/paymenttarget"
)

var (
	ErrTransactionNotFound = fmt.Errorf("transaction %w", apperr.ErrNotFound)
	ErrAlreadyProcessed    = apperr.ErrAlreadyProcessed
)

// Status is the lifecycle state of a transaction. manual_review is reserved
// and has no transitions in or out.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusManualReview Status = "manual_review"
)

// CustomerView is what the payer is told. A rejection is shown as not_found.
type CustomerView string

const (
	CustomerPending   CustomerView = "pending"
	CustomerNotFound  CustomerView = "not_found"
	CustomerCompleted CustomerView = "completed"
)

// AdminView is the internal verification outcome.
type AdminView string

const (
	AdminPending  AdminView = "pending"
	AdminVerified AdminView = "verified"
	AdminRejected AdminView = "rejected"
)

// Verification tracks the two views of a transaction's review.
type Verification struct {
	CustomerView CustomerView `json:"customerView"`
	AdminView    AdminView    `json:"adminView"`
	VerifiedBy   string       `json:"verifiedBy,omitempty"`
	VerifiedAt   *time.Time   `json:"verifiedAt,omitempty"`
	Remarks      string       `json:"remarks,omitempty"`
}

// Transaction is one payment made through a referral agent.
type Transaction struct {
	ID               string             `json:"id"`
	Amount           decimal.Decimal    `json:"amount"`
	Type             paymenttarget.Type `json:"type"`
	ReferralAgentID  string             `json:"referralAgentId"`
	ReceivingAgentID string             `json:"receivingAgentId"`
	Status           Status             `json:"status"`
	Verification     Verification       `json:"verificationStatus"`
	PayerRef         string             `json:"payerRef,omitempty"`

	// Commission fields stay null until the transaction is confirmed.
	Commission              decimal.NullDecimal `json:"commission"`
	ParentCommission        decimal.NullDecimal `json:"parentCommission"`
	ParentCommissionAgentID string              `json:"parentCommissionAgentId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsPending reports whether t can still be verified.
func (t *Transaction) IsPending() bool {
	return t.Status == StatusPending
}

// Clone returns a deep copy of t.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Verification.VerifiedAt != nil {
		at := *t.Verification.VerifiedAt
		cp.Verification.VerifiedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// CustomerStatus is the payer-facing summary of a transaction.
type CustomerStatus struct {
	ID        string             `json:"id"`
	Amount    decimal.Decimal    `json:"amount"`
	Type      paymenttarget.Type `json:"type"`
	Status    CustomerView       `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}

// CustomerStatusOf projects t for the payer.
func CustomerStatusOf(t *Transaction) CustomerStatus {
	return CustomerStatus{
		ID:        t.ID,
		Amount:    t.Amount,
		Type:      t.Type,
		Status:    t.Verification.CustomerView,
		CreatedAt: t.CreatedAt,
	}
}

// ItemResult is the outcome for one id of a batch verification.
type ItemResult struct {
	ID          string       `json:"id"`
	OK          bool         `json:"ok"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Error       string       `json:"error,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// ListFilter selects transactions for listing. A nil ReferralAgentIDs
// matches every transaction.
type ListFilter struct {
	ReferralAgentIDs []string
	Status           Status
	Cursor           *pagination.Cursor
	Limit            int
}

// Store persists transactions.
//
// Finalize writes t, which must carry a final status, only if the stored
// record is still pending, and applies credits in the same atomic step. A
// record that already left pending yields ErrAlreadyProcessed and nothing
// is written or credited.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)
	Finalize(ctx context.Context, t *Transaction, credits []agents.Credit) error
}
