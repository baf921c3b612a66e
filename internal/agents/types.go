// Package agents holds the agent hierarchy: the record store, tree walks and
// the lifecycle rules for creating, updating and deleting agents.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/apperr"
)

var (
	ErrAgentNotFound    = fmt.Errorf("agent %w", apperr.ErrNotFound)
	ErrUsernameTaken    = fmt.Errorf("%w: username already exists", apperr.ErrConflict)
	ErrInviteCodeTaken  = fmt.Errorf("%w: invite code already exists", apperr.ErrConflict)
	ErrCorruptHierarchy = apperr.ErrCorruptHierarchy
)

// RootID is the fixed id of the main-site agent.
const RootID = "root"

// MaxDepth bounds every walk over the parent chain. A healthy tree is at
// most four hops deep; anything past MaxDepth is reported as corrupt.
const MaxDepth = 8

// Level is the position of an agent in the tree. 0 is the main site.
type Level int

const (
	LevelRoot Level = 0
	LevelMin  Level = 1
	LevelMax  Level = 4
)

// Status of an agent account.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

// Source records who created an agent.
type Source string

const (
	SourceSystem Source = "system"
	SourceAdmin  Source = "admin"
	SourceAgent  Source = "agent"
)

// USDTConfig is the crypto collection target.
type USDTConfig struct {
	Address string `json:"address"`
	QRCode  string `json:"qrcode,omitempty"`
}

// AlipayConfig is the red-packet collection target.
type AlipayConfig struct {
	Name    string `json:"name,omitempty"`
	Account string `json:"account"`
	QRCode  string `json:"qrcode,omitempty"`
}

// CustomerService is the contact shown to payers.
type CustomerService struct {
	URL string `json:"url,omitempty"`
	ID  string `json:"id,omitempty"`
}

// GatewayCredentials configure an agent's independent payment gateway.
type GatewayCredentials struct {
	APIEndpoint string `json:"apiEndpoint"`
	MerchantID  string `json:"merchantId"`
	SecretKey   string `json:"secretKey,omitempty"`
	NotifyURL   string `json:"notifyUrl,omitempty"`
}

// SiteConfig is the payment configuration owned by root or a level-1 agent.
type SiteConfig struct {
	USDT            USDTConfig          `json:"usdt"`
	Alipay          AlipayConfig        `json:"alipay"`
	CustomerService CustomerService     `json:"customerService"`
	Gateway         *GatewayCredentials `json:"gateway,omitempty"`
	// USDTRate is CNY per USDT for display; zero means DefaultUSDTRate.
	USDTRate decimal.Decimal `json:"usdtRate"`
}

// DefaultUSDTRate is used when a config carries no rate.
var DefaultUSDTRate = decimal.RequireFromString("7.2")

// IsEmpty reports whether the config has no collection target at all.
func (c *SiteConfig) IsEmpty() bool {
	return c == nil || (c.USDT.Address == "" && c.Alipay.Account == "")
}

// EffectiveUSDTRate returns the configured rate or the default.
func (c *SiteConfig) EffectiveUSDTRate() decimal.Decimal {
	if c == nil || !c.USDTRate.IsPositive() {
		return DefaultUSDTRate
	}
	return c.USDTRate
}

// Clone returns a deep copy, or nil.
func (c *SiteConfig) Clone() *SiteConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Gateway != nil {
		gw := *c.Gateway
		cp.Gateway = &gw
	}
	return &cp
}

// Redacted returns a copy safe to send to clients: the gateway secret is removed.
func (c *SiteConfig) Redacted() *SiteConfig {
	cp := c.Clone()
	if cp != nil && cp.Gateway != nil {
		cp.Gateway.SecretKey = ""
	}
	return cp
}

// Agent is one node of the referral tree.
type Agent struct {
	ID                    string          `json:"id"`
	Username              string          `json:"username"`
	PasswordHash          string          `json:"-"`
	Level                 Level           `json:"level"`
	Status                Status          `json:"status"`
	Source                Source          `json:"source"`
	CommissionRate        decimal.Decimal `json:"commissionRate"` // fraction in [0,1]
	ParentID              string          `json:"parentId,omitempty"`
	SiteConfig            *SiteConfig     `json:"siteConfig,omitempty"`
	InviteCode            string          `json:"inviteCode"`
	Balance               decimal.Decimal `json:"balance"`
	TotalEarnings         decimal.Decimal `json:"totalEarnings"`
	TotalTransactionCount int64           `json:"totalTransactionCount"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// IsRoot reports whether a is the main-site agent.
func (a *Agent) IsRoot() bool {
	return a.Level == LevelRoot && a.ParentID == ""
}

// IsActive reports whether a may authenticate and be shown to payers.
func (a *Agent) IsActive() bool {
	return a.Status == StatusActive
}

// Clone returns a deep copy of a.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.SiteConfig = a.SiteConfig.Clone()
	return &cp
}

// Credit is an earnings increment applied by commission settlement.
type Credit struct {
	AgentID string          `json:"agentId"`
	Amount  decimal.Decimal `json:"amount"`
}

// Store persists agents.
//
// Update performs a read-modify-write: patch runs against the current stored
// record and its result is written back atomically. Balance fields are only
// changed through ApplyCredits.
type Store interface {
	Get(ctx context.Context, id string) (*Agent, error)
	GetByUsername(ctx context.Context, username string) (*Agent, error)
	GetByInviteCode(ctx context.Context, code string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	ListChildren(ctx context.Context, parentID string) ([]*Agent, error)
	ListSubtree(ctx context.Context, rootID string) ([]*Agent, error)
	Insert(ctx context.Context, agent *Agent) error
	Update(ctx context.Context, id string, patch func(*Agent) error) (*Agent, error)
	DeleteSet(ctx context.Context, ids []string) error
	ApplyCredits(ctx context.Context, credits []Credit) error
}

var hundred = decimal.NewFromInt(100)

// PercentPlaces is the finest percentage accepted; it maps onto the six
// fractional digits a stored rate keeps.
const PercentPlaces = 4

// ValidPercent reports whether pct is in [0,100] with at most
// PercentPlaces fractional digits.
func ValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && !pct.GreaterThan(hundred) && pct.Equal(pct.Truncate(PercentPlaces))
}

// PercentToRate converts a boundary percentage to the stored fraction.
func PercentToRate(pct decimal.Decimal) decimal.Decimal {
	return pct.Div(hundred)
}

// RateToPercent converts a stored fraction to a display percentage.
func RateToPercent(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(hundred)
}
