// Package paymenttarget renders a resolved site configuration into the
// collection target shown to a payer.
package paymenttarget

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
)

// Type is the payment channel.
type Type string

const (
	TypeUSDT      Type = "usdt"
	TypeRedPacket Type = "redpacket"
)

// Types lists every channel in display order.
var Types = []Type{TypeUSDT, TypeRedPacket}

// Valid reports whether t is a known channel.
func (t Type) Valid() bool {
	return t == TypeUSDT || t == TypeRedPacket
}

// Target is what the payer sends funds to.
type Target struct {
	Type        Type   `json:"type"`
	Address     string `json:"address"`
	QRCodeRef   string `json:"qrcode,omitempty"`
	AccountName string `json:"accountName,omitempty"`
	// Rate is CNY per USDT, set for USDT targets only.
	Rate *decimal.Decimal `json:"rate,omitempty"`
}

// Provider renders payment targets.
type Provider interface {
	Render(cfg *agents.SiteConfig, t Type) (Target, error)
}

// StaticProvider reads targets straight out of the site configuration.
type StaticProvider struct{}

// NewStaticProvider creates a provider backed by stored configuration.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Render returns the target for t. A configuration without an address or
// account for t yields ErrConfigNotFound.
func (StaticProvider) Render(cfg *agents.SiteConfig, t Type) (Target, error) {
	if !t.Valid() {
		return Target{}, fmt.Errorf("%w: unknown payment type %q", apperr.ErrInvalidArgument, t)
	}
	if cfg == nil {
		return Target{}, apperr.ErrConfigNotFound
	}

	switch t {
	case TypeUSDT:
		if cfg.USDT.Address == "" {
			return Target{}, fmt.Errorf("%w: no USDT address", apperr.ErrConfigNotFound)
		}
		rate := cfg.EffectiveUSDTRate()
		return Target{
			Type:      t,
			Address:   cfg.USDT.Address,
			QRCodeRef: cfg.USDT.QRCode,
			Rate:      &rate,
		}, nil
	default:
		if cfg.Alipay.Account == "" {
			return Target{}, fmt.Errorf("%w: no Alipay account", apperr.ErrConfigNotFound)
		}
		return Target{
			Type:        t,
			Address:     cfg.Alipay.Account,
			QRCodeRef:   cfg.Alipay.QRCode,
			AccountName: cfg.Alipay.Name,
		}, nil
	}
}

// RenderAll returns every target cfg supports, skipping channels it lacks.
func RenderAll(p Provider, cfg *agents.SiteConfig) []Target {
	var out []Target
	for _, t := range Types {
		if target, err := p.Render(cfg, t); err == nil {
			out = append(out, target)
		}
	}
	return out
}

var _ Provider = StaticProvider{}
