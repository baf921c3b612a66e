// Package commission computes the two-level rate-difference split credited
// when a transaction is confirmed.
package commission

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/agents"
)

// Places is the number of fractional digits kept on every credited amount.
const Places = 6

// Split is the outcome of one confirmed transaction.
type Split struct {
	ReceivingAgentID string          `json:"receivingAgentId"`
	Commission       decimal.Decimal `json:"commission"`

	// ParentAgentID is the referral agent credited ParentCommission, or
	// empty when the referral agent takes no share.
	ParentAgentID    string          `json:"parentAgentId,omitempty"`
	ParentCommission decimal.Decimal `json:"parentCommission"`
}

// Compute splits amount between the receiving agent and the referral agent.
//
// The receiving agent earns amount × its rate. A referral agent below level 1
// that is not itself the receiver earns the difference between the two rates,
// floored at zero. Nothing propagates past these two agents.
func Compute(amount decimal.Decimal, receiving, referral *agents.Agent) Split {
	s := Split{
		ReceivingAgentID: receiving.ID,
		Commission:       amount.Mul(receiving.CommissionRate).Round(Places),
		ParentCommission: decimal.Zero,
	}
	if referral == nil || referral.ID == receiving.ID || referral.Level <= agents.LevelMin {
		return s
	}

	diff := receiving.CommissionRate.Sub(referral.CommissionRate)
	if diff.IsNegative() {
		diff = decimal.Zero
	}
	s.ParentAgentID = referral.ID
	s.ParentCommission = amount.Mul(diff).Round(Places)
	return s
}

// Credits returns the balance increments for s, receiving agent first.
// A referral agent with a zero share is still credited so the transaction
// counts towards its totals.
func (s Split) Credits() []agents.Credit {
	out := []agents.Credit{{AgentID: s.ReceivingAgentID, Amount: s.Commission}}
	if s.ParentAgentID != "" {
		out = append(out, agents.Credit{AgentID: s.ParentAgentID, Amount: s.ParentCommission})
	}
	return out
}

// Total is the sum credited across both agents.
func (s Split) Total() decimal.Decimal {
	return s.Commission.Add(s.ParentCommission)
}
