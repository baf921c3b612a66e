package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/agentpay/internal/apperr"
)

func TestIsValidUSDTAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", true},
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},

		{"TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLS", false},  // short
		{"TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLS0", false}, // 0 is not base58
		{"1234567890123456789012345678901234567890", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidUSDTAddress(tc.addr), tc.addr)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Username("username", "a"),
		Password("password", "123"),
		USDTAddress("usdt.address", "nope"),
		URL("customerService.url", "ftp://x"),
		Required("name", "ok"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "username", errs[0].Field)
	assert.True(t, errors.Is(errs, apperr.ErrInvalidArgument))
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Username("username", "agent_01"),
		Password("password", "secret1"),
		USDTAddress("usdt.address", ""),
		URL("customerService.url", "https://t.me/support"),
	)
	assert.Empty(t, errs)
}

func TestPositiveAmount(t *testing.T) {
	assert.Nil(t, PositiveAmount("amount", decimal.RequireFromString("1000"))())
	assert.Nil(t, PositiveAmount("amount", decimal.RequireFromString("0.000001"))())
	assert.NotNil(t, PositiveAmount("amount", decimal.Zero)())
	assert.NotNil(t, PositiveAmount("amount", decimal.RequireFromString("-5"))())
	assert.NotNil(t, PositiveAmount("amount", decimal.RequireFromString("0.0000001"))())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  abc\x00 ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}
