// Package idgen generates record identifiers and invite codes.
package idgen

import (
	"strings"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
)

// InviteCodeLength is the length of generated invite codes.
const InviteCodeLength = 8

var inviteChars = []byte("ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789")

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "agt_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InviteCode returns a short alphanumeric code for referral links.
// Visually ambiguous characters (0/O, 1/l/I) are excluded.
func InviteCode() string {
	return uniuri.NewLenChars(InviteCodeLength, inviteChars)
}
