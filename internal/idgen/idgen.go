// Package idgen provides cryptographically random reference generation.
//
// Domain records (trades, disputes, offers) use store-assigned monotonic
// integer ids, so random ids only appear where an opaque external token
// is needed: ledger withdrawal references and payment idempotency keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix generates a random reference with a prefix (e.g. "wd_",
// "fund_"). Result is prefix + 24 hex chars (12 random bytes), enough
// entropy that references never collide within a deployment.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
