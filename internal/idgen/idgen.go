// Package idgen generates externally visible identifiers.
package idgen

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// Reference returns a fresh idempotency reference for a ledger transaction.
func Reference() string {
	return uuid.NewString()
}

// AccountNumber returns a random 12-digit account number.
func AccountNumber() string {
	const digits = "0123456789"
	b := make([]byte, 12)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = digits[n.Int64()]
	}
	// Leading zero would be lost by tools that treat numbers numerically.
	if b[0] == '0' {
		b[0] = '1'
	}
	return string(b)
}
