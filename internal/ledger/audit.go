package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AuditReport is the result of a full-ledger integrity scan.
type AuditReport struct {
	Accounts     int `json:"accounts"`
	Transactions int `json:"transactions"`
	Entries      int `json:"entries"`

	// UnbalancedTransactions have entries that do not sum to zero or fewer
	// than two entries.
	UnbalancedTransactions []int64 `json:"unbalancedTransactions,omitempty"`
	// BalanceMismatches are accounts whose balance differs from the sum of
	// their entries.
	BalanceMismatches []BalanceMismatch `json:"balanceMismatches,omitempty"`
	// RunningBalanceMismatches are entries whose BalanceAfter differs from
	// the running sum of their account's entries in commit order.
	RunningBalanceMismatches []int64 `json:"runningBalanceMismatches,omitempty"`
	// NegativeBalances are accounts below zero whose type forbids it.
	NegativeBalances []int64 `json:"negativeBalances,omitempty"`
}

// BalanceMismatch describes one account failing the round-trip check.
type BalanceMismatch struct {
	AccountID int64           `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	EntrySum  decimal.Decimal `json:"entrySum"`
}

// OK reports whether the scan found no violations.
func (r *AuditReport) OK() bool {
	return len(r.UnbalancedTransactions) == 0 &&
		len(r.BalanceMismatches) == 0 &&
		len(r.RunningBalanceMismatches) == 0 &&
		len(r.NegativeBalances) == 0
}

// auditLedger checks an in-memory copy of the ledger. entries must be in
// commit (id) order.
func auditLedger(accounts []*Account, txnIDs []int64, entries []*Entry) *AuditReport {
	r := &AuditReport{
		Accounts:     len(accounts),
		Transactions: len(txnIDs),
		Entries:      len(entries),
	}

	txnSum := make(map[int64]decimal.Decimal, len(txnIDs))
	txnLegs := make(map[int64]int, len(txnIDs))
	running := make(map[int64]decimal.Decimal, len(accounts))
	for _, e := range entries {
		txnSum[e.TransactionID] = txnSum[e.TransactionID].Add(e.Amount)
		txnLegs[e.TransactionID]++

		bal := running[e.AccountID].Add(e.Amount)
		running[e.AccountID] = bal
		if !bal.Equal(e.BalanceAfter) {
			r.RunningBalanceMismatches = append(r.RunningBalanceMismatches, e.ID)
		}
	}

	for _, id := range txnIDs {
		if !txnSum[id].IsZero() || txnLegs[id] < 2 {
			r.UnbalancedTransactions = append(r.UnbalancedTransactions, id)
		}
	}

	for _, a := range accounts {
		sum := running[a.ID]
		if !a.Balance.Equal(sum) {
			r.BalanceMismatches = append(r.BalanceMismatches, BalanceMismatch{
				AccountID: a.ID, Balance: a.Balance, EntrySum: sum,
			})
		}
		if a.Balance.IsNegative() && !a.Type.AllowsNegative() {
			r.NegativeBalances = append(r.NegativeBalances, a.ID)
		}
	}
	sort.Slice(r.BalanceMismatches, func(i, j int) bool {
		return r.BalanceMismatches[i].AccountID < r.BalanceMismatches[j].AccountID
	})
	sort.Slice(r.NegativeBalances, func(i, j int) bool { return r.NegativeBalances[i] < r.NegativeBalances[j] })
	return r
}
