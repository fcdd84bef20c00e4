package ledger

import (
	"context"
	"fmt"

	"github.com/mbd888/riskledger/internal/pagination"
)

// Read-only query surface for statements, dashboards and audit views.
// Lists are newest first and paginated with opaque cursors.

// Statement is an account with a page of its entries.
type Statement struct {
	Account *Account                `json:"account"`
	Entries pagination.Page[*Entry] `json:"entries"`
}

// GetAccount returns an account by id.
func (l *Ledger) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, accountErr(id, err)
	}
	return a, nil
}

// ListAccounts returns one page of accounts matching f.
func (l *Ledger) ListAccounts(ctx context.Context, f AccountFilter, cursor string) (pagination.Page[*Account], error) {
	limit, err := pageBounds(cursor, &f.BeforeID, &f.Limit)
	if err != nil {
		return pagination.Page[*Account]{}, err
	}
	items, err := l.store.ListAccounts(ctx, f)
	if err != nil {
		return pagination.Page[*Account]{}, err
	}
	return pagination.ComputePage(items, limit, func(a *Account) int64 { return a.ID }), nil
}

// GetTransaction returns a transaction with its entries.
func (l *Ledger) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	txn, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.withEntries(ctx, txn)
}

// TransactionByReference looks a transaction up by its idempotency
// reference. Callers use it to reconcile after ErrIndeterminate.
func (l *Ledger) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	txn, err := l.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return l.withEntries(ctx, txn)
}

// ListTransactions returns one page of transactions matching f. Entries are
// not loaded.
func (l *Ledger) ListTransactions(ctx context.Context, f TransactionFilter, cursor string) (pagination.Page[*Transaction], error) {
	limit, err := pageBounds(cursor, &f.BeforeID, &f.Limit)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	items, err := l.store.ListTransactions(ctx, f)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	return pagination.ComputePage(items, limit, func(t *Transaction) int64 { return t.ID }), nil
}

// Entries returns the entries of one transaction.
func (l *Ledger) Entries(ctx context.Context, transactionID int64) ([]*Entry, error) {
	return l.store.ListEntries(ctx, transactionID)
}

// Statement returns an account and one page of its entries.
func (l *Ledger) Statement(ctx context.Context, accountID int64, cursor string, limit int) (*Statement, error) {
	a, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	f := EntryFilter{AccountID: accountID, Limit: limit}
	limit, err = pageBounds(cursor, &f.BeforeID, &f.Limit)
	if err != nil {
		return nil, err
	}
	items, err := l.store.ListAccountEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Statement{
		Account: a,
		Entries: pagination.ComputePage(items, limit, func(e *Entry) int64 { return e.ID }),
	}, nil
}

// RiskScore returns the score of a transaction, or nil if it has not been
// evaluated yet.
func (l *Ledger) RiskScore(ctx context.Context, transactionID int64) (*RiskScore, error) {
	return l.store.GetRiskScore(ctx, transactionID)
}

// ListRiskScores returns one page of risk scores matching f.
func (l *Ledger) ListRiskScores(ctx context.Context, f RiskScoreFilter, cursor string) (pagination.Page[*RiskScore], error) {
	limit, err := pageBounds(cursor, &f.BeforeID, &f.Limit)
	if err != nil {
		return pagination.Page[*RiskScore]{}, err
	}
	items, err := l.store.ListRiskScores(ctx, f)
	if err != nil {
		return pagination.Page[*RiskScore]{}, err
	}
	return pagination.ComputePage(items, limit, func(s *RiskScore) int64 { return s.ID }), nil
}

// Audit scans the whole ledger for invariant violations.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	defer observeOp("audit")()
	r, err := l.store.Audit(ctx)
	if err != nil {
		return nil, err
	}
	recordAudit(r, l.now())
	if !r.OK() {
		l.logger.ErrorContext(ctx, "ledger audit found violations",
			"unbalanced_transactions", len(r.UnbalancedTransactions),
			"balance_mismatches", len(r.BalanceMismatches),
			"running_balance_mismatches", len(r.RunningBalanceMismatches),
			"negative_balances", len(r.NegativeBalances))
	}
	return r, nil
}

func (l *Ledger) withEntries(ctx context.Context, txn *Transaction) (*Transaction, error) {
	entries, err := l.store.ListEntries(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	txn.Entries = entries
	return txn, nil
}

// pageBounds decodes cursor into beforeID, clamps *limit and asks the store
// for one extra row so ComputePage can tell whether more remain.
func pageBounds(cursor string, beforeID *int64, limit *int) (int, error) {
	id, err := pagination.Decode(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if id != 0 {
		*beforeID = id
	}
	n := pagination.Limit(*limit)
	*limit = n + 1
	return n, nil
}
