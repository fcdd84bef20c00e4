// Package ledger is a double-entry ledger: accounts, transactions, the signed
// entries that move money between them, and the risk scores attached to each
// transaction by the scoring pipeline.
//
// Every transaction has at least two entries and its entries sum to zero.
// Deposits and withdrawals are booked against a per-currency settlement
// account, the ledger's view of money outside the system:
//
//	deposit     +account  -settlement
//	withdrawal  -account  +settlement
//	transfer    -source   +destination
//
// The Ledger type applies money movements; the Store persists them
// atomically. The scoring worker only ever talks to the Store.
package ledger

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies an account.
type AccountType string

const (
	AccountSavings    AccountType = "savings"
	AccountChecking   AccountType = "checking"
	AccountWallet     AccountType = "wallet"
	AccountLoan       AccountType = "loan"
	AccountSettlement AccountType = "settlement"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountChecking, AccountWallet, AccountLoan, AccountSettlement:
		return true
	}
	return false
}

// AllowsNegative reports whether the balance may drop below zero.
func (t AccountType) AllowsNegative() bool {
	return t == AccountLoan || t == AccountSettlement
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusFrozen AccountStatus = "frozen"
	StatusClosed AccountStatus = "closed"
)

// TransactionType is the kind of money movement.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTransfer   TransactionType = "transfer"
	TxPayment    TransactionType = "payment"
	TxFee        TransactionType = "fee"
	TxInterest   TransactionType = "interest"
)

// TransactionStatus is the state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxReversed  TransactionStatus = "reversed"
)

// Verdict is the discrete risk tier of a scored transaction.
type Verdict string

const (
	VerdictSafe       Verdict = "SAFE"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictCritical   Verdict = "CRITICAL"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictSafe || v == VerdictSuspicious || v == VerdictCritical
}

// Account holds a balance in one currency.
type Account struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"ownerId"`
	Number    string          `json:"accountNumber"`
	Type      AccountType     `json:"accountType"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Transaction is one balanced money movement.
type Transaction struct {
	ID          int64             `json:"id"`
	Reference   string            `json:"reference"`
	Type        TransactionType   `json:"type"`
	Description string            `json:"description"`
	InitiatedBy int64             `json:"initiatedBy"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Entries     []*Entry          `json:"entries,omitempty"`
}

// Entry is one signed leg of a transaction. Negative amounts are debits.
type Entry struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transactionId"`
	AccountID     int64           `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FeatureSnapshot is the feature vector a score was computed from, stored as JSONB.
type FeatureSnapshot map[string]float64

// Value implements driver.Valuer.
func (f FeatureSnapshot) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *FeatureSnapshot) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*f = FeatureSnapshot{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("feature snapshot: unsupported source type")
	}
	return json.Unmarshal(b, f)
}

// RiskScore is the scoring pipeline's verdict on one transaction.
type RiskScore struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transactionId"`
	Score         float64         `json:"riskScore"`
	Verdict       Verdict         `json:"verdict"`
	Features      FeatureSnapshot `json:"features"`
	ModelVersion  string          `json:"modelVersion"`
	ScoredAt      time.Time       `json:"scoredAt"`
}

// UnscoredTransaction is what the scoring worker needs to evaluate a
// transaction: the transaction and its debit leg.
type UnscoredTransaction struct {
	ID               int64           `json:"id"`
	Reference        string          `json:"reference"`
	Type             TransactionType `json:"type"`
	CreatedAt        time.Time       `json:"createdAt"`
	DebitAccountID   int64           `json:"debitAccountId"`
	DebitAccountType AccountType     `json:"debitAccountType"`
	CreditAccountID  int64           `json:"creditAccountId"`
	Amount           decimal.Decimal `json:"amount"` // absolute value of the debit entry
}

// CustomerAccountID is the customer side of the movement: the credited
// account for deposits, the debited one otherwise.
func (u *UnscoredTransaction) CustomerAccountID() int64 {
	if u.Type == TxDeposit {
		return u.CreditAccountID
	}
	return u.DebitAccountID
}

// DebitRecord is one historical debit leg used for model training.
type DebitRecord struct {
	TransactionID int64
	AccountID     int64
	Amount        decimal.Decimal // absolute value
	CreatedAt     time.Time
}

// AccountFilter narrows ListAccounts. Results are newest first.
type AccountFilter struct {
	OwnerID  int64
	Type     AccountType
	Status   AccountStatus
	BeforeID int64
	Limit    int
}

// TransactionFilter narrows ListTransactions. Results are newest first.
type TransactionFilter struct {
	AccountID int64 // transactions with an entry on this account
	Type      TransactionType
	Status    TransactionStatus
	Since     time.Time
	Until     time.Time
	BeforeID  int64
	Limit     int
}

// EntryFilter narrows ListAccountEntries. Results are newest first.
type EntryFilter struct {
	AccountID int64
	BeforeID  int64
	Limit     int
}

// RiskScoreFilter narrows ListRiskScores. Results are newest first.
type RiskScoreFilter struct {
	Verdict  Verdict
	MinScore float64
	BeforeID int64
	Limit    int
}

// Unit is the write surface available inside Store.Atomic. Everything done
// through a Unit commits together or not at all.
type Unit interface {
	// Account returns the account, locked for update when its id was
	// passed to Atomic.
	Account(ctx context.Context, id int64) (*Account, error)

	// SettlementAccount is Store.SettlementAccount inside the unit: an
	// account created here only exists if the unit commits.
	SettlementAccount(ctx context.Context, currency string) (*Account, error)

	// InsertTransaction persists txn and its entries and applies each entry
	// to its account balance, filling in ids and BalanceAfter. Entry sets
	// with fewer than two legs or a non-zero sum fail with
	// ErrUnbalancedEntries.
	InsertTransaction(ctx context.Context, txn *Transaction, entries []*Entry) error

	// SetAccountStatus changes an account's lifecycle status.
	SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error
}

// Store persists the ledger.
type Store interface {
	// Atomic runs fn as one atomic unit with lockIDs locked for update.
	Atomic(ctx context.Context, lockIDs []int64, fn func(ctx context.Context, u Unit) error) error

	// SettlementAccount returns the clearing account for currency,
	// creating it on first use.
	SettlementAccount(ctx context.Context, currency string) (*Account, error)

	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error)

	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error)
	ListEntries(ctx context.Context, transactionID int64) ([]*Entry, error)
	ListAccountEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)

	// GetRiskScore returns nil, nil when the transaction has not been scored yet.
	GetRiskScore(ctx context.Context, transactionID int64) (*RiskScore, error)
	ListRiskScores(ctx context.Context, f RiskScoreFilter) ([]*RiskScore, error)

	// GetUnscored returns up to limit transactions with id > cursor and no
	// risk score, oldest first.
	GetUnscored(ctx context.Context, limit int, cursor int64) ([]*UnscoredTransaction, error)
	// CountRecentDebits counts debit entries on accountID with
	// since <= created_at <= until.
	CountRecentDebits(ctx context.Context, accountID int64, since, until time.Time) (int, error)
	// InsertRiskScore fails with ErrDuplicateScore if the transaction
	// already has one.
	InsertRiskScore(ctx context.Context, score *RiskScore) error
	// HistoricalDebits returns the debit leg of up to limit of the most
	// recent transactions (limit <= 0 means all).
	HistoricalDebits(ctx context.Context, limit int) ([]DebitRecord, error)

	Audit(ctx context.Context) (*AuditReport, error)
	Ping(ctx context.Context) error
}
