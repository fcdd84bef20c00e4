package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskledger/internal/idgen"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/metrics"
	"github.com/mbd888/riskledger/internal/money"
	"github.com/mbd888/riskledger/internal/syncutil"
	"github.com/mbd888/riskledger/internal/traces"
)

const (
	MaxDescriptionLength = 500
	MaxReferenceLength   = 64
)

// Ledger applies deposits, withdrawals and transfers. Each call is one atomic
// unit: one completed Transaction, two balanced Entries and the matching
// balance updates. The Ledger never retries; see OutcomeOf.
type Ledger struct {
	store   Store
	locks   *syncutil.ShardLock
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logging.Component(logger, "ledger") }
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithOperationTimeout bounds every money movement in addition to the
// caller's context. Zero leaves the caller's context alone.
func WithOperationTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  syncutil.NewShardLock(),
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// OpOption configures a single money movement.
type OpOption func(*opConfig)

type opConfig struct {
	actor     int64
	reference string
}

// InitiatedBy records the authenticated user behind the call. The debited
// account (the credited one, for deposits) must belong to userID; otherwise
// the call fails with ErrAccountNotFound.
func InitiatedBy(userID int64) OpOption {
	return func(c *opConfig) { c.actor = userID }
}

// WithReference uses ref as the idempotency reference instead of a fresh UUID.
func WithReference(ref string) OpOption {
	return func(c *opConfig) { c.reference = ref }
}

// movement describes one money movement. A zero account id stands for the
// settlement account of the customer account's currency.
type movement struct {
	typ         TransactionType
	source      int64
	dest        int64
	amount      decimal.Decimal
	description string
}

func (m movement) customerIDs() []int64 {
	var ids []int64
	if m.source != 0 {
		ids = append(ids, m.source)
	}
	if m.dest != 0 {
		ids = append(ids, m.dest)
	}
	return ids
}

// entries returns the legs in lock order: customer accounts first, the
// settlement account last.
func (m movement) entries(settlementID int64, at time.Time) []*Entry {
	debit := m.amount.Neg()
	switch m.typ {
	case TxDeposit:
		return []*Entry{
			{AccountID: m.dest, Amount: m.amount, CreatedAt: at},
			{AccountID: settlementID, Amount: debit, CreatedAt: at},
		}
	case TxWithdrawal:
		return []*Entry{
			{AccountID: m.source, Amount: debit, CreatedAt: at},
			{AccountID: settlementID, Amount: m.amount, CreatedAt: at},
		}
	default:
		return []*Entry{
			{AccountID: m.source, Amount: debit, CreatedAt: at},
			{AccountID: m.dest, Amount: m.amount, CreatedAt: at},
		}
	}
}

// Deposit credits accountID with external cash.
func (l *Ledger) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal, description string, opts ...OpOption) (*Transaction, error) {
	return l.apply(ctx, movement{typ: TxDeposit, dest: accountID, amount: amount, description: description}, opts)
}

// Withdraw debits accountID and pays the money out of the ledger.
func (l *Ledger) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal, description string, opts ...OpOption) (*Transaction, error) {
	return l.apply(ctx, movement{typ: TxWithdrawal, source: accountID, amount: amount, description: description}, opts)
}

// Transfer moves amount from sourceID to destID. Both accounts must be
// active and hold the same currency.
func (l *Ledger) Transfer(ctx context.Context, sourceID, destID int64, amount decimal.Decimal, description string, opts ...OpOption) (*Transaction, error) {
	return l.apply(ctx, movement{typ: TxTransfer, source: sourceID, dest: destID, amount: amount, description: description}, opts)
}

func (l *Ledger) apply(ctx context.Context, m movement, opts []OpOption) (txn *Transaction, err error) {
	var cfg opConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.reference == "" {
		cfg.reference = idgen.Reference()
	}

	done := observeOp(string(m.typ))
	ctx, span := traces.StartSpan(ctx, "ledger."+string(m.typ),
		traces.Amount(m.amount.String()), traces.Reference(cfg.reference))
	defer func() {
		done()
		outcome := OutcomeOf(err)
		metrics.TransactionsTotal.WithLabelValues(string(m.typ), outcome.String()).Inc()
		traces.End(span, err)
		l.logResult(ctx, m, cfg, txn, outcome, err)
	}()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := validateMovement(m, cfg); err != nil {
		return nil, err
	}

	// Fail fast on an unlocked snapshot; the checks are repeated under lock.
	ids := m.customerIDs()
	snapshot := make(map[int64]*Account, len(ids))
	for _, id := range ids {
		a, err := l.store.GetAccount(ctx, id)
		if err != nil {
			return nil, accountErr(id, err)
		}
		snapshot[id] = a
	}
	if err := checkMovement(m, cfg, snapshot); err != nil {
		return nil, err
	}

	unlock, err := l.locks.Lock(ctx, ids...)
	if err != nil {
		return nil, unavailable("wait for account lock", err)
	}
	defer unlock()

	now := l.now().UTC()
	txn = &Transaction{
		Reference:   cfg.reference,
		Type:        m.typ,
		Description: m.description,
		InitiatedBy: cfg.actor,
		Status:      TxCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	err = l.store.Atomic(ctx, ids, func(ctx context.Context, u Unit) error {
		locked := make(map[int64]*Account, len(ids))
		for _, id := range ids {
			a, err := u.Account(ctx, id)
			if err != nil {
				return accountErr(id, err)
			}
			locked[id] = a
		}
		if err := checkMovement(m, cfg, locked); err != nil {
			return err
		}
		var settlementID int64
		if m.typ != TxTransfer {
			settlement, err := u.SettlementAccount(ctx, locked[ids[0]].Currency)
			if err != nil {
				return err
			}
			settlementID = settlement.ID
		}
		return u.InsertTransaction(ctx, txn, m.entries(settlementID, now))
	})
	if err != nil {
		if errors.Is(err, ErrIndeterminate) {
			return nil, &IndeterminateError{Reference: cfg.reference, Err: err}
		}
		return nil, err
	}
	return txn, nil
}

func validateMovement(m movement, cfg opConfig) error {
	if err := money.Validate(m.amount); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if len(m.description) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	if len(cfg.reference) > MaxReferenceLength {
		return ErrInvalidReference
	}
	switch m.typ {
	case TxDeposit:
		if m.dest <= 0 {
			return accountErr(m.dest, ErrAccountNotFound)
		}
	case TxWithdrawal:
		if m.source <= 0 {
			return accountErr(m.source, ErrAccountNotFound)
		}
	default:
		if m.source <= 0 || m.dest <= 0 {
			return ErrAccountNotFound
		}
		if m.source == m.dest {
			return ErrSameAccount
		}
	}
	return nil
}

// checkMovement enforces ownership, status, currency and funds
// preconditions against accts.
func checkMovement(m movement, cfg opConfig, accts map[int64]*Account) error {
	if m.source != 0 {
		src := accts[m.source]
		if cfg.actor != 0 && src.OwnerID != cfg.actor {
			return accountErr(src.ID, ErrAccountNotFound)
		}
		if err := usable(src); err != nil {
			return err
		}
		if src.Balance.LessThan(m.amount) {
			return fmt.Errorf("%w: account %d balance %s is below %s",
				ErrInsufficientFunds, src.ID, money.Format(src.Balance), money.Format(m.amount))
		}
	}
	if m.dest != 0 {
		dst := accts[m.dest]
		if m.typ == TxDeposit && cfg.actor != 0 && dst.OwnerID != cfg.actor {
			return accountErr(dst.ID, ErrAccountNotFound)
		}
		if err := usable(dst); err != nil {
			return err
		}
	}
	if m.source != 0 && m.dest != 0 && accts[m.source].Currency != accts[m.dest].Currency {
		return ErrCurrencyMismatch
	}
	return nil
}

// usable rejects frozen, closed and settlement accounts as customer legs.
func usable(a *Account) error {
	if a.Type == AccountSettlement {
		return fmt.Errorf("%w: account %d is a settlement account", ErrAccountNotUsable, a.ID)
	}
	if a.Status != StatusActive {
		return fmt.Errorf("%w: account %d is %s", ErrAccountNotUsable, a.ID, a.Status)
	}
	return nil
}

func accountErr(id int64, err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return err
}

func (l *Ledger) logResult(ctx context.Context, m movement, cfg opConfig, txn *Transaction, outcome Outcome, err error) {
	attrs := []any{
		"type", m.typ,
		"reference", cfg.reference,
		"amount", m.amount.String(),
		"outcome", outcome.String(),
	}
	switch {
	case err == nil && txn != nil:
		l.logger.InfoContext(ctx, "transaction applied", append(attrs, "transaction_id", txn.ID)...)
	case err == nil:
		l.logger.InfoContext(ctx, "transaction applied", attrs...)
	case outcome == OutcomeUnknown:
		l.logger.ErrorContext(ctx, "transaction outcome unknown, reconcile by reference", append(attrs, "error", err)...)
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrUnbalancedEntries):
		l.logger.WarnContext(ctx, "transaction failed", append(attrs, "error", err)...)
	default:
		l.logger.DebugContext(ctx, "transaction rejected", append(attrs, "error", err)...)
	}
}
