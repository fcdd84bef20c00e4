package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, opts...), store
}

func openAccount(t *testing.T, l *Ledger, owner int64, typ AccountType) *Account {
	t.Helper()
	a, err := l.OpenAccount(context.Background(), OpenAccountRequest{OwnerID: owner, Type: typ, Currency: "USD"})
	require.NoError(t, err)
	return a
}

func balanceOf(t *testing.T, l *Ledger, id int64) decimal.Decimal {
	t.Helper()
	a, err := l.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func requireAuditOK(t *testing.T, l *Ledger) *AuditReport {
	t.Helper()
	r, err := l.Audit(context.Background())
	require.NoError(t, err)
	require.True(t, r.OK(), "audit violations: %+v", r)
	return r
}

func TestLedger_DepositWithdrawTransferScenario(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	b := openAccount(t, l, 2, AccountSavings)

	_, err := l.Deposit(ctx, a.ID, d("100"), "paycheck")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, a.ID, d("50"), "atm")
	require.NoError(t, err)
	_, err = l.Transfer(ctx, a.ID, b.ID, d("30"), "rent share")
	require.NoError(t, err)

	assert.True(t, balanceOf(t, l, a.ID).Equal(d("20")))
	assert.True(t, balanceOf(t, l, b.ID).Equal(d("30")))

	r := requireAuditOK(t, l)
	assert.Equal(t, 3, r.Transactions)
	assert.Equal(t, 6, r.Entries)

	settlement, err := l.Store().SettlementAccount(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, settlement.Balance.Equal(d("-50")), "settlement mirrors net cash in")
}

func TestLedger_DepositEntries(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountWallet)

	txn, err := l.Deposit(ctx, a.ID, d("12.3456"), "top up")
	require.NoError(t, err)
	assert.Equal(t, TxDeposit, txn.Type)
	assert.Equal(t, TxCompleted, txn.Status)
	assert.NotEmpty(t, txn.Reference)
	require.NotNil(t, txn.CompletedAt)
	require.Len(t, txn.Entries, 2)

	assert.Equal(t, a.ID, txn.Entries[0].AccountID)
	assert.True(t, txn.Entries[0].Amount.Equal(d("12.3456")))
	assert.True(t, txn.Entries[0].BalanceAfter.Equal(d("12.3456")))
	assert.True(t, txn.Entries[1].Amount.Equal(d("-12.3456")))

	got, err := l.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, got.Reference)
	assert.Len(t, got.Entries, 2)
}

func TestLedger_InsufficientFundsLeavesBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	b := openAccount(t, l, 1, AccountSavings)
	_, err := l.Deposit(ctx, a.ID, d("10"), "")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, a.ID, d("10.0001"), "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, OutcomeNotApplied, OutcomeOf(err))

	_, err = l.Transfer(ctx, a.ID, b.ID, d("11"), "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, balanceOf(t, l, a.ID).Equal(d("10")))
	assert.True(t, balanceOf(t, l, b.ID).IsZero())
	r := requireAuditOK(t, l)
	assert.Equal(t, 1, r.Transactions)
}

func TestLedger_LoanAccountCannotOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	loan := openAccount(t, l, 1, AccountLoan)

	_, err := l.Withdraw(context.Background(), loan.ID, d("1"), "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestLedger_ClosedAccountDeposit(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	_, err := l.CloseAccount(ctx, a.ID)
	require.NoError(t, err)

	_, err = l.Deposit(ctx, a.ID, d("100"), "")
	assert.ErrorIs(t, err, ErrAccountNotUsable)

	txns, err := store.ListTransactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
	entries, err := store.ListAccountEntries(ctx, EntryFilter{AccountID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedger_FrozenAccounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	b := openAccount(t, l, 2, AccountChecking)
	_, err := l.Deposit(ctx, a.ID, d("50"), "")
	require.NoError(t, err)

	_, err = l.FreezeAccount(ctx, b.ID)
	require.NoError(t, err)

	_, err = l.Transfer(ctx, a.ID, b.ID, d("5"), "")
	assert.ErrorIs(t, err, ErrAccountNotUsable)

	_, err = l.UnfreezeAccount(ctx, b.ID)
	require.NoError(t, err)
	_, err = l.Transfer(ctx, a.ID, b.ID, d("5"), "")
	assert.NoError(t, err)
}

func TestLedger_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	eur, err := l.OpenAccount(ctx, OpenAccountRequest{OwnerID: 1, Type: AccountChecking, Currency: "eur"})
	require.NoError(t, err)
	_, err = l.Deposit(ctx, a.ID, d("10"), "")
	require.NoError(t, err)

	long := make([]byte, MaxDescriptionLength+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero amount", func() error { _, err := l.Deposit(ctx, a.ID, decimal.Zero, ""); return err }, ErrValidation},
		{"negative amount", func() error { _, err := l.Withdraw(ctx, a.ID, d("-1"), ""); return err }, ErrValidation},
		{"too many decimals", func() error { _, err := l.Deposit(ctx, a.ID, d("0.00001"), ""); return err }, ErrValidation},
		{"unknown account", func() error { _, err := l.Deposit(ctx, 9999, d("1"), ""); return err }, ErrAccountNotFound},
		{"non-positive id", func() error { _, err := l.Deposit(ctx, 0, d("1"), ""); return err }, ErrAccountNotFound},
		{"same account", func() error { _, err := l.Transfer(ctx, a.ID, a.ID, d("1"), ""); return err }, ErrSameAccount},
		{"currency mismatch", func() error { _, err := l.Transfer(ctx, a.ID, eur.ID, d("1"), ""); return err }, ErrCurrencyMismatch},
		{"description too long", func() error { _, err := l.Deposit(ctx, a.ID, d("1"), string(long)); return err }, ErrDescriptionTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.True(t, balanceOf(t, l, a.ID).Equal(d("10")))
	assert.Equal(t, "EUR", eur.Currency)
}

func TestLedger_ZeroAccountID(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 0, d("1"), "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = l.Withdraw(ctx, 0, d("1"), "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = l.Withdraw(ctx, -7, d("1"), "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = l.Transfer(ctx, 0, 0, d("1"), "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLedger_RejectedDepositCreatesNoSettlement(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	_, err := l.FreezeAccount(ctx, a.ID)
	require.NoError(t, err)

	_, err = l.Deposit(ctx, a.ID, d("5"), "")
	require.ErrorIs(t, err, ErrAccountNotUsable)

	accounts, err := store.ListAccounts(ctx, AccountFilter{Type: AccountSettlement})
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = l.UnfreezeAccount(ctx, a.ID)
	require.NoError(t, err)
	txn, err := l.Deposit(ctx, a.ID, d("5"), "")
	require.NoError(t, err)

	accounts, err = store.ListAccounts(ctx, AccountFilter{Type: AccountSettlement})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, accounts[0].ID, txn.Entries[1].AccountID)
	assert.True(t, accounts[0].Balance.Equal(d("-5")))
	requireAuditOK(t, l)
}

func TestLedger_SettlementAccountIsNotACustomerLeg(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	settlement, err := store.SettlementAccount(ctx, "USD")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, settlement.ID, a.ID, d("1"), "")
	assert.ErrorIs(t, err, ErrAccountNotUsable)

	_, err = l.OpenAccount(ctx, OpenAccountRequest{Type: AccountSettlement})
	assert.ErrorIs(t, err, ErrInvalidAccountType)
}

func TestLedger_Ownership(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	alice := openAccount(t, l, 1, AccountChecking)
	bob := openAccount(t, l, 2, AccountChecking)

	_, err := l.Deposit(ctx, alice.ID, d("20"), "", InitiatedBy(1))
	require.NoError(t, err)

	_, err = l.Transfer(ctx, alice.ID, bob.ID, d("5"), "", InitiatedBy(2))
	assert.ErrorIs(t, err, ErrAccountNotFound, "foreign accounts look absent")

	_, err = l.Deposit(ctx, alice.ID, d("5"), "", InitiatedBy(2))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	txn, err := l.Transfer(ctx, alice.ID, bob.ID, d("5"), "", InitiatedBy(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), txn.InitiatedBy)
}

func TestLedger_DuplicateReference(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)

	first, err := l.Deposit(ctx, a.ID, d("5"), "", WithReference("order-42"))
	require.NoError(t, err)
	assert.Equal(t, "order-42", first.Reference)

	_, err = l.Deposit(ctx, a.ID, d("5"), "", WithReference("order-42"))
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.Equal(t, OutcomeNotApplied, OutcomeOf(err))
	assert.True(t, balanceOf(t, l, a.ID).Equal(d("5")))

	got, err := l.TransactionByReference(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = l.Deposit(ctx, a.ID, d("5"), "", WithReference(string(make([]byte, MaxReferenceLength+1))))
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestLedger_ConcurrentDepositWithdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	_, err := l.Deposit(ctx, a.ID, d("1000"), "opening")
	require.NoError(t, err)

	const rounds = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Deposit(ctx, a.ID, d("7.5"), "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := l.Withdraw(ctx, a.ID, d("7.5"), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.True(t, balanceOf(t, l, a.ID).Equal(d("1000")))
	requireAuditOK(t, l)
}

func TestLedger_ConcurrentOpposingTransfers(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	b := openAccount(t, l, 2, AccountChecking)
	for _, id := range []int64{a.ID, b.ID} {
		_, err := l.Deposit(ctx, id, d("100"), "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Transfer(ctx, a.ID, b.ID, d("1"), "")
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Transfer(ctx, b.ID, a.ID, d("1"), "")
		}()
	}
	wg.Wait()

	total := balanceOf(t, l, a.ID).Add(balanceOf(t, l, b.ID))
	assert.True(t, total.Equal(d("200")))
	requireAuditOK(t, l)
}

func TestLedger_CancelledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	a := openAccount(t, l, 1, AccountChecking)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Deposit(ctx, a.ID, d("1"), "")
	require.Error(t, err)
	assert.Equal(t, OutcomeNotApplied, OutcomeOf(err))
	assert.True(t, balanceOf(t, l, a.ID).IsZero())
}

func TestLedger_ClockAndTimestamps(t *testing.T) {
	at := time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)
	l, _ := newTestLedger(t, WithClock(func() time.Time { return at }))
	a := openAccount(t, l, 1, AccountChecking)

	txn, err := l.Deposit(context.Background(), a.ID, d("1"), "")
	require.NoError(t, err)
	assert.Equal(t, at, txn.CreatedAt)
	for _, e := range txn.Entries {
		assert.Equal(t, at, e.CreatedAt)
	}
}

// indeterminateStore fails every commit with an unknown outcome.
type indeterminateStore struct {
	*MemoryStore
}

func (s indeterminateStore) Atomic(ctx context.Context, lockIDs []int64, fn func(ctx context.Context, u Unit) error) error {
	return errors.Join(ErrIndeterminate, errors.New("connection reset during commit"))
}

func TestLedger_IndeterminateCarriesReference(t *testing.T) {
	mem := NewMemoryStore()
	l := New(indeterminateStore{mem})
	a := openAccount(t, l, 1, AccountChecking)

	_, err := l.Deposit(context.Background(), a.ID, d("1"), "", WithReference("ref-1"))
	require.Error(t, err)

	var ind *IndeterminateError
	require.ErrorAs(t, err, &ind)
	assert.Equal(t, "ref-1", ind.Reference)
	assert.Equal(t, OutcomeUnknown, OutcomeOf(err))
	assert.False(t, Retryable(err))
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Outcome
		retryable bool
	}{
		{"nil", nil, OutcomeApplied, false},
		{"validation", ErrSameAccount, OutcomeNotApplied, false},
		{"insufficient", ErrInsufficientFunds, OutcomeNotApplied, false},
		{"unavailable", unavailable("begin", errors.New("dial tcp: refused")), OutcomeNotApplied, true},
		{"indeterminate", &IndeterminateError{Reference: "r", Err: errors.New("eof")}, OutcomeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeOf(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
	assert.Equal(t, "not_applied", OutcomeNotApplied.String())
}
