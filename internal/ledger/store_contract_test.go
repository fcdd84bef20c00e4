package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("rejects unbalanced entries", func(t *testing.T) {
		store := newStore(t)
		l := New(store)
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)
		b := openAccount(t, l, 1, AccountChecking)

		now := time.Now().UTC()
		tests := []struct {
			name    string
			entries []*Entry
		}{
			{"single leg", []*Entry{{AccountID: a.ID, Amount: d("5")}}},
			{"non-zero sum", []*Entry{{AccountID: a.ID, Amount: d("5")}, {AccountID: b.ID, Amount: d("-4")}}},
			{"zero leg", []*Entry{{AccountID: a.ID, Amount: d("0")}, {AccountID: b.ID, Amount: d("0")}}},
		}
		for _, tt := range tests {
			err := store.Atomic(ctx, []int64{a.ID, b.ID}, func(ctx context.Context, u Unit) error {
				return u.InsertTransaction(ctx, &Transaction{
					Reference: "unbalanced-" + tt.name, Type: TxTransfer, Status: TxCompleted, CreatedAt: now,
				}, tt.entries)
			})
			assert.ErrorIs(t, err, ErrUnbalancedEntries, tt.name)
		}

		txns, err := store.ListTransactions(ctx, TransactionFilter{})
		require.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("failed unit leaves no trace", func(t *testing.T) {
		store := newStore(t)
		l := New(store)
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)
		b := openAccount(t, l, 1, AccountChecking)

		// b cannot go negative, so the second leg fails after the first applied.
		err := store.Atomic(ctx, []int64{a.ID, b.ID}, func(ctx context.Context, u Unit) error {
			return u.InsertTransaction(ctx, &Transaction{
				Reference: "overdraft", Type: TxTransfer, Status: TxCompleted, CreatedAt: time.Now().UTC(),
			}, []*Entry{{AccountID: a.ID, Amount: d("5")}, {AccountID: b.ID, Amount: d("-5")}})
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		got, err := store.GetAccount(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.IsZero())
		_, err = store.GetTransactionByReference(ctx, "overdraft")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("unscored cursor and risk scores", func(t *testing.T) {
		store := newStore(t)
		l := New(store)
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)
		b := openAccount(t, l, 2, AccountChecking)

		dep, err := l.Deposit(ctx, a.ID, d("100"), "")
		require.NoError(t, err)
		wd, err := l.Withdraw(ctx, a.ID, d("10"), "")
		require.NoError(t, err)
		tr, err := l.Transfer(ctx, a.ID, b.ID, d("25.5"), "")
		require.NoError(t, err)

		batch, err := store.GetUnscored(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		assert.Equal(t, []int64{dep.ID, wd.ID, tr.ID}, []int64{batch[0].ID, batch[1].ID, batch[2].ID})

		assert.Equal(t, AccountSettlement, batch[0].DebitAccountType, "deposits are debited from settlement")
		assert.Equal(t, a.ID, batch[1].DebitAccountID)
		assert.True(t, batch[2].Amount.Equal(d("25.5")))
		assert.Equal(t, a.ID, batch[2].DebitAccountID)
		assert.Equal(t, b.ID, batch[2].CreditAccountID)
		assert.Equal(t, a.ID, batch[0].CustomerAccountID(), "a deposit belongs to the credited account")
		assert.Equal(t, a.ID, batch[1].CustomerAccountID())
		assert.Equal(t, a.ID, batch[2].CustomerAccountID())

		batch, err = store.GetUnscored(ctx, 1, dep.ID)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, wd.ID, batch[0].ID)

		score := &RiskScore{
			TransactionID: wd.ID, Score: 0.2, Verdict: VerdictSafe,
			Features: FeatureSnapshot{"amount": 10, "hourOfDay": 9}, ModelVersion: "test",
		}
		require.NoError(t, store.InsertRiskScore(ctx, score))
		assert.NotZero(t, score.ID)

		dup := &RiskScore{TransactionID: wd.ID, Score: 0.9, Verdict: VerdictCritical}
		assert.ErrorIs(t, store.InsertRiskScore(ctx, dup), ErrDuplicateScore)

		got, err := store.GetRiskScore(ctx, wd.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, VerdictSafe, got.Verdict)
		assert.InDelta(t, 10, got.Features["amount"], 1e-9)

		missing, err := store.GetRiskScore(ctx, tr.ID)
		require.NoError(t, err)
		assert.Nil(t, missing, "an unscored transaction is not an error")

		batch, err = store.GetUnscored(ctx, 10, 0)
		require.NoError(t, err)
		assert.Len(t, batch, 2)

		assert.ErrorIs(t, store.InsertRiskScore(ctx, &RiskScore{TransactionID: tr.ID, Score: 1.5, Verdict: VerdictSafe}), ErrValidation)
		assert.ErrorIs(t, store.InsertRiskScore(ctx, &RiskScore{TransactionID: tr.ID, Score: 0.5, Verdict: "MAYBE"}), ErrValidation)
	})

	t.Run("recent debits window is closed", func(t *testing.T) {
		store := newStore(t)
		at := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
		clock := at
		l := New(store, WithClock(func() time.Time { return clock }))
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)

		_, err := l.Deposit(ctx, a.ID, d("100"), "")
		require.NoError(t, err)
		for _, offset := range []time.Duration{0, 30 * time.Minute, 60 * time.Minute, 61 * time.Minute} {
			clock = at.Add(offset)
			_, err := l.Withdraw(ctx, a.ID, d("1"), "")
			require.NoError(t, err)
		}

		end := at.Add(60 * time.Minute)
		n, err := store.CountRecentDebits(ctx, a.ID, end.Add(-time.Hour), end)
		require.NoError(t, err)
		assert.Equal(t, 3, n, "both window edges count; credits never do")
	})

	t.Run("historical debits oldest first", func(t *testing.T) {
		store := newStore(t)
		l := New(store)
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)

		var ids []int64
		for _, amt := range []string{"50", "5", "6", "7"} {
			var txn *Transaction
			var err error
			if amt == "50" {
				txn, err = l.Deposit(ctx, a.ID, d(amt), "")
			} else {
				txn, err = l.Withdraw(ctx, a.ID, d(amt), "")
			}
			require.NoError(t, err)
			ids = append(ids, txn.ID)
		}

		all, err := store.HistoricalDebits(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[0], all[0].TransactionID)
		assert.True(t, all[0].Amount.Equal(d("50")))

		recent, err := store.HistoricalDebits(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, []int64{ids[2], ids[3]}, []int64{recent[0].TransactionID, recent[1].TransactionID})
		assert.Equal(t, a.ID, recent[1].AccountID)
	})

	t.Run("settlement account is created once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		first, err := store.SettlementAccount(ctx, "GBP")
		require.NoError(t, err)
		second, err := store.SettlementAccount(ctx, "GBP")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "SETTLE-GBP", first.Number)
		assert.Equal(t, AccountSettlement, first.Type)
	})

	t.Run("settlement account created in a unit rolls back with it", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := store.Atomic(ctx, nil, func(ctx context.Context, u Unit) error {
			a, err := u.SettlementAccount(ctx, "CHF")
			require.NoError(t, err)
			again, err := u.SettlementAccount(ctx, "CHF")
			require.NoError(t, err)
			assert.Equal(t, a.ID, again.ID)
			return boom
		})
		require.ErrorIs(t, err, boom)

		accounts, err := store.ListAccounts(ctx, AccountFilter{Type: AccountSettlement})
		require.NoError(t, err)
		assert.Empty(t, accounts)

		var created int64
		err = store.Atomic(ctx, nil, func(ctx context.Context, u Unit) error {
			a, err := u.SettlementAccount(ctx, "CHF")
			created = a.ID
			return err
		})
		require.NoError(t, err)
		got, err := store.SettlementAccount(ctx, "CHF")
		require.NoError(t, err)
		assert.Equal(t, created, got.ID)
	})

	t.Run("audit is clean after traffic", func(t *testing.T) {
		store := newStore(t)
		l := New(store)
		ctx := context.Background()
		a := openAccount(t, l, 1, AccountChecking)
		b := openAccount(t, l, 2, AccountWallet)
		_, err := l.Deposit(ctx, a.ID, d("40"), "")
		require.NoError(t, err)
		_, err = l.Transfer(ctx, a.ID, b.ID, d("15.25"), "")
		require.NoError(t, err)
		_, err = l.Withdraw(ctx, b.ID, d("0.25"), "")
		require.NoError(t, err)

		r, err := store.Audit(ctx)
		require.NoError(t, err)
		assert.True(t, r.OK(), "%+v", r)
		assert.Equal(t, 3, r.Transactions)
		assert.Equal(t, 6, r.Entries)
		require.NoError(t, store.Ping(ctx))
	})
}
