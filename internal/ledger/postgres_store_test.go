//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/testutil"
)

func newPGStore(t *testing.T) Store {
	t.Helper()
	return NewPostgresStore(testutil.PGTest(t))
}

func TestPostgresStore_Contract(t *testing.T) {
	runStoreContract(t, newPGStore)
}

func TestPostgresStore_Scenario(t *testing.T) {
	l := New(newPGStore(t))
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	b := openAccount(t, l, 2, AccountChecking)

	_, err := l.Deposit(ctx, a.ID, d("100"), "")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, a.ID, d("50"), "")
	require.NoError(t, err)
	_, err = l.Transfer(ctx, a.ID, b.ID, d("30"), "")
	require.NoError(t, err)

	assert.True(t, balanceOf(t, l, a.ID).Equal(d("20")))
	assert.True(t, balanceOf(t, l, b.ID).Equal(d("30")))
	r := requireAuditOK(t, l)
	assert.Equal(t, 3, r.Transactions)
	assert.Equal(t, 6, r.Entries)
}

func TestPostgresStore_DuplicateReference(t *testing.T) {
	l := New(newPGStore(t))
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)

	_, err := l.Deposit(ctx, a.ID, d("1"), "", WithReference("dup"))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, a.ID, d("1"), "", WithReference("dup"))
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.True(t, balanceOf(t, l, a.ID).Equal(d("1")))
}

// Two ledgers share one database, so only the row locks serialize them.
func TestPostgresStore_ConcurrentDepositWithdraw(t *testing.T) {
	store := newPGStore(t)
	first, second := New(store), New(store)
	ctx := context.Background()
	a := openAccount(t, first, 1, AccountChecking)
	b := openAccount(t, first, 2, AccountChecking)
	_, err := first.Deposit(ctx, a.ID, d("500"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := first.Deposit(ctx, a.ID, d("3"), "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := second.Withdraw(ctx, a.ID, d("3"), "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := second.Transfer(ctx, a.ID, b.ID, d("1"), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.True(t, balanceOf(t, first, a.ID).Equal(d("480")))
	assert.True(t, balanceOf(t, first, b.ID).Equal(d("20")))
	requireAuditOK(t, first)
}

func TestPostgresStore_RiskScoresAreImmutable(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	l := New(store)
	ctx := context.Background()
	a := openAccount(t, l, 1, AccountChecking)
	txn, err := l.Deposit(ctx, a.ID, d("5"), "")
	require.NoError(t, err)
	require.NoError(t, store.InsertRiskScore(ctx, &RiskScore{TransactionID: txn.ID, Score: 0.1, Verdict: VerdictSafe}))

	_, err = db.ExecContext(ctx, `UPDATE risk_scores SET verdict = 'CRITICAL'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM entries`)
	assert.Error(t, err)
}

func TestPostgresStore_CancelledContextIsUnavailable(t *testing.T) {
	store := newPGStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Atomic(ctx, nil, func(ctx context.Context, u Unit) error { return nil })
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, OutcomeNotApplied, OutcomeOf(err))
}
