package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. Atomic units run under one store-wide lock and are staged, so a
// failing unit leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[int64]*Account
	numbers     map[string]int64
	settlement  map[string]int64 // currency -> account id
	txns        []*Transaction   // index = id-1
	refs        map[string]int64
	txnEntries  map[int64][]*Entry
	acctEntries map[int64][]*Entry
	entrySeq    int64
	scores      map[int64]*RiskScore // by transaction id
	scoreOrder  []*RiskScore
	accountSeq  int64
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int64]*Account),
		numbers:     make(map[string]int64),
		settlement:  make(map[string]int64),
		refs:        make(map[string]int64),
		txnEntries:  make(map[int64][]*Entry),
		acctEntries: make(map[int64][]*Entry),
		scores:      make(map[int64]*RiskScore),
		now:         time.Now,
	}
}

// Atomic runs fn under the store lock. fn must only use u; calling other
// MemoryStore methods from fn deadlocks.
func (m *MemoryStore) Atomic(ctx context.Context, lockIDs []int64, fn func(ctx context.Context, u Unit) error) error {
	if err := ctx.Err(); err != nil {
		return unavailable("begin", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u := &memUnit{store: m, staged: make(map[int64]*Account)}
	for _, id := range lockIDs {
		if _, err := u.Account(ctx, id); err != nil {
			return err
		}
	}
	if err := fn(ctx, u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("commit", err)
	}
	u.commit()
	return nil
}

func (m *MemoryStore) SettlementAccount(ctx context.Context, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.settlement[currency]; ok {
		cp := *m.accounts[id]
		return &cp, nil
	}
	a := m.newSettlement(currency)
	m.insertAccount(a)
	m.settlement[currency] = a.ID
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) newSettlement(currency string) *Account {
	return &Account{
		Number:    "SETTLE-" + currency,
		Type:      AccountSettlement,
		Currency:  currency,
		Balance:   decimal.Zero,
		Status:    StatusActive,
		CreatedAt: m.now().UTC(),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.numbers[a.Number]; ok {
		return errDuplicateAccountNumber
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.insertAccount(a)
	return nil
}

// insertAccount stores a copy of a and assigns its id. Caller holds m.mu.
func (m *MemoryStore) insertAccount(a *Account) {
	m.accountSeq++
	a.ID = m.accountSeq
	m.putAccount(a)
}

func (m *MemoryStore) putAccount(a *Account) {
	cp := *a
	m.accounts[a.ID] = &cp
	m.numbers[a.Number] = a.ID
}

func (m *MemoryStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []*Account
	for _, id := range ids {
		if len(out) >= f.Limit && f.Limit > 0 {
			break
		}
		a := m.accounts[id]
		if (f.BeforeID > 0 && id >= f.BeforeID) ||
			(f.OwnerID != 0 && a.OwnerID != f.OwnerID) ||
			(f.Type != "" && a.Type != f.Type) ||
			(f.Status != "" && a.Status != f.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id <= 0 || id > int64(len(m.txns)) {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txns[id-1]
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	id, ok := m.refs[reference]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.GetTransaction(ctx, id)
}

func (m *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		t := m.txns[i]
		if (f.BeforeID > 0 && t.ID >= f.BeforeID) ||
			(f.Type != "" && t.Type != f.Type) ||
			(f.Status != "" && t.Status != f.Status) ||
			(!f.Since.IsZero() && t.CreatedAt.Before(f.Since)) ||
			(!f.Until.IsZero() && t.CreatedAt.After(f.Until)) {
			continue
		}
		if f.AccountID != 0 && !m.touches(t.ID, f.AccountID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) touches(txnID, accountID int64) bool {
	for _, e := range m.txnEntries[txnID] {
		if e.AccountID == accountID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListEntries(ctx context.Context, transactionID int64) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyEntries(m.txnEntries[transactionID]), nil
}

func (m *MemoryStore) ListAccountEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.acctEntries[f.AccountID]
	var out []*Entry
	for i := len(all) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.BeforeID > 0 && all[i].ID >= f.BeforeID {
			continue
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetRiskScore(ctx context.Context, transactionID int64) (*RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scores[transactionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListRiskScores(ctx context.Context, f RiskScoreFilter) ([]*RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RiskScore
	for i := len(m.scoreOrder) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		s := m.scoreOrder[i]
		if (f.BeforeID > 0 && s.ID >= f.BeforeID) ||
			(f.Verdict != "" && s.Verdict != f.Verdict) ||
			s.Score < f.MinScore {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetUnscored(ctx context.Context, limit int, cursor int64) ([]*UnscoredTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	var out []*UnscoredTransaction
	for id := cursor + 1; id <= int64(len(m.txns)) && len(out) < limit; id++ {
		if _, scored := m.scores[id]; scored {
			continue
		}
		t := m.txns[id-1]
		debit, credit := m.legs(id)
		if debit == nil || credit == nil {
			continue
		}
		out = append(out, &UnscoredTransaction{
			ID:               t.ID,
			Reference:        t.Reference,
			Type:             t.Type,
			CreatedAt:        t.CreatedAt,
			DebitAccountID:   debit.AccountID,
			DebitAccountType: m.accounts[debit.AccountID].Type,
			CreditAccountID:  credit.AccountID,
			Amount:           debit.Amount.Abs(),
		})
	}
	return out, nil
}

// legs returns the first negative and first positive entry of a
// transaction. Caller holds m.mu.
func (m *MemoryStore) legs(txnID int64) (debit, credit *Entry) {
	for _, e := range m.txnEntries[txnID] {
		switch {
		case e.Amount.IsNegative() && debit == nil:
			debit = e
		case e.Amount.IsPositive() && credit == nil:
			credit = e
		}
	}
	return debit, credit
}

func (m *MemoryStore) CountRecentDebits(ctx context.Context, accountID int64, since, until time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.acctEntries[accountID] {
		if e.Amount.IsNegative() && !e.CreatedAt.Before(since) && !e.CreatedAt.After(until) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertRiskScore(ctx context.Context, score *RiskScore) error {
	if err := validateScore(score); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if score.TransactionID <= 0 || score.TransactionID > int64(len(m.txns)) {
		return ErrTransactionNotFound
	}
	if _, exists := m.scores[score.TransactionID]; exists {
		return ErrDuplicateScore
	}
	score.ID = int64(len(m.scoreOrder)) + 1
	if score.ScoredAt.IsZero() {
		score.ScoredAt = m.now().UTC()
	}
	cp := *score
	m.scores[score.TransactionID] = &cp
	m.scoreOrder = append(m.scoreOrder, &cp)
	return nil
}

func (m *MemoryStore) HistoricalDebits(ctx context.Context, limit int) ([]DebitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []DebitRecord
	for i := len(m.txns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		debit, _ := m.legs(m.txns[i].ID)
		if debit == nil {
			continue
		}
		out = append(out, DebitRecord{
			TransactionID: debit.TransactionID,
			AccountID:     debit.AccountID,
			Amount:        debit.Amount.Abs(),
			CreatedAt:     debit.CreatedAt,
		})
	}
	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemoryStore) Audit(ctx context.Context) (*AuditReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	txnIDs := make([]int64, len(m.txns))
	var entries []*Entry
	for i, t := range m.txns {
		txnIDs[i] = t.ID
		entries = append(entries, m.txnEntries[t.ID]...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return auditLedger(accounts, txnIDs, entries), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// memUnit stages writes until the Atomic callback returns nil.
type memUnit struct {
	store   *MemoryStore
	staged  map[int64]*Account
	created []*Account
	txns    []*Transaction
	entries []*Entry
	refs    map[string]bool
}

func (u *memUnit) Account(ctx context.Context, id int64) (*Account, error) {
	a, err := u.stage(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (u *memUnit) SettlementAccount(ctx context.Context, currency string) (*Account, error) {
	if id, ok := u.store.settlement[currency]; ok {
		return u.Account(ctx, id)
	}
	for _, a := range u.created {
		if a.Type == AccountSettlement && a.Currency == currency {
			return u.Account(ctx, a.ID)
		}
	}
	a := u.store.newSettlement(currency)
	a.ID = u.store.accountSeq + int64(len(u.created)) + 1
	u.created = append(u.created, a)
	cp := *a
	u.staged[a.ID] = &cp
	return u.Account(ctx, a.ID)
}

func (u *memUnit) stage(id int64) (*Account, error) {
	if a, ok := u.staged[id]; ok {
		return a, nil
	}
	a, ok := u.store.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	u.staged[id] = &cp
	return &cp, nil
}

func (u *memUnit) InsertTransaction(ctx context.Context, txn *Transaction, entries []*Entry) error {
	if err := checkBalanced(entries); err != nil {
		return err
	}
	if txn.Reference == "" || len(txn.Reference) > MaxReferenceLength {
		return ErrInvalidReference
	}
	if _, taken := u.store.refs[txn.Reference]; taken || u.refs[txn.Reference] {
		return ErrDuplicateReference
	}

	// Apply to staged copies first so a failing leg leaves nothing behind.
	after := make([]decimal.Decimal, len(entries))
	pending := make(map[int64]decimal.Decimal)
	for i, e := range entries {
		a, err := u.stage(e.AccountID)
		if err != nil {
			return accountErr(e.AccountID, err)
		}
		bal, ok := pending[a.ID]
		if !ok {
			bal = a.Balance
		}
		bal = bal.Add(e.Amount)
		if bal.IsNegative() && !a.Type.AllowsNegative() {
			return fmt.Errorf("%w: account %d", ErrInsufficientFunds, a.ID)
		}
		pending[a.ID] = bal
		after[i] = bal
	}

	txn.ID = int64(len(u.store.txns)+len(u.txns)) + 1
	for i, e := range entries {
		u.staged[e.AccountID].Balance = after[i]
		e.ID = u.store.entrySeq + int64(len(u.entries)) + 1
		e.TransactionID = txn.ID
		e.BalanceAfter = after[i]
		if e.CreatedAt.IsZero() {
			e.CreatedAt = txn.CreatedAt
		}
		u.entries = append(u.entries, e)
	}
	txn.Entries = entries

	if u.refs == nil {
		u.refs = make(map[string]bool)
	}
	u.refs[txn.Reference] = true
	u.txns = append(u.txns, txn)
	return nil
}

func (u *memUnit) SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	a, err := u.stage(id)
	if err != nil {
		return err
	}
	a.Status = status
	return nil
}

// commit publishes staged writes. Caller holds store.mu.
func (u *memUnit) commit() {
	s := u.store
	for _, a := range u.created {
		s.accountSeq = a.ID
		s.putAccount(a)
		s.settlement[a.Currency] = a.ID
	}
	for id, a := range u.staged {
		s.accounts[id] = a
	}
	for _, t := range u.txns {
		cp := *t
		cp.Entries = nil
		s.txns = append(s.txns, &cp)
		s.refs[t.Reference] = t.ID
	}
	for _, e := range u.entries {
		cp := *e
		s.txnEntries[e.TransactionID] = append(s.txnEntries[e.TransactionID], &cp)
		s.acctEntries[e.AccountID] = append(s.acctEntries[e.AccountID], &cp)
		s.entrySeq = e.ID
	}
}

// checkBalanced enforces the double-entry law on an entry set.
func checkBalanced(entries []*Entry) error {
	if len(entries) < 2 {
		return fmt.Errorf("%w: %d entries", ErrUnbalancedEntries, len(entries))
	}
	sum := decimal.Zero
	for _, e := range entries {
		if e.Amount.IsZero() {
			return fmt.Errorf("%w: zero-amount entry", ErrUnbalancedEntries)
		}
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: entries sum to %s", ErrUnbalancedEntries, sum.String())
	}
	return nil
}

func validateScore(s *RiskScore) error {
	if math.IsNaN(s.Score) || s.Score < 0 || s.Score > 1 {
		return fmt.Errorf("%w: risk score %v out of [0,1]", ErrValidation, s.Score)
	}
	if !s.Verdict.Valid() {
		return fmt.Errorf("%w: verdict %q", ErrValidation, s.Verdict)
	}
	return nil
}

func copyEntries(in []*Entry) []*Entry {
	out := make([]*Entry, len(in))
	for i, e := range in {
		cp := *e
		out[i] = &cp
	}
	return out
}
