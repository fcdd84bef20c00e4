package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres error codes and constraint names the store translates.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgUnbalancedEntries   = "LB001" // raised by check_entries_balanced()

	constraintNonNegative   = "accounts_balance_non_negative"
	constraintReference     = "transactions_reference_key"
	constraintAccountNumber = "accounts_account_number_key"
	constraintScoreUnique   = "risk_scores_transaction_unique"
)

const accountColumns = `id, owner_id, account_number, account_type, currency, balance, status, created_at`

const transactionColumns = `id, reference, transaction_type, description, initiated_by, status, created_at, completed_at`

const entryColumns = `id, transaction_id, account_id, amount, balance_after, created_at`

const riskScoreColumns = `id, transaction_id, risk_score, verdict, features, model_version, scored_at`

// PostgresStore implements Store with PostgreSQL. Atomic units run in READ
// COMMITTED transactions with the listed account rows locked FOR UPDATE in
// id order; the settlement leg is always written last.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Atomic(ctx context.Context, lockIDs []int64, fn func(ctx context.Context, u Unit) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	u := &pgUnit{tx: tx, locked: make(map[int64]*Account, len(lockIDs))}
	if len(lockIDs) > 0 {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+accountColumns+` FROM accounts
			WHERE id = ANY($1) ORDER BY id FOR UPDATE
		`, pq.Array(lockIDs))
		if err != nil {
			return classify("lock accounts", err)
		}
		accounts, err := scanAccounts(rows)
		if err != nil {
			return classify("lock accounts", err)
		}
		for _, a := range accounts {
			u.locked[a.ID] = a
		}
	}

	if err := fn(ctx, u); err != nil {
		return classify("atomic unit", err)
	}

	// database/sql rolls back once ctx is done; committing then is a
	// guaranteed no-op rather than an unknown outcome.
	if err := ctx.Err(); err != nil {
		return unavailable("commit", err)
	}
	if err := tx.Commit(); err != nil {
		return classifyCommit(err)
	}
	return nil
}

func (p *PostgresStore) SettlementAccount(ctx context.Context, currency string) (*Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE currency = $1 AND account_type = 'settlement'`

	a, err := scanAccount(p.db.QueryRowContext(ctx, query, currency))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("get settlement account", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, account_number, account_type, currency, balance, status)
		VALUES (0, $1, 'settlement', $2, 0, 'active')
		ON CONFLICT (currency) WHERE account_type = 'settlement' DO NOTHING
	`, "SETTLE-"+currency, currency)
	if err != nil {
		return nil, classify("create settlement account", err)
	}

	a, err = scanAccount(p.db.QueryRowContext(ctx, query, currency))
	if err != nil {
		return nil, classify("get settlement account", err)
	}
	return a, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (owner_id, account_number, account_type, currency, balance, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, a.OwnerID, a.Number, a.Type, a.Currency, a.Balance, a.Status, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return classify("create account", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return a, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	var w where
	w.addIf(f.OwnerID != 0, "owner_id = ?", f.OwnerID)
	w.addIf(f.Type != "", "account_type = ?", f.Type)
	w.addIf(f.Status != "", "status = ?", f.Status)
	w.addIf(f.BeforeID > 0, "id < ?", f.BeforeID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts`+w.sql()+` ORDER BY id DESC`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	accounts, err := scanAccounts(rows)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	return accounts, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return p.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	return p.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
}

func (p *PostgresStore) getTransaction(ctx context.Context, query string, arg any) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify("get transaction", err)
	}
	return t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	var w where
	w.addIf(f.AccountID != 0, "id IN (SELECT transaction_id FROM entries WHERE account_id = ?)", f.AccountID)
	w.addIf(f.Type != "", "transaction_type = ?", f.Type)
	w.addIf(f.Status != "", "status = ?", f.Status)
	w.addIf(!f.Since.IsZero(), "created_at >= ?", f.Since)
	w.addIf(!f.Until.IsZero(), "created_at <= ?", f.Until)
	w.addIf(f.BeforeID > 0, "id < ?", f.BeforeID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions`+w.sql()+` ORDER BY id DESC`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, classify("list transactions", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list transactions", err)
	}
	return out, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, transactionID int64) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, classify("list entries", err)
	}
	return scanEntries(rows)
}

func (p *PostgresStore) ListAccountEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	var w where
	w.add("account_id = ?", f.AccountID)
	w.addIf(f.BeforeID > 0, "id < ?", f.BeforeID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries`+w.sql()+` ORDER BY id DESC`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, classify("list account entries", err)
	}
	return scanEntries(rows)
}

func (p *PostgresStore) GetRiskScore(ctx context.Context, transactionID int64) (*RiskScore, error) {
	s, err := scanRiskScore(p.db.QueryRowContext(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get risk score", err)
	}
	return s, nil
}

func (p *PostgresStore) ListRiskScores(ctx context.Context, f RiskScoreFilter) ([]*RiskScore, error) {
	var w where
	w.addIf(f.Verdict != "", "verdict = ?", f.Verdict)
	w.addIf(f.MinScore > 0, "risk_score >= ?", f.MinScore)
	w.addIf(f.BeforeID > 0, "id < ?", f.BeforeID)

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+riskScoreColumns+` FROM risk_scores`+w.sql()+` ORDER BY id DESC`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, classify("list risk scores", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RiskScore
	for rows.Next() {
		s, err := scanRiskScore(rows)
		if err != nil {
			return nil, classify("list risk scores", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list risk scores", err)
	}
	return out, nil
}

// GetUnscored pairs each unscored transaction with its debit leg. Ids come
// from a sequence, so a transaction committed late can carry an id below
// the caller's cursor; the scoring worker rewinds to catch those.
func (p *PostgresStore) GetUnscored(ctx context.Context, limit int, cursor int64) ([]*UnscoredTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (t.id)
			t.id, t.reference, t.transaction_type, t.created_at,
			e.account_id, a.account_type, c.account_id, ABS(e.amount)
		FROM transactions t
		JOIN entries e ON e.transaction_id = t.id AND e.amount < 0
		JOIN entries c ON c.transaction_id = t.id AND c.amount > 0
		JOIN accounts a ON a.id = e.account_id
		LEFT JOIN risk_scores r ON r.transaction_id = t.id
		WHERE t.id > $1 AND r.id IS NULL
		ORDER BY t.id, e.id, c.id
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, classify("get unscored", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*UnscoredTransaction
	for rows.Next() {
		u := &UnscoredTransaction{}
		if err := rows.Scan(&u.ID, &u.Reference, &u.Type, &u.CreatedAt,
			&u.DebitAccountID, &u.DebitAccountType, &u.CreditAccountID, &u.Amount); err != nil {
			return nil, classify("get unscored", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get unscored", err)
	}
	return out, nil
}

func (p *PostgresStore) CountRecentDebits(ctx context.Context, accountID int64, since, until time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries
		WHERE account_id = $1 AND amount < 0 AND created_at BETWEEN $2 AND $3
	`, accountID, since, until).Scan(&n)
	if err != nil {
		return 0, classify("count recent debits", err)
	}
	return n, nil
}

func (p *PostgresStore) InsertRiskScore(ctx context.Context, score *RiskScore) error {
	if err := validateScore(score); err != nil {
		return err
	}
	if score.ScoredAt.IsZero() {
		score.ScoredAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO risk_scores (transaction_id, risk_score, verdict, features, model_version, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, score.TransactionID, score.Score, score.Verdict, score.Features, score.ModelVersion, score.ScoredAt).Scan(&score.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
			return ErrTransactionNotFound
		}
		return classify("insert risk score", err)
	}
	return nil
}

func (p *PostgresStore) HistoricalDebits(ctx context.Context, limit int) ([]DebitRecord, error) {
	var w where
	query := `
		SELECT transaction_id, account_id, amount, created_at FROM (
			SELECT DISTINCT ON (e.transaction_id)
				e.transaction_id, e.account_id, ABS(e.amount) AS amount, e.created_at
			FROM entries e
			WHERE e.amount < 0
			ORDER BY e.transaction_id DESC, e.id` + w.limit(limit) + `
		) d ORDER BY transaction_id`
	args := w.args

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("historical debits", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DebitRecord
	for rows.Next() {
		var d DebitRecord
		if err := rows.Scan(&d.TransactionID, &d.AccountID, &d.Amount, &d.CreatedAt); err != nil {
			return nil, classify("historical debits", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("historical debits", err)
	}
	return out, nil
}

func (p *PostgresStore) Audit(ctx context.Context) (*AuditReport, error) {
	// One snapshot for every check.
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, classify("begin audit", err)
	}
	defer func() { _ = tx.Rollback() }()

	r := &AuditReport{}
	if err := tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM accounts), (SELECT COUNT(*) FROM transactions), (SELECT COUNT(*) FROM entries)
	`).Scan(&r.Accounts, &r.Transactions, &r.Entries); err != nil {
		return nil, classify("audit counts", err)
	}

	if r.UnbalancedTransactions, err = queryIDs(ctx, tx, `
		SELECT t.id FROM transactions t
		LEFT JOIN entries e ON e.transaction_id = t.id
		GROUP BY t.id
		HAVING COALESCE(SUM(e.amount), 0) <> 0 OR COUNT(e.id) < 2
		ORDER BY t.id
	`); err != nil {
		return nil, classify("audit transactions", err)
	}

	if r.RunningBalanceMismatches, err = queryIDs(ctx, tx, `
		SELECT id FROM (
			SELECT id, balance_after,
				SUM(amount) OVER (PARTITION BY account_id ORDER BY id) AS running
			FROM entries
		) e WHERE running <> balance_after ORDER BY id
	`); err != nil {
		return nil, classify("audit running balances", err)
	}

	if r.NegativeBalances, err = queryIDs(ctx, tx, `
		SELECT id FROM accounts
		WHERE balance < 0 AND account_type NOT IN ('loan', 'settlement')
		ORDER BY id
	`); err != nil {
		return nil, classify("audit negative balances", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(e.amount), 0)
		FROM accounts a
		LEFT JOIN entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(e.amount), 0)
		ORDER BY a.id
	`)
	if err != nil {
		return nil, classify("audit balances", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m BalanceMismatch
		if err := rows.Scan(&m.AccountID, &m.Balance, &m.EntrySum); err != nil {
			return nil, classify("audit balances", err)
		}
		r.BalanceMismatches = append(r.BalanceMismatches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("audit balances", err)
	}
	return r, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// pgUnit is the Unit handed to Atomic callbacks.
type pgUnit struct {
	tx     *sql.Tx
	locked map[int64]*Account
}

func (u *pgUnit) Account(ctx context.Context, id int64) (*Account, error) {
	if a, ok := u.locked[id]; ok {
		cp := *a
		return &cp, nil
	}
	a, err := scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (u *pgUnit) SettlementAccount(ctx context.Context, currency string) (*Account, error) {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, account_number, account_type, currency, balance, status)
		VALUES (0, $1, 'settlement', $2, 0, 'active')
		ON CONFLICT (currency) WHERE account_type = 'settlement' DO NOTHING
	`, "SETTLE-"+currency, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement account: %w", err)
	}
	a, err := scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE currency = $1 AND account_type = 'settlement'`, currency))
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement account: %w", err)
	}
	return a, nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, txn *Transaction, entries []*Entry) error {
	if err := checkBalanced(entries); err != nil {
		return err
	}

	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (reference, transaction_type, description, initiated_by, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, txn.Reference, txn.Type, txn.Description, txn.InitiatedBy, txn.Status, txn.CreatedAt, txn.CompletedAt).Scan(&txn.ID)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = txn.CreatedAt
		}
		// The non-negative CHECK rejects overdrafts here.
		err := u.tx.QueryRowContext(ctx, `
			UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance
		`, e.AccountID, e.Amount).Scan(&e.BalanceAfter)
		if errors.Is(err, sql.ErrNoRows) {
			return accountErr(e.AccountID, ErrAccountNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to update balance of account %d: %w", e.AccountID, err)
		}

		e.TransactionID = txn.ID
		err = u.tx.QueryRowContext(ctx, `
			INSERT INTO entries (transaction_id, account_id, amount, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, e.TransactionID, e.AccountID, e.Amount, e.BalanceAfter, e.CreatedAt).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("failed to record entry: %w", err)
		}
	}
	txn.Entries = entries
	return nil
}

func (u *pgUnit) SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE accounts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// classify maps driver errors onto the ledger taxonomy. Errors that already
// belong to it pass through; anything unrecognized is a storage failure.
func classify(op string, err error) error {
	if err == nil || isLedgerError(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pgCheckViolation && pqErr.Constraint == constraintNonNegative:
			return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
		case pqErr.Code == pgUniqueViolation && pqErr.Constraint == constraintReference:
			return ErrDuplicateReference
		case pqErr.Code == pgUniqueViolation && pqErr.Constraint == constraintAccountNumber:
			return errDuplicateAccountNumber
		case pqErr.Code == pgUniqueViolation && pqErr.Constraint == constraintScoreUnique:
			return ErrDuplicateScore
		case pqErr.Code == pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
		case pqErr.Code == pgUnbalancedEntries:
			return fmt.Errorf("%s: %w: %s", op, ErrUnbalancedEntries, pqErr.Message)
		}
	}
	return unavailable(op, err)
}

// classifyCommit decides whether a failed COMMIT may have been applied. A
// server error means Postgres rolled the transaction back; anything else
// (broken connection, cancelled round trip) leaves the outcome unknown.
func classifyCommit(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classify("commit", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return unavailable("commit", err)
	}
	return fmt.Errorf("commit: %w: %w", ErrIndeterminate, err)
}

func isLedgerError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrAccountNotUsable, ErrInsufficientFunds, ErrUnbalancedEntries,
		ErrDuplicateReference, ErrDuplicateScore, ErrStorageUnavailable, ErrIndeterminate,
		ErrTransactionNotFound, errDuplicateAccountNumber,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.OwnerID, &a.Number, &a.Type, &a.Currency, &a.Balance, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	defer func() { _ = rows.Close() }()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.Reference, &t.Type, &t.Description, &t.InitiatedBy, &t.Status, &t.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return t, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, classify("scan entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan entries", err)
	}
	return out, nil
}

func scanRiskScore(row rowScanner) (*RiskScore, error) {
	s := &RiskScore{}
	err := row.Scan(&s.ID, &s.TransactionID, &s.Score, &s.Verdict, &s.Features, &s.ModelVersion, &s.ScoredAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// where builds a parameterized WHERE clause; "?" placeholders become $n.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) addIf(ok bool, cond string, arg any) {
	if ok {
		w.add(cond, arg)
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// limit appends a LIMIT parameter; n <= 0 means no limit.
func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}
