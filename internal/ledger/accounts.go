package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskledger/internal/idgen"
)

// errDuplicateAccountNumber is returned by stores when a generated account
// number collides; OpenAccount retries with a new one.
var errDuplicateAccountNumber = errors.New("duplicate account number")

const accountNumberAttempts = 3

// OpenAccountRequest describes a new customer account.
type OpenAccountRequest struct {
	OwnerID  int64
	Type     AccountType
	Currency string
}

// OpenAccount creates an active account with a zero balance.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (*Account, error) {
	defer observeOp("open_account")()

	if !req.Type.Valid() || req.Type == AccountSettlement {
		return nil, ErrInvalidAccountType
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < accountNumberAttempts; attempt++ {
		a := &Account{
			OwnerID:   req.OwnerID,
			Number:    idgen.AccountNumber(),
			Type:      req.Type,
			Currency:  currency,
			Balance:   decimal.Zero,
			Status:    StatusActive,
			CreatedAt: l.now().UTC(),
		}
		err = l.store.CreateAccount(ctx, a)
		if errors.Is(err, errDuplicateAccountNumber) {
			continue
		}
		if err != nil {
			return nil, err
		}
		l.logger.InfoContext(ctx, "account opened",
			"account_id", a.ID, "owner_id", a.OwnerID, "type", a.Type, "currency", a.Currency)
		return a, nil
	}
	return nil, fmt.Errorf("open account: %w", err)
}

// FreezeAccount blocks money movement on an active account. Freezing a
// frozen account is a no-op.
func (l *Ledger) FreezeAccount(ctx context.Context, id int64) (*Account, error) {
	return l.setStatus(ctx, id, StatusFrozen)
}

// UnfreezeAccount reactivates a frozen account.
func (l *Ledger) UnfreezeAccount(ctx context.Context, id int64) (*Account, error) {
	return l.setStatus(ctx, id, StatusActive)
}

// CloseAccount permanently closes an account with a zero balance.
func (l *Ledger) CloseAccount(ctx context.Context, id int64) (*Account, error) {
	return l.setStatus(ctx, id, StatusClosed)
}

func (l *Ledger) setStatus(ctx context.Context, id int64, to AccountStatus) (*Account, error) {
	defer observeOp("set_status")()

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, unavailable("wait for account lock", err)
	}
	defer unlock()

	var result *Account
	err = l.store.Atomic(ctx, []int64{id}, func(ctx context.Context, u Unit) error {
		a, err := u.Account(ctx, id)
		if err != nil {
			return accountErr(id, err)
		}
		if a.Type == AccountSettlement || a.Status == StatusClosed {
			return fmt.Errorf("%w: account %d is %s", ErrAccountNotUsable, id, a.Status)
		}
		if a.Status == to {
			result = a
			return nil
		}
		if to == StatusClosed && !a.Balance.IsZero() {
			return fmt.Errorf("%w: balance is %s", ErrAccountNotEmpty, a.Balance.String())
		}
		if err := u.SetAccountStatus(ctx, id, to); err != nil {
			return err
		}
		a.Status = to
		result = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIndeterminate) {
			return nil, &IndeterminateError{Reference: "account:" + strconv.FormatInt(id, 10), Err: err}
		}
		return nil, err
	}
	l.logger.InfoContext(ctx, "account status changed", "account_id", id, "status", to)
	return result, nil
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD", nil
	}
	if len(c) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return c, nil
}
