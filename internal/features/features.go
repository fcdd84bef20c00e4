// Package features turns a ledger transaction into the numeric vector the
// anomaly model scores.
//
// A vector has four features: the absolute debit amount, the hour and
// weekday of the transaction in the ledger's time zone (Monday = 0), and the
// sender's debit count over the trailing hour. The frequency window is
// closed and includes the transaction itself, so a sender with no other
// recent debits has frequency 1. Training rows use the same baseline.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/money"
)

// Window is the trailing span counted by SenderFrequency.
const Window = time.Hour

// HistoricalFrequency is the frequency assigned to training rows. It is the
// value a live transaction gets when its sender has no other debits in the
// window.
const HistoricalFrequency = 1

// Names lists the features in the column order used by Vector.Slice.
var Names = []string{"amount", "hourOfDay", "dayOfWeek", "senderFrequency"}

// ErrInvalidVector is returned for vectors with out-of-range features.
var ErrInvalidVector = errors.New("invalid feature vector")

// Vector is the model input for one transaction.
type Vector struct {
	Amount          float64 `json:"amount"`
	HourOfDay       int     `json:"hourOfDay"`
	DayOfWeek       int     `json:"dayOfWeek"`
	SenderFrequency int     `json:"senderFrequency"`
}

// Validate reports whether every feature is in range.
func (v Vector) Validate() error {
	switch {
	case math.IsNaN(v.Amount) || math.IsInf(v.Amount, 0) || v.Amount < 0:
		return fmt.Errorf("%w: amount %v", ErrInvalidVector, v.Amount)
	case v.HourOfDay < 0 || v.HourOfDay > 23:
		return fmt.Errorf("%w: hour %d", ErrInvalidVector, v.HourOfDay)
	case v.DayOfWeek < 0 || v.DayOfWeek > 6:
		return fmt.Errorf("%w: day %d", ErrInvalidVector, v.DayOfWeek)
	case v.SenderFrequency < 0:
		return fmt.Errorf("%w: frequency %d", ErrInvalidVector, v.SenderFrequency)
	}
	return nil
}

// Slice returns the features in Names order.
func (v Vector) Slice() []float64 {
	return []float64{v.Amount, float64(v.HourOfDay), float64(v.DayOfWeek), float64(v.SenderFrequency)}
}

// Snapshot returns the vector as the map persisted with a risk score.
func (v Vector) Snapshot() ledger.FeatureSnapshot {
	return ledger.FeatureSnapshot{
		"amount":          v.Amount,
		"hourOfDay":       float64(v.HourOfDay),
		"dayOfWeek":       float64(v.DayOfWeek),
		"senderFrequency": float64(v.SenderFrequency),
	}
}

// LedgerView is the read access Extract needs. ledger.Store satisfies it.
type LedgerView interface {
	CountRecentDebits(ctx context.Context, accountID int64, since, until time.Time) (int, error)
}

// Extract computes the feature vector of txn. It has no side effects; the
// only ledger read is the sender's debit count.
func Extract(ctx context.Context, txn *ledger.UnscoredTransaction, view LedgerView, loc *time.Location) (Vector, error) {
	if txn == nil {
		return Vector{}, fmt.Errorf("%w: nil transaction", ErrInvalidVector)
	}

	freq := HistoricalFrequency
	// Settlement debits are external cash with no behavior to measure.
	if txn.DebitAccountType != ledger.AccountSettlement {
		n, err := view.CountRecentDebits(ctx, txn.DebitAccountID, txn.CreatedAt.Add(-Window), txn.CreatedAt)
		if err != nil {
			return Vector{}, fmt.Errorf("failed to count recent debits: %w", err)
		}
		// The window includes txn once committed; never report below that.
		freq = max(n, 1)
	}

	v := Vector{
		Amount:          money.Float(txn.Amount.Abs()),
		SenderFrequency: freq,
	}
	v.HourOfDay, v.DayOfWeek = Clock(txn.CreatedAt, loc)
	return v, v.Validate()
}

// Historical builds a training vector from a past debit leg.
func Historical(d ledger.DebitRecord, loc *time.Location) Vector {
	v := Vector{
		Amount:          money.Float(d.Amount.Abs()),
		SenderFrequency: HistoricalFrequency,
	}
	v.HourOfDay, v.DayOfWeek = Clock(d.CreatedAt, loc)
	return v
}

// Clock returns the hour [0,23] and the weekday [0,6], Monday = 0, of t in loc.
// A nil loc means UTC.
func Clock(t time.Time, loc *time.Location) (hour, day int) {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return t.Hour(), (int(t.Weekday()) + 6) % 7
}
