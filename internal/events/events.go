// Package events publishes risk alerts for flagged transactions.
package events

import (
	"context"
	"time"

	"github.com/mbd888/riskledger/internal/ledger"
)

// DefaultTopic is the Kafka topic risk alerts are written to.
const DefaultTopic = "risk.flagged"

// RiskFlagged is emitted when a transaction is scored SUSPICIOUS or CRITICAL.
type RiskFlagged struct {
	TransactionID int64                  `json:"transactionId"`
	Reference     string                 `json:"reference"`
	Type          ledger.TransactionType `json:"type"`
	AccountID     int64                  `json:"accountId"`
	Amount        string                 `json:"amount"`
	RiskScore     float64                `json:"riskScore"`
	Verdict       ledger.Verdict         `json:"verdict"`
	ModelVersion  string                 `json:"modelVersion"`
	Features      ledger.FeatureSnapshot `json:"features"`
	ScoredAt      time.Time              `json:"scoredAt"`
}

// Publisher delivers risk alerts.
type Publisher interface {
	PublishRiskFlagged(ctx context.Context, ev RiskFlagged) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishRiskFlagged(context.Context, RiskFlagged) error { return nil }

func (Nop) Close() error { return nil }
