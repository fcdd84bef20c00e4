package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"

	"github.com/mbd888/riskledger/internal/features"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/metrics"
)

const (
	// TrainLockKey is the Redis lock held while a model is being trained.
	TrainLockKey = "riskledger:lock:train"
	TrainLockTTL = 2 * time.Minute
	// trainLockWait bounds how long an instance waits for a peer's training.
	trainLockWait = 3 * time.Minute
)

// History is the ledger read the trainer needs. ledger.Store satisfies it.
type History interface {
	HistoricalDebits(ctx context.Context, limit int) ([]ledger.DebitRecord, error)
}

// Trainer builds models from ledger history and persists them.
type Trainer struct {
	history   History
	artifacts ArtifactStore
	locker    *redislock.Client
	loc       *time.Location
	opts      Options
	limit     int
	logger    *slog.Logger
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithArtifactStore persists trained models to s.
func WithArtifactStore(s ArtifactStore) TrainerOption {
	return func(t *Trainer) { t.artifacts = s }
}

// WithTrainLock makes instances sharing a Redis take turns training, so a
// fleet cold start trains once.
func WithTrainLock(l *redislock.Client) TrainerOption {
	return func(t *Trainer) { t.locker = l }
}

// WithLocation sets the time zone hour and weekday features are computed in.
func WithLocation(loc *time.Location) TrainerOption {
	return func(t *Trainer) { t.loc = loc }
}

// WithOptions overrides the forest options.
func WithOptions(o Options) TrainerOption {
	return func(t *Trainer) { t.opts = o }
}

// WithHistoryLimit caps how many recent debits training reads. Zero reads all.
func WithHistoryLimit(n int) TrainerOption {
	return func(t *Trainer) { t.limit = n }
}

// WithTrainerLogger sets the logger.
func WithTrainerLogger(l *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = logging.Component(l, "trainer") }
}

// NewTrainer creates a trainer reading history from h.
func NewTrainer(h History, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		history: h,
		loc:     time.UTC,
		opts:    DefaultOptions(),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Train fits a new model on the ledger's debit history and saves it. A
// failed save is logged; the model is still returned.
func (t *Trainer) Train(ctx context.Context) (*Model, error) {
	debits, err := t.history.HistoricalDebits(ctx, t.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load training history: %w", err)
	}
	vectors := make([]features.Vector, 0, len(debits))
	for _, d := range debits {
		vectors = append(vectors, features.Historical(d, t.loc))
	}

	m, err := Train(vectors, t.opts)
	if err != nil {
		return nil, err
	}
	metrics.ModelTrainingsTotal.WithLabelValues(m.Source()).Inc()
	t.logger.InfoContext(ctx, "model trained",
		"version", m.Version, "samples", m.Samples, "history", len(debits), "synthetic", m.Synthetic)

	if t.artifacts != nil {
		if err := t.artifacts.Save(ctx, m); err != nil {
			t.logger.WarnContext(ctx, "failed to persist model artifact", "error", err)
		}
	}
	return m, nil
}

// LoadOrTrain returns the persisted model if there is one, otherwise trains
// a new one. An unreadable artifact is treated as a miss. With a train lock,
// instances that lose the race wait for the winner and pick up its artifact.
func (t *Trainer) LoadOrTrain(ctx context.Context) (*Model, error) {
	if m := t.load(ctx); m != nil {
		return m, nil
	}
	if t.locker == nil {
		return t.Train(ctx)
	}

	lockCtx, cancel := context.WithTimeout(ctx, trainLockWait)
	defer cancel()
	lock, err := t.locker.Obtain(lockCtx, TrainLockKey, TrainLockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(time.Second),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("timed out waiting for training lock: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain training lock: %w", err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	// A peer may have finished while we waited.
	if m := t.load(ctx); m != nil {
		return m, nil
	}
	return t.Train(ctx)
}

func (t *Trainer) load(ctx context.Context) *Model {
	if t.artifacts == nil {
		return nil
	}
	m, err := t.artifacts.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoArtifact) {
			t.logger.WarnContext(ctx, "failed to load model artifact, retraining", "error", err)
		}
		return nil
	}
	t.logger.InfoContext(ctx, "model artifact loaded", "version", m.Version, "samples", m.Samples)
	return m
}
