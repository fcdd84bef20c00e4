// Package scoring runs the background loop that attaches a risk score to
// every committed transaction.
//
// The worker is a small state machine:
//
//	Connecting  ping the store with backoff until it answers
//	Training    load the persisted model, or train one from ledger history
//	Polling     every poll interval, score one batch of unscored transactions
//	Draining    finish the in-flight batch after Stop, then exit
//
// Losing the store while polling sends the worker back to Connecting with
// its cursor intact. A transaction that cannot be extracted or scored is
// logged and left unscored for a later pass; one that keeps failing is
// quarantined by a circuit breaker for a cool-down.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskledger/internal/anomaly"
	"github.com/mbd888/riskledger/internal/circuitbreaker"
	"github.com/mbd888/riskledger/internal/events"
	"github.com/mbd888/riskledger/internal/features"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/metrics"
	"github.com/mbd888/riskledger/internal/money"
	"github.com/mbd888/riskledger/internal/retry"
	"github.com/mbd888/riskledger/internal/traces"
)

// State is the worker's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateTraining
	StatePolling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTraining:
		return "training"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 5 * time.Second

	defaultFailureThreshold = 3
	defaultQuarantine       = 10 * time.Minute
	// batchTimeout bounds one batch, which runs detached from the caller's
	// context so shutdown never cuts it short.
	batchTimeout = 2 * time.Minute
)

// Worker scores unscored transactions. Create it with New and run it with
// Start; it is not reusable after Start returns.
type Worker struct {
	store   ledger.Store
	scorer  *anomaly.Scorer
	trainer *anomaly.Trainer
	alerts  events.Publisher
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker

	batchSize       int
	quarantine      time.Duration // breaker cool-down
	pollInterval    time.Duration
	retrainInterval time.Duration
	loc             *time.Location
	reconnect       retry.Policy
	now             func() time.Time

	state       atomic.Int32
	cursor      atomic.Int64
	running     atomic.Bool
	lastTrained atomic.Int64 // unix nanoseconds

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = logging.Component(l, "scoring") }
}

// WithAlerts publishes SUSPICIOUS and CRITICAL verdicts to p.
func WithAlerts(p events.Publisher) Option {
	return func(w *Worker) { w.alerts = p }
}

// WithBatchSize sets how many transactions one poll reads.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithPollInterval sets the pause between polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRetrainInterval retrains the model from fresh history every d. Zero
// disables retraining.
func WithRetrainInterval(d time.Duration) Option {
	return func(w *Worker) { w.retrainInterval = d }
}

// WithLocation sets the ledger time zone for hour and weekday features.
func WithLocation(loc *time.Location) Option {
	return func(w *Worker) {
		if loc != nil {
			w.loc = loc
		}
	}
}

// WithReconnectPolicy overrides the backoff used while Connecting and Training.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(w *Worker) { w.reconnect = p }
}

// WithQuarantine quarantines a transaction for d after threshold
// consecutive failures.
func WithQuarantine(threshold int, d time.Duration) Option {
	return func(w *Worker) {
		w.breaker = circuitbreaker.New("scoring", threshold, d)
		w.quarantine = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker. The scorer's Handle is the model the worker
// installs into; trainer builds it when the handle is empty.
func New(store ledger.Store, scorer *anomaly.Scorer, trainer *anomaly.Trainer, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		scorer:       scorer,
		trainer:      trainer,
		alerts:       events.Nop{},
		logger:       logging.Discard(),
		breaker:      circuitbreaker.New("scoring", defaultFailureThreshold, defaultQuarantine),
		quarantine:   defaultQuarantine,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		loc:          time.UTC,
		reconnect:    retry.DefaultPolicy,
		now:          time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.breaker.OnTransition(func(key int64, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			w.logger.Warn("transaction quarantined after repeated scoring failures", "transaction_id", key)
		}
	})
	w.setState(StateConnecting)
	return w
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Running reports whether Start is executing.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Cursor returns the id after which the next poll reads.
func (w *Worker) Cursor() int64 {
	return w.cursor.Load()
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	metrics.ScoringWorkerState.Set(float64(s))
}

// Start runs the worker until Stop is called or ctx is cancelled. Either
// way an in-flight batch completes first.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer func() {
		w.setState(StateStopped)
		w.running.Store(false)
		close(w.done)
	}()

	// loopCtx ends on Stop too, so backoff sleeps wake up promptly.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	w.logger.Info("scoring worker started", "batch_size", w.batchSize, "poll_interval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		switch w.State() {
		case StateConnecting:
			if err := w.connect(loopCtx); err != nil {
				w.setState(StateDraining)
				continue
			}
			if w.scorer.Handle().Trained() {
				w.setState(StatePolling)
			} else {
				w.setState(StateTraining)
			}

		case StateTraining:
			if err := w.loadModel(loopCtx); err != nil {
				w.setState(StateDraining)
				continue
			}
			w.setState(StatePolling)

		case StatePolling:
			_, err := w.safeBatch(ctx)
			if isStorageErr(err) {
				w.logger.Warn("lost storage, reconnecting", "error", err, "cursor", w.Cursor())
				w.setState(StateConnecting)
				continue
			}
			w.maybeRetrain(loopCtx)

			select {
			case <-loopCtx.Done():
				w.setState(StateDraining)
			case <-ticker.C:
			}

		case StateDraining:
			w.logger.Info("scoring worker stopped", "cursor", w.Cursor())
			return

		default:
			return
		}
	}
}

// Stop asks the worker to exit after its in-flight batch and waits until it
// has. Calling Stop before Start returns immediately.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		<-w.done
	}
}

func (w *Worker) connect(ctx context.Context) error {
	p := w.reconnect
	p.Notify = func(attempt int, err error, next time.Duration) {
		w.logger.Warn("store unreachable", "attempt", attempt, "retry_in", next, "error", err)
	}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return w.store.Ping(ctx)
	})
}

func (w *Worker) loadModel(ctx context.Context) error {
	p := w.reconnect
	p.Notify = func(attempt int, err error, next time.Duration) {
		w.logger.Error("model training failed", "attempt", attempt, "retry_in", next, "error", err)
	}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		m, err := w.trainer.LoadOrTrain(ctx)
		if err != nil {
			return err
		}
		w.install(m)
		return nil
	})
}

func (w *Worker) install(m *anomaly.Model) {
	w.scorer.Handle().Swap(m)
	w.lastTrained.Store(w.now().UnixNano())
	metrics.ModelTrainingSamples.Set(float64(m.Samples))
	w.logger.Info("model installed", "version", m.Version, "samples", m.Samples, "synthetic", m.Synthetic)
}

func (w *Worker) maybeRetrain(ctx context.Context) {
	last := time.Unix(0, w.lastTrained.Load())
	if w.retrainInterval <= 0 || w.now().Sub(last) < w.retrainInterval {
		return
	}
	if _, err := w.Retrain(ctx); err != nil {
		// Keep scoring with the current model; try again next interval.
		w.lastTrained.Store(w.now().UnixNano())
		w.logger.Error("periodic retrain failed", "error", err)
	}
}

// Retrain fits a model on current ledger history, persists it and swaps
// it in. Batches already running finish with the previous model.
func (w *Worker) Retrain(ctx context.Context) (*anomaly.Model, error) {
	m, err := w.trainer.Train(ctx)
	if err != nil {
		return nil, err
	}
	w.install(m)
	return m, nil
}

// Status is a point-in-time view of the worker for the ops API.
type Status struct {
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	Cursor       int64     `json:"cursor"`
	ModelVersion string    `json:"modelVersion,omitempty"`
	ModelSamples int       `json:"modelSamples,omitempty"`
	Synthetic    bool      `json:"synthetic"`
	TrainedAt    time.Time `json:"trainedAt,omitzero"`
	Quarantined  int       `json:"quarantined"`
}

// Status reports the worker's state and the installed model.
func (w *Worker) Status() Status {
	st := Status{
		State:       w.State().String(),
		Running:     w.Running(),
		Cursor:      w.Cursor(),
		Quarantined: w.breaker.Open(),
	}
	if m := w.scorer.Handle().Current(); m != nil {
		st.ModelVersion = m.Version
		st.ModelSamples = m.Samples
		st.Synthetic = m.Synthetic
		st.TrainedAt = m.TrainedAt
	}
	return st
}

// RunOnce scores one batch, training a model first if none is installed.
// It returns how many transactions received a score.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if !w.scorer.Handle().Trained() {
		m, err := w.trainer.LoadOrTrain(ctx)
		if err != nil {
			return 0, err
		}
		w.install(m)
	}
	return w.processBatch(ctx)
}

// safeBatch runs a batch detached from ctx so a stop request lets the
// in-flight batch finish.
func (w *Worker) safeBatch(ctx context.Context) (int, error) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), batchTimeout)
	defer cancel()
	return w.processBatch(batchCtx)
}

// processBatch scores up to batchSize transactions after the cursor. A
// short batch means the sweep reached the end, so the cursor rewinds to
// pick up late commits and previously skipped records next time.
func (w *Worker) processBatch(ctx context.Context) (scored int, err error) {
	start := w.now()
	ctx, span := traces.StartSpan(ctx, "scoring.batch")
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in scoring batch", "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic in scoring batch: %v", r)
		}
		metrics.ScoringBatchDuration.Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	cursor := w.Cursor()
	batch, err := w.store.GetUnscored(ctx, w.batchSize, cursor)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("fetch").Inc()
		return 0, err
	}
	span.SetAttributes(traces.BatchSize(len(batch)))

	for _, txn := range batch {
		if !w.breaker.Allow(txn.ID) {
			metrics.ScoringErrorsTotal.WithLabelValues("quarantined").Inc()
			continue
		}
		err := w.scoreOne(ctx, txn)
		switch {
		case err == nil:
			w.breaker.RecordSuccess(txn.ID)
			scored++
		case isStorageErr(err):
			// Nothing after this point can be read reliably; the next
			// pass resumes from the same cursor.
			return scored, err
		default:
			w.breaker.RecordFailure(txn.ID)
			w.logger.Error("failed to score transaction, leaving it for a later pass",
				"transaction_id", txn.ID, "reference", txn.Reference, "error", err)
		}
	}

	if len(batch) < w.batchSize {
		w.cursor.Store(0)
		if n := w.breaker.Sweep(2 * w.quarantine); n > 0 {
			w.logger.Debug("forgot idle quarantine entries", "count", n)
		}
	} else {
		w.cursor.Store(batch[len(batch)-1].ID)
	}
	metrics.ScoringQuarantined.Set(float64(w.breaker.Open()))
	if len(batch) > 0 {
		w.logger.Debug("scoring batch done", "fetched", len(batch), "scored", scored, "cursor", w.Cursor())
	}
	return scored, nil
}

// scoreOne runs extract, score and write for one transaction. A duplicate
// score means another instance got there first and counts as success.
func (w *Worker) scoreOne(ctx context.Context, txn *ledger.UnscoredTransaction) (err error) {
	ctx, span := traces.StartSpan(ctx, "scoring.transaction",
		traces.TransactionID(txn.ID), traces.AccountID(txn.CustomerAccountID()))
	defer func() {
		if r := recover(); r != nil {
			metrics.ScoringErrorsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("panic scoring transaction %d: %v", txn.ID, r)
		}
		traces.End(span, err)
	}()

	vec, err := features.Extract(ctx, txn, w.store, w.loc)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("extract").Inc()
		return err
	}

	a, err := w.scorer.Score(vec)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("score").Inc()
		return err
	}
	if a.Reason == anomaly.ReasonNotTrained {
		metrics.ScoringErrorsTotal.WithLabelValues("score").Inc()
		return errors.New(anomaly.ReasonNotTrained)
	}

	rs := &ledger.RiskScore{
		TransactionID: txn.ID,
		Score:         a.Score,
		Verdict:       a.Verdict,
		Features:      vec.Snapshot(),
		ModelVersion:  a.ModelVersion,
		ScoredAt:      w.now().UTC(),
	}
	err = w.store.InsertRiskScore(ctx, rs)
	if errors.Is(err, ledger.ErrDuplicateScore) {
		w.logger.Debug("transaction already scored", "transaction_id", txn.ID)
		return nil
	}
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("write").Inc()
		return err
	}
	metrics.RiskScoresTotal.WithLabelValues(string(a.Verdict)).Inc()
	span.SetAttributes(traces.Verdict(string(a.Verdict)))

	if a.Verdict != ledger.VerdictSafe {
		w.logger.Warn("transaction flagged",
			"transaction_id", txn.ID, "verdict", a.Verdict, "risk_score", a.Score)
		w.publish(ctx, txn, rs)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, txn *ledger.UnscoredTransaction, rs *ledger.RiskScore) {
	err := w.alerts.PublishRiskFlagged(ctx, events.RiskFlagged{
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		Type:          txn.Type,
		AccountID:     txn.CustomerAccountID(),
		Amount:        money.Format(txn.Amount),
		RiskScore:     rs.Score,
		Verdict:       rs.Verdict,
		ModelVersion:  rs.ModelVersion,
		Features:      rs.Features,
		ScoredAt:      rs.ScoredAt,
	})
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("publish").Inc()
		w.logger.Warn("failed to publish risk alert", "transaction_id", txn.ID, "error", err)
	}
}

func isStorageErr(err error) bool {
	return errors.Is(err, ledger.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
