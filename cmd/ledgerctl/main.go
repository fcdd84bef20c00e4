// Command ledgerctl runs operator tasks against the ledger database.
//
// Usage:
//
//	ledgerctl audit                 # Scan the whole ledger for invariant violations
//	ledgerctl train [-limit N]      # Retrain the anomaly model and persist the artifact
//
// Both commands read the same environment as the server (DATABASE_URL,
// REDIS_URL, MODEL_PATH, LEDGER_TIMEZONE). audit exits with status 2 when
// it finds violations.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsm/redislock"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskledger/internal/anomaly"
	"github.com/mbd888/riskledger/internal/config"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
)

// errViolations makes audit exit with status 2.
var errViolations = errors.New("ledger audit found violations")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	store := ledger.NewPostgresStore(db)

	switch os.Args[1] {
	case "audit":
		err = runAudit(ctx, os.Stdout, ledger.New(store, ledger.WithLogger(logger)))
	case "train":
		err = runTrain(ctx, os.Stdout, cfg, store, logger, os.Args[2:])
	default:
		usage(os.Stderr)
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}

	switch {
	case err == nil:
	case errors.Is(err, errViolations):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: ledgerctl <command>")
	fmt.Fprintln(w, "Commands: audit, train [-limit N]")
}

func runAudit(ctx context.Context, w io.Writer, l *ledger.Ledger) error {
	r, err := l.Audit(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return err
	}
	if !r.OK() {
		return errViolations
	}
	return nil
}

func runTrain(ctx context.Context, w io.Writer, cfg *config.Config, history anomaly.History, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "train on the most recent N transactions (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := []anomaly.TrainerOption{
		anomaly.WithLocation(cfg.Location()),
		anomaly.WithHistoryLimit(*limit),
		anomaly.WithTrainerLogger(logger),
	}
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()
		opts = append(opts, anomaly.WithArtifactStore(anomaly.NewRedisStore(rdb, anomaly.DefaultRedisKey, 0)))
		return trainLocked(ctx, w, history, redislock.New(rdb), opts)
	}
	opts = append(opts, anomaly.WithArtifactStore(anomaly.NewFileStore(cfg.ModelPath)))
	return train(ctx, w, anomaly.NewTrainer(history, opts...))
}

// trainLocked holds the shared training lock so a manual retrain never
// races a server instance bootstrapping its model.
func trainLocked(ctx context.Context, w io.Writer, history anomaly.History, locker *redislock.Client, opts []anomaly.TrainerOption) error {
	lock, err := locker.Obtain(ctx, anomaly.TrainLockKey, anomaly.TrainLockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return errors.New("another instance is training the model; try again shortly")
	}
	if err != nil {
		return fmt.Errorf("failed to obtain training lock: %w", err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	return train(ctx, w, anomaly.NewTrainer(history, opts...))
}

func train(ctx context.Context, w io.Writer, t *anomaly.Trainer) error {
	m, err := t.Train(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "trained %s on %d samples (synthetic=%t)\n", m.Version, m.Samples, m.Synthetic)
	return err
}
