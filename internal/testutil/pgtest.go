// Package testutil starts the Postgres and Redis instances that the
// integration tests (build tag "integration") run against.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/riskledger/migrations"
)

const postgresImage = "postgres:16-alpine"

// ledgerTables is every table the migrations create, children first.
const ledgerTables = "risk_scores, entries, transactions, accounts"

var (
	pgOnce sync.Once
	pgURL  string
	pgErr  error
)

// PGTest returns a migrated database with empty ledger tables. The tables
// are emptied again and the pool closed when the test ends.
//
// POSTGRES_URL selects an existing database. Otherwise one container is
// shared by the whole test binary, and the test is skipped without Docker.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		url = sharedPostgres(t)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	// Concurrency tests hammer the engine from many goroutines.
	db.SetMaxOpenConns(20)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	if err := truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}
	t.Cleanup(func() {
		_ = truncate(ctx, db)
		_ = db.Close()
	})
	return db
}

func truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+ledgerTables+" RESTART IDENTITY CASCADE")
	return err
}

func sharedPostgres(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		// Ryuk removes the container when the test binary exits.
		ctr, err := tcpostgres.Run(ctx, postgresImage,
			tcpostgres.WithDatabase("riskledger"),
			tcpostgres.WithUsername("riskledger"),
			tcpostgres.WithPassword("riskledger"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			pgErr = err
			return
		}
		pgURL, pgErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})

	if pgErr != nil {
		t.Skipf("POSTGRES_URL not set and no container available: %v", pgErr)
	}
	return pgURL
}
