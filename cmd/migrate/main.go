// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up           # Apply all pending migrations
//	go run ./cmd/migrate down         # Roll back the last migration
//	go run ./cmd/migrate status       # Show migration status
//	go run ./cmd/migrate version      # Show current schema version
//	go run ./cmd/migrate up-to 1      # Migrate up to a specific version
//	go run ./cmd/migrate down-to 0    # Roll back to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/mbd888/riskledger/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := run(context.Background(), db, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("Migration %s failed: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, db *sql.DB, command string, args []string) error {
	provider, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		for _, r := range results {
			fmt.Println(r)
		}
		return err
	case "down":
		r, err := provider.Down(ctx)
		if r != nil {
			fmt.Println(r)
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s requires a version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if command == "up-to" {
			_, err = provider.UpTo(ctx, version)
		} else {
			_, err = provider.DownTo(ctx, version)
		}
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == "applied" {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-6d %-30s %s\n", s.Source.Version, s.Source.Path, applied)
		}
		return nil
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
