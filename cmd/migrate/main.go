package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"podster/config"
	"podster/pkg/database"
	"podster/pkg/logger"
)

const usage = `
Podster - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Apply all pending migrations
  down        Roll back the most recent migration
  status      Show applied and pending migrations

Flags:
  -migrations string   Path to migrations directory (default from MIGRATIONS_DIR or "migrations")

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go status
  go run cmd/migrate/main.go -migrations ./migrations down
`

func main() {
	cfg := config.LoadConfig()

	migrationsDir := flag.String("migrations", cfg.MigrationsDirectory, "Path to migrations directory")
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	l := logger.New(cfg.LogMode)
	defer l.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command {
	case "up":
		log.Println("🚀 Running migrations UP...")
		n, err := database.ApplyRawMigrations(ctx, pool, *migrationsDir, l)
		if err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Printf("✅ Applied %d migration(s)", n)
	case "down":
		log.Println("⬇️  Rolling back last migration...")
		version, err := database.RollbackLast(ctx, pool, *migrationsDir, l)
		if err != nil {
			log.Fatalf("❌ Rollback failed: %v", err)
		}
		if version == "" {
			log.Println("Nothing to roll back")
			return
		}
		log.Printf("✅ Rolled back %s", version)
	case "status":
		statuses, err := database.Status(ctx, pool, *migrationsDir)
		if err != nil {
			log.Fatalf("❌ Status failed: %v", err)
		}
		for _, s := range statuses {
			if s.AppliedAt != nil {
				log.Printf("✅ %-30s applied %s", s.Version, s.AppliedAt.Format(time.RFC3339))
			} else {
				log.Printf("⏳ %-30s pending", s.Version)
			}
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
