package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/auth"
	"github.com/McodesM/Trade-Approval-Process/libs/logging"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/config"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/service"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

var demoActors = []string{demoRequester, demoApprover, demoOperator}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: env must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := logging.NewLogger("warn", "text", "trades-seed", cfg.App.Env)
	if err := migrations.Apply(ctx, cfg.DB.DSN(), logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	svc := service.NewTradeService(storage.NewPostgres(pool), nil, logger, nil, service.Topics{})

	fmt.Println("Seeding trades...")
	seeded, err := seedTrades(ctx, svc)
	if err != nil {
		log.Fatalf("seed trades: %v", err)
	}
	for _, s := range seeded {
		fmt.Printf("✓ %-20s %s (v%d)\n", s.State, s.ID, s.Version)
	}

	fmt.Println("\n=== Seed Complete ===")
	if cfg.App.Env == "dev" {
		fmt.Println("\nBearer tokens (DEV ONLY, 24h):")
		for _, actor := range demoActors {
			token, err := auth.IssueJWT(actor, []string{"trader"}, []byte(cfg.JWTSecret), 24*time.Hour)
			if err != nil {
				fmt.Fprintf(os.Stderr, "issue token for %s: %v\n", actor, err)
				continue
			}
			fmt.Printf("  %s: %s\n", actor, token)
		}
	}
}
