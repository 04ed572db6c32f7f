// Sweeper marks abandoned OAuth flows as expired. A pending connection whose
// authorization was never completed would otherwise sit in the catalog path
// forever.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"toolgate/pkg/config"
	"toolgate/pkg/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	config.LoadDotenv()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn := "postgres://" +
		config.EnvOr("POSTGRES_USER", "toolgate") + ":" +
		config.EnvOr("POSTGRES_PASSWORD", "changeme") + "@" +
		config.EnvOr("POSTGRES_HOST", "localhost") + ":" +
		config.EnvOr("POSTGRES_PORT", "5432") + "/" +
		config.EnvOr("POSTGRES_DB", "toolgate") +
		"?sslmode=" + config.EnvOr("POSTGRES_SSLMODE", "disable")
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	connStore := store.NewStore(pool)

	maxAge := config.EnvOrDuration("SWEEPER_MAX_PENDING_AGE", time.Hour)
	runOnce := config.EnvOrBool("SWEEPER_RUN_ONCE", false)
	interval := config.EnvOrDuration("SWEEPER_INTERVAL", 15*time.Minute)

	run := func() {
		n, err := connStore.ExpireStalePending(ctx, maxAge)
		if err != nil {
			log.Error("expire sweep failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("expired stale pending connections", "count", n, "max_age", maxAge.String())
		}
	}

	run()
	if runOnce {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
