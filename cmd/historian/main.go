// cmd/historian/main.go drains the relay's Redis action queue into Postgres.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/jason-s-yu/duel/internal/config"
	"github.com/jason-s-yu/duel/internal/database"
	"github.com/jason-s-yu/duel/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	queue      string
	batchSize  int
	flushDelay time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "historian",
	Short: "persist room actions from Redis to Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		return run(cmd.Context(), cfg, cfg.NewLogger())
	},
}

func init() {
	rootCmd.Flags().StringVar(&queue, "queue", cache.DefaultQueueName, "Redis list to drain")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", historian.DefaultBatchSize, "records per insert")
	rootCmd.Flags().DurationVar(&flushDelay, "flush-delay", historian.DefaultFlushDelay, "longest a record waits before it is written")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func run(parent context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.RedisAddr == "" || cfg.DatabaseURL == "" {
		return errors.New("REDIS_ADDR and DATABASE_URL are required")
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}

	h := historian.New(cache.NewActionLog(rdb, queue), database.NewArchive(pool), batchSize, flushDelay, logger.WithField("svc", "historian"))
	h.Run(ctx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
