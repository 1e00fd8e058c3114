// cmd/relay/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/jason-s-yu/duel/internal/config"
	"github.com/jason-s-yu/duel/internal/database"
	"github.com/jason-s-yu/duel/internal/relay"
	_ "github.com/joho/godotenv/autoload"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const janitorInterval = time.Minute

var (
	port           string
	logLevel       string
	metrics        bool
	privateKeyPath string
	publicKeyPath  string
)

// consumer is a bus that delivers client-published state updates.
type consumer interface {
	Consume(ctx context.Context, handle relay.InboundHandler) error
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "duel room relay",
	Long:  `Authoritative room registry, matchmaking queue and realtime relay for two-player duels.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("metrics") {
			cfg.Metrics = metrics
		}
		logger := cfg.NewLogger()
		return run(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&port, "port", "8080", "listen port (overrides PORT)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&metrics, "metrics", false, "serve runtime metrics at /debug/statsviz/")
	rootCmd.Flags().StringVar(&privateKeyPath, "private-key", "", "ed25519 private key file; a fresh key pair is generated when empty")
	rootCmd.Flags().StringVar(&publicKeyPath, "public-key", "", "ed25519 public key file")
}

func run(parent context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if privateKeyPath != "" {
		if err := auth.InitFromPath(privateKeyPath, publicKeyPath, cfg.TokenExpire); err != nil {
			return err
		}
	} else if err := auth.Init(cfg.TokenExpire); err != nil {
		return err
	}

	opts := relay.Options{}
	var consumers []consumer

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		opts.Archive = database.NewArchive(pool)
		logger.Info("archiving finished rooms to Postgres")
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.ActionLog = cache.NewActionLog(rdb, cache.DefaultQueueName)
		rf := relay.NewRedisFanout(rdb, logger)
		opts.Publishers = append(opts.Publishers, rf)
		consumers = append(consumers, rf)
		logger.Infof("redis fan-out enabled at %s", cfg.RedisAddr)
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("duel-relay"))
		if err != nil {
			return err
		}
		defer nc.Drain()
		nf := relay.NewNATSFanout(nc, logger)
		opts.Publishers = append(opts.Publishers, nf)
		consumers = append(consumers, nf)
		logger.Infof("nats fan-out enabled at %s", cfg.NatsURL)
	}

	srv, err := relay.NewServer(opts, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	for _, c := range consumers {
		if err := c.Consume(ctx, srv.HandleInbound); err != nil {
			return err
		}
	}
	go srv.RunJanitor(ctx, janitorInterval, cfg.RoomTTL)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Routes())
	if cfg.Metrics {
		if err := statsviz.Register(mux); err != nil {
			logger.Warnf("statsviz: %v", err)
		} else {
			logger.Infof("metrics at http://localhost:%s/debug/statsviz/", cfg.Port)
		}
	}

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Running on %s", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
