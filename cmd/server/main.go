package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/fairlaunch/internal/api"
	"github.com/xtrntr/fairlaunch/internal/auction"
	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/commitreveal"
	"github.com/xtrntr/fairlaunch/internal/config"
	"github.com/xtrntr/fairlaunch/internal/db"
	"github.com/xtrntr/fairlaunch/internal/launch"
	"github.com/xtrntr/fairlaunch/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:          "fairlaunch-server",
		Short:        "Runs the fair launch settlement API",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return c
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	if cfg.Store == config.StorePebble {
		return audit.OpenPebbleStore(cfg.Dir)
	}
	return audit.NewMemoryStore(0), nil
}

func newProducer(cfg config.KafkaConfig) (audit.Producer, error) {
	if cfg.Client == config.KafkaKafkaGo {
		return audit.NewKafkaWriterProducer(cfg.Brokers, cfg.Topic), nil
	}
	return audit.NewSaramaProducer(cfg.Brokers, cfg.Topic)
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	clk := clock.System{}

	store, err := openAuditStore(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	trail, err := audit.NewTrail(store, clk, log.Named("audit"))
	if err != nil {
		store.Close()
		return err
	}
	defer trail.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Without a database the engine runs in memory and signers live in the
	// process.
	var engineStore launch.Store = launch.NopStore{}
	var signers auth.SignerStore = auth.NewMemoryStore(clk)
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close(ctx)
		engineStore = database
		signers = database
	}

	svc := launch.NewService(launch.Config{
		CommitReveal: commitreveal.Config{
			RevealDelay:    cfg.CommitReveal.RevealDelay,
			RevealDeadline: cfg.CommitReveal.RevealDeadline,
		},
		Auction: auction.Config{AllocationDecimals: cfg.Auction.AllocationDecimals},
	}, trail, engineStore, signers, m, clk, log)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	authService := auth.NewAuthService(signers, []byte(cfg.JWTSecret), cfg.JWTTTL, clk)
	handler := api.NewHandler(svc, authService, clk, log.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		RateLimiter: api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, clk),
		Gatherer:    reg,
		Middlewares: []func(http.Handler) http.Handler{
			cors.Handler(cors.Options{
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				ExposedHeaders:   []string{"Link"},
				AllowCredentials: true,
				MaxAge:           300,
			}),
		},
	})

	// Events are published at least once; consumers dedupe on seq.
	var broadcaster *audit.Broadcaster
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg.Audit.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		defer producer.Close()
		broadcaster = audit.NewBroadcaster(trail, producer, cfg.Audit.Kafka.Interval, 0, log.Named("broadcaster"))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if broadcaster != nil {
		g.Go(func() error {
			if err := broadcaster.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
