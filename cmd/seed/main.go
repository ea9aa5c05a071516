package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/commitreveal"
	"github.com/xtrntr/fairlaunch/internal/config"
	"github.com/xtrntr/fairlaunch/internal/db"
	"github.com/xtrntr/fairlaunch/internal/launch"
	"github.com/xtrntr/fairlaunch/internal/metrics"
	"github.com/xtrntr/fairlaunch/internal/models"
)

var demoSigners = []string{"signer-a", "signer-b", "signer-c"}

var demoOrders = []struct {
	wallet, amount, maxPrice string
}{
	{"0x1111111111111111111111111111111111111111", "400000", "0.012"},
	{"0x2222222222222222222222222222222222222222", "350000", "0.010"},
	{"0x3333333333333333333333333333333333333333", "300000", "0.010"},
	{"0x4444444444444444444444444444444444444444", "250000", "0.008"},
}

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var (
		configPath string
		password   string
	)
	c := &cobra.Command{
		Use:          "fairlaunch-seed",
		Short:        "Seeds the database with demo signers and a settled launch",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url is required to seed")
			}
			return seed(c.Context(), cfg, password)
		},
	}
	flags := c.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&password, "password", "fairlaunch-demo", "passphrase of the demo signers")
	return c
}

func seed(ctx context.Context, cfg config.Config, password string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(ctx)

	clk := clock.System{}
	trail, err := audit.NewTrail(audit.NewMemoryStore(0), clk, log.Named("audit"))
	if err != nil {
		return err
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	svc := launch.NewService(launch.Config{
		CommitReveal: commitreveal.Config{RevealDelay: cfg.CommitReveal.RevealDelay},
	}, trail, database, database, m, clk, log)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	// First check if we already have launches
	if launches := svc.Launches(); len(launches) > 0 {
		fmt.Printf("Database already has %d launches. No need to seed.\n", len(launches))
		return nil
	}

	authService := auth.NewAuthService(database, []byte(cfg.JWTSecret), cfg.JWTTTL, clk)
	for _, id := range demoSigners {
		if _, err := authService.Register(ctx, id, password); err != nil {
			if !errors.Is(err, auth.ErrSignerExists) {
				return fmt.Errorf("failed to register %s: %w", id, err)
			}
		}
	}

	params := models.LaunchParams{
		Name:            "Demo Token",
		Symbol:          "DEMO",
		TotalSupply:     decimal.NewFromInt(2_000_000),
		LaunchMode:      models.LaunchModeBatch,
		UseCommitReveal: true,
		DevAllocation:   decimal.NewFromInt(1_000_000),
		VestingDays:     180,
		EscrowSigners:   demoSigners,
		EscrowQuorum:    2,
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	// The demo reveals right away instead of waiting out the reveal delay.
	c, err := svc.Commit(ctx, params, salt, commitreveal.WithRevealDelay(0))
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if _, err := svc.Reveal(ctx, c.ID, params, salt); err != nil {
		return fmt.Errorf("failed to reveal: %w", err)
	}

	epoch := svc.Auction.LiveEpoch()
	for _, o := range demoOrders {
		if _, err := svc.SubmitOrder(ctx, o.wallet, decimal.RequireFromString(o.amount), decimal.RequireFromString(o.maxPrice)); err != nil {
			return fmt.Errorf("failed to submit order for %s: %w", o.wallet, err)
		}
	}

	l, b, err := svc.SettleLaunch(ctx, c.ID, epoch)
	if err != nil {
		return fmt.Errorf("failed to settle launch: %w", err)
	}

	fmt.Printf("Seeded launch %s (%s) in epoch %d\n", l.Symbol, l.CommitmentID, l.Epoch)
	fmt.Printf("  clearing price %s, allocated %s of %s\n", b.ClearingPrice, b.TotalAllocated, b.AvailableSupply)
	fmt.Printf("  dev escrow %s, signers %v, passphrase %q\n", l.EscrowID, demoSigners, password)
	return nil
}
