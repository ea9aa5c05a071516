package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	url := os.Getenv("FAIRLAUNCH_TEST_DATABASE_URL")
	if url == "" {
		// Database tests need a live PostgreSQL; each test skips without one.
		os.Exit(m.Run())
	}

	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	_, err = pool.Exec(context.Background(), string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	testDB = &DB{Pool: pool}
	code := m.Run()
	pool.Close()
	os.Exit(code)
}

func setup(t *testing.T) context.Context {
	t.Helper()
	if testDB == nil {
		t.Skip("FAIRLAUNCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	_, err := testDB.Pool.Exec(ctx, "TRUNCATE TABLE launches, release_proposals, escrows, orders, batches, commitments, signers")
	if err != nil {
		t.Fatalf("Failed to clean up database: %v", err)
	}
	return ctx
}

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestDB_Signers(t *testing.T) {
	ctx := setup(t)

	signer, err := testDB.CreateSigner(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signer.ID != "alice" || signer.CreatedAt.IsZero() {
		t.Errorf("unexpected signer %+v", signer)
	}
	if _, err := testDB.CreateSigner(ctx, "alice", "other"); !errors.Is(err, auth.ErrSignerExists) {
		t.Errorf("expected ErrSignerExists, got %v", err)
	}
	if _, err := testDB.GetSigner(ctx, "bob"); !errors.Is(err, auth.ErrSignerNotFound) {
		t.Errorf("expected ErrSignerNotFound, got %v", err)
	}
}

func TestDB_CommitmentRoundTrip(t *testing.T) {
	ctx := setup(t)

	c := models.Commitment{
		ID:          uuid.NewString(),
		Hash:        strings.Repeat("ab", 32),
		CommittedAt: t0,
		RevealDelay: 300 * time.Second,
	}
	if err := testDB.SaveCommitment(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	revealedAt := t0.Add(300 * time.Second)
	c.Revealed = true
	c.RevealedAt = &revealedAt
	c.RevealedParams = &models.LaunchParams{
		Name:        "Kurai",
		Symbol:      "KURAI",
		TotalSupply: decimal.NewFromInt(1_000_000),
		LaunchMode:  models.LaunchModeBatch,
	}
	if err := testDB.SaveCommitment(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, err := testDB.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Commitments) != 1 {
		t.Fatalf("expected 1 commitment, got %d", len(snap.Commitments))
	}
	got := snap.Commitments[0]
	if !got.Revealed || got.RevealedParams == nil || got.RevealedParams.Symbol != "KURAI" {
		t.Errorf("revealed state not persisted: %+v", got)
	}
	if got.RevealDelay != 300*time.Second {
		t.Errorf("expected delay 300s, got %v", got.RevealDelay)
	}
}

func TestDB_SettleBatch(t *testing.T) {
	ctx := setup(t)

	orders := []models.SealedOrder{
		{ID: uuid.NewString(), Epoch: 1, WalletAddress: "0xaaa", Amount: decimal.NewFromInt(60), MaxPrice: decimal.NewFromInt(5), SubmittedAt: t0, Seq: 0},
		{ID: uuid.NewString(), Epoch: 1, WalletAddress: "0xbbb", Amount: decimal.NewFromInt(50), MaxPrice: decimal.NewFromInt(5), SubmittedAt: t0.Add(time.Second), Seq: 1},
	}
	for _, o := range orders {
		if err := testDB.SaveOrder(ctx, o); err != nil {
			t.Fatalf("save order: %v", err)
		}
	}

	price := decimal.NewFromInt(5)
	settledAt := t0.Add(time.Minute)
	orders[0].Settled, orders[0].AllocatedAmount = true, decimal.NewFromInt(60)
	orders[1].Settled, orders[1].AllocatedAmount = true, decimal.NewFromInt(40)
	batch := models.Batch{
		Epoch:           1,
		Orders:          orders,
		Closed:          true,
		ClearingPrice:   &price,
		AvailableSupply: decimal.NewFromInt(100),
		TotalAllocated:  decimal.NewFromInt(100),
		SettledAt:       &settledAt,
	}

	// Concurrent saves of the same settlement: exactly one wins
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount, settledCount := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := testDB.SaveBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successCount++
			} else if fault.CodeOf(err) == fault.ErrAlreadySettled.Code {
				settledCount++
			}
		}()
	}
	wg.Wait()
	if successCount != 1 || settledCount != 4 {
		t.Errorf("expected 1 success and 4 already settled, got %d and %d", successCount, settledCount)
	}

	snap, err := testDB.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(snap.Batches))
	}
	got := snap.Batches[0]
	if got.ClearingPrice == nil || !got.ClearingPrice.Equal(price) {
		t.Errorf("expected clearing price 5, got %v", got.ClearingPrice)
	}
	if len(got.Orders) != 2 || !got.Orders[1].AllocatedAmount.Equal(decimal.NewFromInt(40)) {
		t.Errorf("unexpected orders %+v", got.Orders)
	}
}

func TestDB_EscrowAndProposals(t *testing.T) {
	ctx := setup(t)

	e := models.Escrow{
		ID:              "escrow-1",
		TotalAllocation: decimal.NewFromInt(1_000_000),
		Released:        decimal.Zero,
		VestingStart:    t0,
		VestingEnd:      t0.Add(180 * 24 * time.Hour),
		Signers:         []string{"a", "b", "c"},
		Quorum:          2,
	}
	if err := testDB.SaveEscrow(ctx, e); err != nil {
		t.Fatalf("save escrow: %v", err)
	}

	p := models.ReleaseProposal{
		ID:        uuid.NewString(),
		EscrowID:  e.ID,
		Proposer:  "a",
		Amount:    decimal.NewFromInt(200_000),
		Status:    models.ProposalPending,
		CreatedAt: t0,
	}
	if err := testDB.SaveProposal(ctx, p); err != nil {
		t.Fatalf("save proposal: %v", err)
	}

	executedAt := t0.Add(45 * 24 * time.Hour)
	p.Approvals = []string{"a", "b"}
	p.Status = models.ProposalExecuted
	p.ExecutedAt = &executedAt
	e.Released = p.Amount
	if err := testDB.SaveProposal(ctx, p); err != nil {
		t.Fatalf("update proposal: %v", err)
	}
	if err := testDB.SaveEscrow(ctx, e); err != nil {
		t.Fatalf("update escrow: %v", err)
	}

	snap, err := testDB.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Escrows) != 1 || !snap.Escrows[0].Released.Equal(decimal.NewFromInt(200_000)) {
		t.Errorf("unexpected escrows %+v", snap.Escrows)
	}
	if len(snap.Proposals) != 1 || snap.Proposals[0].Status != models.ProposalExecuted || len(snap.Proposals[0].Approvals) != 2 {
		t.Errorf("unexpected proposals %+v", snap.Proposals)
	}
}
