package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestEscrow_VestedAmount(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	e := &Escrow{
		TotalAllocation: decimal.NewFromInt(1_000_000),
		VestingStart:    start,
		VestingEnd:      start.Add(180 * day),
	}

	tests := []struct {
		name   string
		at     time.Time
		expect decimal.Decimal
	}{
		{name: "BeforeStart", at: start.Add(-day), expect: decimal.Zero},
		{name: "AtStart", at: start, expect: decimal.Zero},
		{name: "Day45", at: start.Add(45 * day), expect: decimal.NewFromInt(250_000)},
		{name: "Day90", at: start.Add(90 * day), expect: decimal.NewFromInt(500_000)},
		{name: "AtEnd", at: start.Add(180 * day), expect: decimal.NewFromInt(1_000_000)},
		{name: "AfterEnd", at: start.Add(400 * day), expect: decimal.NewFromInt(1_000_000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.VestedAmount(tt.at)
			assert.True(t, tt.expect.Equal(got), "expected %s, got %s", tt.expect, got)
		})
	}
}

func TestEscrow_VestedAmountMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Escrow{
		TotalAllocation: decimal.RequireFromString("777777.77"),
		VestingStart:    start,
		VestingEnd:      start.Add(13 * time.Hour),
	}
	prev := decimal.Zero
	for at := start.Add(-time.Hour); at.Before(start.Add(15 * time.Hour)); at = at.Add(7 * time.Minute) {
		got := e.VestedAmount(at)
		if got.LessThan(prev) {
			t.Fatalf("vested amount decreased at %s: %s < %s", at, got, prev)
		}
		if got.GreaterThan(e.TotalAllocation) {
			t.Fatalf("vested amount %s exceeds total", got)
		}
		prev = got
	}
}

func TestSealedOrder_Receipt(t *testing.T) {
	o := &SealedOrder{
		ID:            "o1",
		Epoch:         3,
		WalletAddress: "wallet",
		Amount:        decimal.NewFromInt(10),
		MaxPrice:      decimal.NewFromInt(2),
	}
	r := o.Receipt()
	assert.Equal(t, "o1", r.ID)
	assert.Equal(t, uint64(3), r.Epoch)
	assert.Equal(t, "wallet", r.WalletAddress)
}

func TestEscrow_HasSigner(t *testing.T) {
	e := &Escrow{Signers: []string{"alice", "bob", "carol"}}
	assert.True(t, e.HasSigner("bob"))
	assert.False(t, e.HasSigner("mallory"))
}
