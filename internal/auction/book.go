package auction

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// OrderBook collects the sealed orders of one epoch.
// Amounts and prices never leave the book before settlement except through
// Close, which hands them to the clearing engine.
type OrderBook struct {
	epoch uint64
	clock clock.Clock
	audit audit.Recorder

	mu      sync.Mutex
	orders  []models.SealedOrder
	closed  bool
	settled bool
}

func newOrderBook(epoch uint64, clk clock.Clock, rec audit.Recorder) *OrderBook {
	return &OrderBook{
		epoch: epoch,
		clock: clk,
		audit: rec,
	}
}

// Epoch returns the batch epoch this book belongs to.
func (b *OrderBook) Epoch() uint64 {
	return b.epoch
}

// Submit adds a sealed order.
func (b *OrderBook) Submit(wallet string, amount, maxPrice decimal.Decimal) (models.SealedOrder, error) {
	if wallet == "" {
		return models.SealedOrder{}, fmt.Errorf("%w: wallet address required", fault.ErrInvalidOrder)
	}
	if !amount.IsPositive() {
		return models.SealedOrder{}, fmt.Errorf("%w: amount must be positive", fault.ErrInvalidOrder)
	}
	if !maxPrice.IsPositive() {
		return models.SealedOrder{}, fmt.Errorf("%w: max price must be positive", fault.ErrInvalidOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return models.SealedOrder{}, fmt.Errorf("failed to submit to epoch %d: %w", b.epoch, fault.ErrBatchClosed)
	}

	order := models.SealedOrder{
		ID:              uuid.NewString(),
		Epoch:           b.epoch,
		WalletAddress:   wallet,
		Amount:          amount,
		MaxPrice:        maxPrice,
		SubmittedAt:     b.clock.Now(),
		Seq:             uint64(len(b.orders)),
		AllocatedAmount: decimal.Zero,
	}
	// Only the receipt fields are audited; amount and price stay sealed.
	if _, err := b.audit.Append(models.EventOrderSubmitted, order.ID, map[string]string{
		"epoch":  strconv.FormatUint(b.epoch, 10),
		"wallet": wallet,
	}); err != nil {
		return models.SealedOrder{}, err
	}
	b.orders = append(b.orders, order)
	return order, nil
}

// Close freezes the book and returns its orders in insertion order.
// Calling Close again returns the same orders.
func (b *OrderBook) Close() []models.SealedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	out := make([]models.SealedOrder, len(b.orders))
	copy(out, b.orders)
	return out
}

// Closed reports whether submissions are frozen.
func (b *OrderBook) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of orders.
func (b *OrderBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// Receipts returns the public view of every order.
func (b *OrderBook) Receipts() []models.SealedReceipt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SealedReceipt, len(b.orders))
	for i := range b.orders {
		out[i] = b.orders[i].Receipt()
	}
	return out
}

// Orders returns the full orders once the batch has settled.
func (b *OrderBook) Orders() ([]models.SealedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.settled {
		return nil, fmt.Errorf("failed to read orders of epoch %d: %w", b.epoch, fault.ErrBatchSealed)
	}
	out := make([]models.SealedOrder, len(b.orders))
	copy(out, b.orders)
	return out, nil
}

// settle replaces the orders with their settled form.
func (b *OrderBook) settle(settled []models.SealedOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = settled
	b.closed = true
	b.settled = true
}
