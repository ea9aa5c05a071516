// Package auction runs sealed-bid batch auctions.
//
// Orders accumulate in the live epoch's OrderBook and stay sealed. Settle
// closes the book, clears it at a single uniform price and opens the next
// epoch. Each epoch settles at most once.
package auction

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// DefaultAllocationDecimals is the precision allocations are rounded down to.
const DefaultAllocationDecimals int32 = 6

// Config controls clearing precision.
type Config struct {
	AllocationDecimals int32
}

type batchState struct {
	mu    sync.Mutex // serializes settlement
	book  *OrderBook
	batch models.Batch
}

// Auction owns every epoch's order book.
type Auction struct {
	mu      sync.RWMutex
	batches map[uint64]*batchState
	live    uint64

	cfg   Config
	clock clock.Clock
	audit audit.Recorder
	log   *zap.Logger
}

// NewAuction creates an auction with epoch 1 open.
func NewAuction(cfg Config, clk clock.Clock, rec audit.Recorder, log *zap.Logger) *Auction {
	if cfg.AllocationDecimals <= 0 {
		cfg.AllocationDecimals = DefaultAllocationDecimals
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Auction{
		batches: make(map[uint64]*batchState),
		cfg:     cfg,
		clock:   clk,
		audit:   rec,
		log:     log,
	}
	a.open(1)
	return a
}

// open must be called with a.mu held or before the auction is shared.
func (a *Auction) open(epoch uint64) {
	a.batches[epoch] = &batchState{
		book: newOrderBook(epoch, a.clock, a.audit),
		batch: models.Batch{
			Epoch:           epoch,
			AvailableSupply: decimal.Zero,
			TotalAllocated:  decimal.Zero,
		},
	}
	a.live = epoch
}

// LiveEpoch returns the epoch currently accepting orders.
func (a *Auction) LiveEpoch() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Submit adds a sealed order to the live epoch.
func (a *Auction) Submit(wallet string, amount, maxPrice decimal.Decimal) (models.SealedOrder, error) {
	if !fitsPrecision(amount, a.cfg.AllocationDecimals) {
		return models.SealedOrder{}, fmt.Errorf("%w: amount %s finer than %d decimals", fault.ErrInvalidOrder, amount, a.cfg.AllocationDecimals)
	}

	a.mu.RLock()
	bs := a.batches[a.live]
	a.mu.RUnlock()

	order, err := bs.book.Submit(wallet, amount, maxPrice)
	if err != nil {
		return models.SealedOrder{}, err
	}
	a.log.Debug("order submitted", zap.String("order", order.ID), zap.Uint64("epoch", order.Epoch))
	return order, nil
}

// Close freezes an epoch's book without settling it and returns the
// public receipts of its orders.
func (a *Auction) Close(epoch uint64) ([]models.SealedReceipt, error) {
	bs, err := a.lookup(epoch)
	if err != nil {
		return nil, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := a.closeLocked(bs); err != nil {
		return nil, err
	}
	return bs.book.Receipts(), nil
}

// closeLocked closes the book once, recording the transition.
func (a *Auction) closeLocked(bs *batchState) error {
	if bs.batch.Closed {
		return nil
	}
	n := bs.book.Len()
	if _, err := a.audit.Append(models.EventBatchClosed, epochRef(bs.book.Epoch()), map[string]string{
		"epoch":  strconv.FormatUint(bs.book.Epoch(), 10),
		"orders": strconv.Itoa(n),
	}); err != nil {
		return err
	}
	bs.book.Close()
	bs.batch.Closed = true
	return nil
}

// Settle clears an epoch against supply and opens the next one.
// Only the first call for an epoch succeeds; later calls get
// ErrAlreadySettled.
func (a *Auction) Settle(epoch uint64, supply decimal.Decimal) (models.Batch, error) {
	bs, err := a.lookup(epoch)
	if err != nil {
		return models.Batch{}, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.batch.Settled() {
		return models.Batch{}, fmt.Errorf("failed to settle epoch %d: %w", epoch, fault.ErrAlreadySettled)
	}
	if !supply.IsPositive() {
		return models.Batch{}, fmt.Errorf("failed to settle epoch %d: %w: supply %s", epoch, fault.ErrInvalidSupply, supply)
	}
	if !fitsPrecision(supply, a.cfg.AllocationDecimals) {
		return models.Batch{}, fmt.Errorf("failed to settle epoch %d: %w: supply %s finer than %d decimals",
			epoch, fault.ErrInvalidSupply, supply, a.cfg.AllocationDecimals)
	}
	if bs.book.Len() == 0 {
		return models.Batch{}, fmt.Errorf("failed to settle epoch %d: %w", epoch, fault.ErrEmptyBatch)
	}

	if err := a.closeLocked(bs); err != nil {
		return models.Batch{}, err
	}
	result, err := Clear(bs.book.Close(), supply, a.cfg.AllocationDecimals)
	if err != nil {
		return models.Batch{}, fmt.Errorf("failed to settle epoch %d: %w", epoch, err)
	}

	if _, err := a.audit.Append(models.EventBatchSettlement, epochRef(epoch), map[string]string{
		"epoch":          strconv.FormatUint(epoch, 10),
		"clearingPrice":  result.ClearingPrice.String(),
		"supply":         supply.String(),
		"totalAllocated": result.TotalAllocated.String(),
		"orders":         strconv.Itoa(len(result.Orders)),
		"description":    fmt.Sprintf("Batch #%d settled at uniform price", epoch),
	}); err != nil {
		return models.Batch{}, err
	}

	now := a.clock.Now()
	price := result.ClearingPrice
	bs.book.settle(result.Orders)
	bs.batch.ClearingPrice = &price
	bs.batch.AvailableSupply = supply
	bs.batch.TotalAllocated = result.TotalAllocated
	bs.batch.SettledAt = &now

	a.mu.Lock()
	if a.live == epoch {
		a.open(epoch + 1)
	}
	a.mu.Unlock()

	a.log.Info("batch settled",
		zap.Uint64("epoch", epoch),
		zap.String("clearingPrice", price.String()),
		zap.String("totalAllocated", result.TotalAllocated.String()),
		zap.Int("orders", len(result.Orders)),
	)
	return a.snapshot(bs), nil
}

// Batch returns an epoch. Orders are only included once it has settled.
func (a *Auction) Batch(epoch uint64) (models.Batch, error) {
	bs, err := a.lookup(epoch)
	if err != nil {
		return models.Batch{}, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return a.snapshot(bs), nil
}

// Receipts returns the sealed view of an epoch's orders.
func (a *Auction) Receipts(epoch uint64) ([]models.SealedReceipt, error) {
	bs, err := a.lookup(epoch)
	if err != nil {
		return nil, err
	}
	return bs.book.Receipts(), nil
}

// Orders returns an epoch's full orders; ErrBatchSealed until it settles.
func (a *Auction) Orders(epoch uint64) ([]models.SealedOrder, error) {
	bs, err := a.lookup(epoch)
	if err != nil {
		return nil, err
	}
	return bs.book.Orders()
}

// Batches lists every epoch in ascending order.
func (a *Auction) Batches() []models.Batch {
	a.mu.RLock()
	states := make([]*batchState, 0, len(a.batches))
	for _, bs := range a.batches {
		states = append(states, bs)
	}
	a.mu.RUnlock()

	out := make([]models.Batch, 0, len(states))
	for _, bs := range states {
		bs.mu.Lock()
		out = append(out, a.snapshot(bs))
		bs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// Restore replaces the auction state with persisted batches. The live epoch
// becomes the lowest unsettled one, or a fresh epoch after the last.
func (a *Auction) Restore(batches []models.Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.batches = make(map[uint64]*batchState, len(batches)+1)
	var last uint64
	var live uint64
	for _, b := range batches {
		book := newOrderBook(b.Epoch, a.clock, a.audit)
		book.orders = append([]models.SealedOrder(nil), b.Orders...)
		book.closed = b.Closed || b.Settled()
		book.settled = b.Settled()

		b.Orders = nil
		b.OrderCount = len(book.orders)
		a.batches[b.Epoch] = &batchState{book: book, batch: b}

		last = max(last, b.Epoch)
		if !b.Settled() && (live == 0 || b.Epoch < live) {
			live = b.Epoch
		}
	}
	if live == 0 {
		a.open(last + 1)
		return
	}
	a.live = live
}

func (a *Auction) snapshot(bs *batchState) models.Batch {
	b := bs.batch
	b.OrderCount = bs.book.Len()
	b.Orders = nil
	if orders, err := bs.book.Orders(); err == nil {
		b.Orders = orders
	}
	return b
}

func (a *Auction) lookup(epoch uint64) (*batchState, error) {
	a.mu.RLock()
	bs, ok := a.batches[epoch]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to find epoch %d: %w", epoch, fault.ErrUnknownBatch)
	}
	return bs, nil
}

// fitsPrecision reports whether v has no digits below the allocation unit.
func fitsPrecision(v decimal.Decimal, decimals int32) bool {
	return v.Equal(v.Truncate(decimals))
}

func epochRef(epoch uint64) string {
	return "batch-" + strconv.FormatUint(epoch, 10)
}
