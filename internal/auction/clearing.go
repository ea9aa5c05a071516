package auction

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/models"
)

// ClearingResult is the outcome of clearing one batch.
type ClearingResult struct {
	ClearingPrice   decimal.Decimal
	Orders          []models.SealedOrder // settled, in insertion order
	TotalAllocated  decimal.Decimal
	TotalDemand     decimal.Decimal
	MarginalOrderID string
}

// Allocation returns the amount allocated to orderID.
func (r ClearingResult) Allocation(orderID string) decimal.Decimal {
	for _, o := range r.Orders {
		if o.ID == orderID {
			return o.AllocatedAmount
		}
	}
	return decimal.Zero
}

// rankOrders sorts order indexes by price-time priority: highest price
// first, then earliest submission, then insertion sequence.
func rankOrders(orders []models.SealedOrder) []int {
	ranked := make([]int, len(orders))
	for i := range ranked {
		ranked[i] = i
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := orders[ranked[i]], orders[ranked[j]]
		if !a.MaxPrice.Equal(b.MaxPrice) {
			return a.MaxPrice.GreaterThan(b.MaxPrice)
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.Seq < b.Seq
	})
	return ranked
}

// Clear computes the single clearing price and every order's allocation.
//
// Orders are walked in price-time priority. The marginal order is the first
// one whose amount would push cumulative demand past supply (or the last
// order when total demand fits). Its price is the clearing price. Orders
// ahead of it are filled in full; the marginal order and any later orders at
// exactly the clearing price share the residual supply pro-rata by amount,
// rounded down to decimals places, with leftover units handed out one at a
// time in time priority. Orders below the clearing price get nothing.
//
// Clear is pure: the same orders and supply always give the same result.
func Clear(orders []models.SealedOrder, supply decimal.Decimal, decimals int32) (ClearingResult, error) {
	if len(orders) == 0 {
		return ClearingResult{}, fault.ErrEmptyBatch
	}
	if !supply.IsPositive() {
		return ClearingResult{}, fmt.Errorf("%w: got %s", fault.ErrInvalidSupply, supply)
	}

	ranked := rankOrders(orders)
	alloc := make([]decimal.Decimal, len(orders))
	for i := range alloc {
		alloc[i] = decimal.Zero
	}

	cumulative := decimal.Zero
	marginal := len(ranked) - 1
	crossed := false
	for i, idx := range ranked {
		next := cumulative.Add(orders[idx].Amount)
		if next.GreaterThan(supply) {
			marginal = i
			crossed = true
			break
		}
		cumulative = next
	}
	price := orders[ranked[marginal]].MaxPrice

	if !crossed {
		for _, idx := range ranked {
			alloc[idx] = orders[idx].Amount
		}
	} else {
		for _, idx := range ranked[:marginal] {
			alloc[idx] = orders[idx].Amount
		}
		tranche := ranked[marginal:]
		for k, idx := range tranche {
			if !orders[idx].MaxPrice.Equal(price) {
				tranche = tranche[:k]
				break
			}
		}
		allocateProRata(orders, alloc, tranche, supply.Sub(cumulative), decimals)
	}

	result := ClearingResult{
		ClearingPrice:   price,
		Orders:          make([]models.SealedOrder, len(orders)),
		TotalAllocated:  decimal.Zero,
		TotalDemand:     decimal.Zero,
		MarginalOrderID: orders[ranked[marginal]].ID,
	}
	for i, o := range orders {
		p := price
		o.Settled = true
		o.AllocatedAmount = alloc[i]
		o.ClearingPrice = &p
		result.Orders[i] = o
		result.TotalAllocated = result.TotalAllocated.Add(alloc[i])
		result.TotalDemand = result.TotalDemand.Add(o.Amount)
	}
	return result, nil
}

// allocateProRata splits residual across tranche (already in time priority).
// The tranche's demand exceeds residual, so no order is ever filled beyond
// its amount.
func allocateProRata(orders []models.SealedOrder, alloc []decimal.Decimal, tranche []int, residual decimal.Decimal, decimals int32) {
	demand := decimal.Zero
	for _, idx := range tranche {
		demand = demand.Add(orders[idx].Amount)
	}

	distributed := decimal.Zero
	for _, idx := range tranche {
		share, _ := residual.Mul(orders[idx].Amount).QuoRem(demand, decimals)
		share = decimal.Min(share, orders[idx].Amount)
		alloc[idx] = share
		distributed = distributed.Add(share)
	}

	unit := decimal.New(1, -decimals)
	leftover := residual.Sub(distributed)
	for leftover.GreaterThanOrEqual(unit) {
		progressed := false
		for _, idx := range tranche {
			if leftover.LessThan(unit) {
				break
			}
			if alloc[idx].Add(unit).GreaterThan(orders[idx].Amount) {
				continue
			}
			alloc[idx] = alloc[idx].Add(unit)
			leftover = leftover.Sub(unit)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}
