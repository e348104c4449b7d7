package allocation

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNoWeights indicates a split with no positive weight to allocate to.
var ErrNoWeights = errors.New("allocation: no positive weights")

// SplitEven divides total into n shares that sum exactly to total.
func SplitEven(total decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, ErrNoWeights
	}
	weights := make([]int64, n)
	for i := range weights {
		weights[i] = 1
	}
	return SplitByWeights(total, weights)
}

// SplitByWeights allocates total proportionally to weights using the
// largest-remainder method over integer cents. Shares always sum exactly
// to total and each share deviates from its exact proportional value by
// less than one cent. On exact remainder ties the lower index wins, so
// callers pass weights in a stable order (apartments ordered by id).
func SplitByWeights(total decimal.Decimal, weights []int64) ([]decimal.Decimal, error) {
	var weightSum int64
	for _, w := range weights {
		if w < 0 {
			return nil, errors.New("allocation: negative weight")
		}
		weightSum += w
	}
	if weightSum == 0 {
		return nil, ErrNoWeights
	}

	// Amounts are fixed to 2 fractional digits, so the cent conversion is exact.
	totalCents := total.Mul(decimal.NewFromInt(100)).IntPart()

	type slot struct {
		index     int
		remainder int64
	}
	cents := make([]int64, len(weights))
	slots := make([]slot, 0, len(weights))
	var assigned int64
	for i, w := range weights {
		product := totalCents * w
		cents[i] = product / weightSum
		assigned += cents[i]
		slots = append(slots, slot{index: i, remainder: product % weightSum})
	}

	leftover := totalCents - assigned
	sort.SliceStable(slots, func(a, b int) bool {
		return slots[a].remainder > slots[b].remainder
	})
	for i := int64(0); i < leftover; i++ {
		cents[slots[i].index]++
	}

	// Construct at cent scale directly; Div would widen the exponent to the
	// package's division precision and the shares post straight to the ledger.
	shares := make([]decimal.Decimal, len(weights))
	for i, c := range cents {
		shares[i] = decimal.New(c, -2)
	}
	return shares, nil
}
