package rewards

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrNegativeShare is returned when a declared share is below zero.
var ErrNegativeShare = errors.New("declared share must not be negative")

// hundredths of a percent in 100.00%
const fullShare = 10000

var (
	fullShareDec = decimal.NewFromInt(fullShare)
	one          = decimal.NewFromInt(1)
)

// AllocateShares normalizes declared weights into percentages with two
// decimals that always sum to exactly 100.00.
//
// A nil entry means "not declared" and counts as zero. When nothing
// positive is declared every contributor gets an equal weight.
// Leftover hundredths go to the largest truncated remainders; equal
// remainders favour the earlier entry.
func AllocateShares(declared []*decimal.Decimal) ([]decimal.Decimal, error) {
	if len(declared) == 0 {
		return nil, nil
	}

	weights := make([]decimal.Decimal, len(declared))
	total := decimal.Zero
	for i, d := range declared {
		if d == nil {
			weights[i] = decimal.Zero
			continue
		}
		if d.IsNegative() {
			return nil, ErrNegativeShare
		}
		weights[i] = *d
		total = total.Add(*d)
	}

	if !total.IsPositive() {
		for i := range weights {
			weights[i] = one
		}
		total = decimal.NewFromInt(int64(len(weights)))
	}

	// Exact integer division: w*10000 = q*total + r, 0 <= r < total.
	// Comparing r is comparing the fractional parts since the divisor is shared.
	units := make([]int64, len(weights))
	rems := make([]decimal.Decimal, len(weights))
	var assigned int64
	for i, w := range weights {
		q, r := w.Mul(fullShareDec).QuoRem(total, 0)
		units[i] = q.IntPart()
		rems[i] = r
		assigned += units[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rems[order[a]].GreaterThan(rems[order[b]])
	})

	for k := int64(0); k < fullShare-assigned; k++ {
		units[order[int(k)%len(order)]]++
	}

	shares := make([]decimal.Decimal, len(units))
	for i, u := range units {
		shares[i] = decimal.New(u, -2)
	}
	return shares, nil
}
