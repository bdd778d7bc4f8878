package rewards

import "github.com/shopspring/decimal"

// Allocation is one contributor's cut of a proposal's points and reward.
type Allocation struct {
	Points decimal.Decimal
	Reward decimal.Decimal
}

// Distribute splits points equally across n contributors. Per-head points
// are rounded half-up to 2 places and rewards to whole units; whatever the
// rounding leaves over (positive or negative) is added to index 0 so the
// totals are conserved exactly.
//
// Returns nil when points is nil or n is zero; callers treat that as
// "leave contributors untouched".
//
// This is deliberately not the largest-remainder rule used by
// AllocateShares.
func (r Rates) Distribute(points *int, n int) []Allocation {
	if points == nil || n <= 0 {
		return nil
	}

	count := decimal.NewFromInt(int64(n))
	totalPoints := decimal.NewFromInt(int64(*points))
	totalReward := r.Reward(*points)

	basePoints := totalPoints.DivRound(count, 2)
	baseReward := totalReward.DivRound(count, 0)

	out := make([]Allocation, n)
	for i := range out {
		out[i] = Allocation{Points: basePoints, Reward: baseReward}
	}

	out[0].Points = out[0].Points.Add(totalPoints.Sub(basePoints.Mul(count)))
	out[0].Reward = out[0].Reward.Add(totalReward.Sub(baseReward.Mul(count)))
	return out
}
