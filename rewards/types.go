/*
Package rewards turns a proposal's classification into points and money,
and splits credit across co-contributors.

PURPOSE:
  Pure numeric policy for the approval workflow. Nothing here touches
  storage; the workflow engine calls these functions inside its transaction
  and persists the results.

COMPONENTS:
  Classification / PointTable  label -> point lookup (classification.go)
  AllocateShares               declared weights -> percentages summing to 100.00
  Rates.Distribute             points -> per-contributor points and reward

ROUNDING (two different policies on purpose):
  Shares:      largest remainder in hundredths, ties by list order.
  Distribution: equal split rounded half-up, whole remainder to index 0.

UNITS:
  Points are integers at the proposal level and 2-decimal values per
  contributor. Rewards and effect amounts are whole currency units.

SEE ALSO:
  - workflow/engine.go: applies these at manager/committee approval
  - config/config.go: rate schedule from the environment
*/
package rewards

import "github.com/shopspring/decimal"

const (
	DefaultHourlyRate     = 1700
	DefaultRewardPerPoint = 300
)

// Rates is the monetary schedule. Inject it; do not read package constants
// from business code.
type Rates struct {
	// HourlyRate converts saved hours per month into an effect amount.
	HourlyRate decimal.Decimal
	// RewardPerPoint converts classification points into a reward.
	RewardPerPoint decimal.Decimal
}

// DefaultRates returns 1700 per hour and 300 per point.
func DefaultRates() Rates {
	return Rates{
		HourlyRate:     decimal.NewFromInt(DefaultHourlyRate),
		RewardPerPoint: decimal.NewFromInt(DefaultRewardPerPoint),
	}
}

// EffectAmount returns hours x hourly rate, rounded to whole units.
func (r Rates) EffectAmount(hours decimal.Decimal) decimal.Decimal {
	return hours.Mul(r.HourlyRate).Round(0)
}

// Reward returns points x reward-per-point.
func (r Rates) Reward(points int) decimal.Decimal {
	return decimal.NewFromInt(int64(points)).Mul(r.RewardPerPoint)
}
