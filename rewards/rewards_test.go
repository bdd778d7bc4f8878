package rewards_test

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/rewards"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sum(ds []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

func fixed(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.StringFixed(2)
	}
	return out
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestPointTable_PointsFor(t *testing.T) {
	table := rewards.DefaultPointTable()

	cases := map[string]int{
		"優秀提案":      8,
		"excellent": 8,
		"EXCELLENT": 8,
		"努力提案":      1,
		"effort":    1,
		"アイディア提案":   4,
		"idea":      4,
		"hold":      0,
		"保留提案":      0,
		"努力":        1,
		"アイデア":      4,
		"アイディア":     4,
		"優秀":        8,
	}
	for label, want := range cases {
		got, ok := table.PointsFor(label)
		require.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}

	for _, unknown := range []string{"", "  ", "great", "ステータス", "???"} {
		_, ok := table.PointsFor(unknown)
		assert.False(t, ok, "unknown label %q must have no points", unknown)
	}
}

func TestClassification_Labels(t *testing.T) {
	assert.Equal(t, "優秀提案", rewards.ClassExcellent.Label())
	assert.Equal(t, "アイディア提案", rewards.ClassIdea.Label())
	assert.False(t, rewards.Classification("").IsValid())

	for _, c := range rewards.Classifications {
		parsed, ok := rewards.ParseClassification(c.Label())
		require.True(t, ok)
		assert.Equal(t, c, parsed)
	}
}

func TestRates_EffectAmount(t *testing.T) {
	r := rewards.DefaultRates()

	assert.True(t, r.EffectAmount(decimal.NewFromInt(10)).Equal(decimal.NewFromInt(17000)))
	assert.True(t, r.EffectAmount(decimal.RequireFromString("0.5")).Equal(decimal.NewFromInt(850)))
}

// =============================================================================
// SHARE ALLOCATION
// =============================================================================

func TestAllocateShares_Weighted(t *testing.T) {
	shares, err := rewards.AllocateShares([]*decimal.Decimal{dec("70"), dec("30")})
	require.NoError(t, err)
	assert.Equal(t, []string{"70.00", "30.00"}, fixed(shares))
}

func TestAllocateShares_NotPercentages(t *testing.T) {
	// Weights 1:2 don't need to be percentages.
	shares, err := rewards.AllocateShares([]*decimal.Decimal{dec("1"), dec("2")})
	require.NoError(t, err)
	assert.Equal(t, []string{"33.33", "66.67"}, fixed(shares))
}

func TestAllocateShares_EqualFallback(t *testing.T) {
	// GIVEN: nobody declared a share
	// THEN: equal split, the first contributor absorbs the leftover hundredth
	shares, err := rewards.AllocateShares([]*decimal.Decimal{nil, nil, nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"33.34", "33.33", "33.33"}, fixed(shares))

	// All-zero declarations behave the same way.
	shares, err = rewards.AllocateShares([]*decimal.Decimal{dec("0"), dec("0"), dec("0")})
	require.NoError(t, err)
	assert.Equal(t, []string{"33.34", "33.33", "33.33"}, fixed(shares))

	shares, err = rewards.AllocateShares([]*decimal.Decimal{nil, nil, nil, nil, nil, nil, nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"14.29", "14.29", "14.29", "14.29", "14.28", "14.28", "14.28"}, fixed(shares))
}

func TestAllocateShares_LargestRemainderWins(t *testing.T) {
	// 1/6, 2/6, 3/6 of 10000 -> 1666.66, 3333.33, 5000 -> shortfall 1 goes to
	// the larger fractional part (index 0, .66).
	shares, err := rewards.AllocateShares([]*decimal.Decimal{dec("1"), dec("2"), dec("3")})
	require.NoError(t, err)
	assert.Equal(t, []string{"16.67", "33.33", "50.00"}, fixed(shares))
}

func TestAllocateShares_AbsentCountsAsZero(t *testing.T) {
	shares, err := rewards.AllocateShares([]*decimal.Decimal{dec("5"), nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"100.00", "0.00"}, fixed(shares))
}

func TestAllocateShares_Negative(t *testing.T) {
	_, err := rewards.AllocateShares([]*decimal.Decimal{dec("10"), dec("-1")})
	assert.ErrorIs(t, err, rewards.ErrNegativeShare)
}

func TestAllocateShares_AlwaysSumsToHundred(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	hundred := decimal.NewFromInt(100)

	for i := 0; i < 500; i++ {
		n := rng.Intn(12) + 1
		declared := make([]*decimal.Decimal, n)
		for j := range declared {
			switch rng.Intn(4) {
			case 0:
				declared[j] = nil
			case 1:
				declared[j] = dec("0")
			default:
				d := decimal.NewFromFloat(rng.Float64() * 1000).Round(3)
				declared[j] = &d
			}
		}

		shares, err := rewards.AllocateShares(declared)
		require.NoError(t, err)
		require.Len(t, shares, n)
		require.True(t, sum(shares).Equal(hundred), "sum=%s for %v", sum(shares), fixed(shares))
		for _, s := range shares {
			require.False(t, s.IsNegative())
			require.True(t, s.Equal(s.Round(2)))
		}
	}
}

// =============================================================================
// REWARD DISTRIBUTION
// =============================================================================

func TestDistribute_EvenSplit(t *testing.T) {
	points := 8
	alloc := rewards.DefaultRates().Distribute(&points, 2)

	require.Len(t, alloc, 2)
	for _, a := range alloc {
		assert.Equal(t, "4.00", a.Points.StringFixed(2))
		assert.True(t, a.Reward.Equal(decimal.NewFromInt(1200)))
	}
}

func TestDistribute_RemainderToFirst(t *testing.T) {
	// 8/3 = 2.67 (half-up) -> 2.67*3 = 8.01, first gets -0.01
	// 2400/3 = 800 exactly
	points := 8
	alloc := rewards.DefaultRates().Distribute(&points, 3)

	require.Len(t, alloc, 3)
	assert.Equal(t, "2.66", alloc[0].Points.StringFixed(2))
	assert.Equal(t, "2.67", alloc[1].Points.StringFixed(2))
	assert.Equal(t, "2.67", alloc[2].Points.StringFixed(2))

	// 1 point * 300 / 7 = 42.857 -> 43 each, first gets 300 - 301 = -1
	points = 1
	alloc = rewards.DefaultRates().Distribute(&points, 7)
	assert.True(t, alloc[0].Reward.Equal(decimal.NewFromInt(42)))
	assert.True(t, alloc[6].Reward.Equal(decimal.NewFromInt(43)))
}

func TestDistribute_Conservation(t *testing.T) {
	rates := rewards.DefaultRates()

	for p := 0; p <= 16; p++ {
		for n := 1; n <= 13; n++ {
			points := p
			alloc := rates.Distribute(&points, n)
			require.Len(t, alloc, n)

			var pts, rew decimal.Decimal
			for i, a := range alloc {
				pts = pts.Add(a.Points)
				rew = rew.Add(a.Reward)
				if i > 0 {
					require.True(t, a.Points.Equal(alloc[1].Points), "only index 0 differs")
				}
			}
			require.True(t, pts.Equal(decimal.NewFromInt(int64(p))), "P=%d N=%d points=%s", p, n, pts)
			require.True(t, rew.Equal(decimal.NewFromInt(int64(p*300))), "P=%d N=%d reward=%s", p, n, rew)
		}
	}
}

func TestDistribute_NoOp(t *testing.T) {
	points := 4
	assert.Nil(t, rewards.DefaultRates().Distribute(nil, 3))
	assert.Nil(t, rewards.DefaultRates().Distribute(&points, 0))
}

func TestDistribute_CustomRate(t *testing.T) {
	rates := rewards.Rates{HourlyRate: decimal.NewFromInt(2000), RewardPerPoint: decimal.NewFromInt(500)}
	points := 4

	alloc := rates.Distribute(&points, 1)
	assert.True(t, alloc[0].Reward.Equal(decimal.NewFromInt(2000)))
	assert.True(t, rates.EffectAmount(decimal.NewFromInt(3)).Equal(decimal.NewFromInt(6000)))
}
