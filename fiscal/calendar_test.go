package fiscal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/fiscal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// =============================================================================
// TERM
// =============================================================================

func TestCalendar_Term(t *testing.T) {
	cal := fiscal.Default()

	cases := []struct {
		name string
		at   time.Time
		want int
	}{
		{"epoch start", date(1973, time.October, 1), 0},
		{"day before epoch", date(1973, time.September, 30), -1},
		{"october 2023", date(2023, time.October, 15), 50},
		{"end of fiscal 2023", date(2024, time.September, 30), 50},
		{"start of fiscal 2024", date(2024, time.October, 1), 51},
		{"january belongs to previous fiscal year", date(2024, time.January, 5), 50},
		{"well before epoch", date(1960, time.March, 1), -14},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cal.Term(tc.at))
		})
	}
}

func TestCalendar_Term_UsesLocation(t *testing.T) {
	// GIVEN: 2024-09-30 23:30 UTC, which is already October 1st in Tokyo
	tokyo := time.FixedZone("JST", 9*60*60)
	at := time.Date(2024, time.September, 30, 23, 30, 0, 0, time.UTC)

	utc := fiscal.Default()
	jst := fiscal.Calendar{StartMonth: time.October, BaseYear: 1973, Location: tokyo}

	// THEN: the configured zone decides the fiscal year
	assert.Equal(t, 50, utc.Term(at))
	assert.Equal(t, 51, jst.Term(at))
}

// =============================================================================
// QUARTER
// =============================================================================

func TestCalendar_Quarter(t *testing.T) {
	cal := fiscal.Default()

	want := map[time.Month]int{
		time.October: 1, time.November: 1, time.December: 1,
		time.January: 2, time.February: 2, time.March: 2,
		time.April: 3, time.May: 3, time.June: 3,
		time.July: 4, time.August: 4, time.September: 4,
	}

	for month, q := range want {
		assert.Equal(t, q, cal.Quarter(date(2024, month, 10)), month.String())
	}
}

func TestCalendar_Quarter_AprilStart(t *testing.T) {
	cal := fiscal.Calendar{StartMonth: time.April, BaseYear: 2000}

	assert.Equal(t, 1, cal.Quarter(date(2024, time.April, 1)))
	assert.Equal(t, 3, cal.Quarter(date(2024, time.December, 31)))
	assert.Equal(t, 4, cal.Quarter(date(2025, time.March, 31)))
	assert.Equal(t, 24, cal.Term(date(2025, time.March, 31)))
}

// =============================================================================
// RANGES AND MONTHS
// =============================================================================

func TestCalendar_TermRange(t *testing.T) {
	cal := fiscal.Default()

	p := cal.TermRange(50)

	assert.Equal(t, time.Date(2023, time.October, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, time.September, 30, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, "[2023-10-01, 2024-09-30]", p.String())

	assert.True(t, p.Contains(time.Date(2024, time.September, 30, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.Contains(date(2024, time.October, 1)))
	assert.True(t, cal.Contains(50, date(2023, time.October, 1)))
}

func TestPeriod_Contains_UsesPeriodLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	cal := fiscal.Calendar{StartMonth: time.October, BaseYear: 1973, Location: tokyo}
	p := cal.TermRange(50)

	// GIVEN: 2024-09-30 16:00 UTC is already October 1st in Tokyo
	nextTerm := time.Date(2024, time.September, 30, 16, 0, 0, 0, time.UTC)
	// and 2023-09-30 15:30 UTC is October 1st 00:30 in Tokyo
	firstDay := time.Date(2023, time.September, 30, 15, 30, 0, 0, time.UTC)

	// THEN: the period's own zone decides the day
	assert.False(t, p.Contains(nextTerm))
	assert.True(t, p.Contains(firstDay))
	assert.Equal(t, cal.Contains(50, nextTerm), p.Contains(nextTerm))
	assert.Equal(t, cal.Contains(50, firstDay), p.Contains(firstDay))
}

func TestCalendar_TermRange_RoundTripsWithTerm(t *testing.T) {
	cal := fiscal.Default()

	for term := -3; term <= 60; term++ {
		p := cal.TermRange(term)
		require.Equal(t, term, cal.Term(p.Start))
		require.Equal(t, term, cal.Term(p.End))
		require.Equal(t, term+1, cal.Term(p.Until()))
	}
}

func TestCalendar_MonthSequence(t *testing.T) {
	cal := fiscal.Default()

	assert.Equal(t, []time.Month{
		time.October, time.November, time.December,
		time.January, time.February, time.March,
		time.April, time.May, time.June,
		time.July, time.August, time.September,
	}, cal.MonthSequence())

	jan := fiscal.Calendar{StartMonth: time.January, BaseYear: 2000}
	assert.Equal(t, time.January, jan.MonthSequence()[0])
	assert.Equal(t, time.December, jan.MonthSequence()[11])
}

func TestCalendar_Validate(t *testing.T) {
	assert.NoError(t, fiscal.Default().Validate())
	assert.Error(t, fiscal.Calendar{StartMonth: 13, BaseYear: 1973}.Validate())
	assert.Error(t, fiscal.Calendar{}.Validate())
}
