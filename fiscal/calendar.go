/*
calendar.go - Fiscal term and quarter arithmetic

PURPOSE:
  Converts submission timestamps into the organization's fiscal numbering.
  A fiscal year starts on the first day of StartMonth; the "term" is the
  fiscal year counted from BaseYear (term 0 starts BaseYear-StartMonth-01).

KEY CONCEPTS:
  Term:     fiscal year - BaseYear. Negative before the epoch, never clamped.
  Quarter:  1..4, three-month blocks counted from StartMonth.
  Period:   inclusive [Start, End] date range of a term.

EXAMPLE (StartMonth=10, BaseYear=1973):
  1973-10-01 -> term 0, quarter 1
  1973-09-30 -> term -1, quarter 4
  2024-09-30 -> term 50, quarter 4

SEE ALSO:
  - workflow/engine.go: default term/quarter at creation
  - report/report.go: month ordering for the department matrix
*/
package fiscal

import (
	"fmt"
	"time"
)

const (
	DefaultStartMonth = time.October
	DefaultBaseYear   = 1973
)

// Calendar holds the fiscal epoch. The zero value is not usable; use
// Default() or fill both fields.
type Calendar struct {
	StartMonth time.Month
	BaseYear   int

	// Location dates are interpreted in. Nil keeps the timestamp's own zone.
	Location *time.Location
}

// Default returns the calendar used when nothing is configured.
func Default() Calendar {
	return Calendar{StartMonth: DefaultStartMonth, BaseYear: DefaultBaseYear}
}

// Validate checks the start month range.
func (c Calendar) Validate() error {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return fmt.Errorf("fiscal start month must be 1-12, got %d", c.StartMonth)
	}
	return nil
}

func (c Calendar) local(t time.Time) time.Time {
	if c.Location != nil {
		return t.In(c.Location)
	}
	return t
}

// FiscalYear returns the calendar year in which t's fiscal year started.
func (c Calendar) FiscalYear(t time.Time) int {
	t = c.local(t)
	year := t.Year()
	if t.Month() < c.StartMonth {
		year--
	}
	return year
}

// Term returns the fiscal term number for t.
func (c Calendar) Term(t time.Time) int {
	return c.FiscalYear(t) - c.BaseYear
}

// Quarter returns the fiscal quarter (1-4) for t.
func (c Calendar) Quarter(t time.Time) int {
	offset := (int(c.local(t).Month()) - int(c.StartMonth) + 12) % 12
	return offset/3 + 1
}

// Month returns t's calendar month in the calendar's location.
func (c Calendar) Month(t time.Time) time.Month {
	return c.local(t).Month()
}

// =============================================================================
// PERIODS
// =============================================================================

// Period is an inclusive date range. End is the last day, at midnight.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls on or between Start and End (whole days).
func (p Period) Contains(t time.Time) bool {
	t = t.In(p.Start.Location())
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.Start.Location())
	return !day.Before(p.Start) && !day.After(p.End)
}

// Until returns the exclusive upper bound (the day after End).
func (p Period) Until() time.Time {
	return p.End.AddDate(0, 0, 1)
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.DateOnly) + ", " + p.End.Format(time.DateOnly) + "]"
}

// TermRange returns the dates covered by a term.
func (c Calendar) TermRange(term int) Period {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(c.BaseYear+term, c.StartMonth, 1, 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(1, 0, -1)}
}

// Contains reports whether t belongs to term.
func (c Calendar) Contains(term int, t time.Time) bool {
	return c.Term(t) == term
}

// MonthSequence returns the twelve calendar months in fiscal order.
func (c Calendar) MonthSequence() []time.Month {
	months := make([]time.Month, 12)
	for i := range months {
		months[i] = time.Month((int(c.StartMonth)-1+i)%12 + 1)
	}
	return months
}
