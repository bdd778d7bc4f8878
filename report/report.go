/*
Package report aggregates one fiscal term of proposals.

PURPOSE:
  Read-only projections for the committee's term review. Nothing here writes;
  the numbers come from what the workflow engine already fixed on each
  proposal (effective classification, points, contributor rewards).

SECTIONS:
  Rows         one line per proposal, oldest submission first, numbered 1..n,
               with a status cell per approval stage
  People       per (department, proposer): count, score averages, totals
  Departments  per department: submissions per fiscal month, plus a total
  Rewards      per contributor employee: points share and reward sums
  Totals       term-wide counts and sums

BLANKS:
  Empty department or proposer names are grouped under Unset ("未設定").

SEE ALSO:
  - fiscal/calendar.go: term range and month order
  - api/handlers.go: GET /api/reports/terms/{term}
*/
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/fiscal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

// Unset labels a blank department or proposer.
const Unset = "未設定"

// Source lists proposals; *workflow.Engine satisfies it.
type Source interface {
	ListProposals(ctx context.Context, q workflow.ListQuery) ([]workflow.Proposal, error)
}

// Builder loads a term from Source and aggregates it.
type Builder struct {
	src Source
	cal fiscal.Calendar
}

func NewBuilder(src Source, cal fiscal.Calendar) *Builder {
	return &Builder{src: src, cal: cal}
}

// Term builds the report for every proposal submitted in term.
func (b *Builder) Term(ctx context.Context, term int) (*TermReport, error) {
	proposals, err := b.src.ListProposals(ctx, workflow.ListQuery{Term: &term})
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals for term %d: %w", term, err)
	}
	r := Build(b.cal, term, proposals)
	r.GeneratedAt = time.Now()
	return r, nil
}

// =============================================================================
// REPORT TYPES
// =============================================================================

type TermReport struct {
	Term        int
	Period      fiscal.Period
	GeneratedAt time.Time

	Rows        []Row
	People      []PersonSummary
	Months      []time.Month // column order for Departments
	Departments []DepartmentMonths
	Rewards     []EmployeeReward
	Totals      Totals
}

// Row is one proposal in submission order.
type Row struct {
	No           int
	ProposalID   string
	ManagementNo string
	Quarter      *int
	SerialNumber *int
	SubmittedAt  time.Time

	Department     string
	EffectDivision string
	ProposerName   string
	Theme          string

	Scores     *workflow.Scores
	SDGsFlag   bool
	SafetyFlag bool

	Classification rewards.Classification
	Points         *int
	Reward         *decimal.Decimal

	EffectAmount   decimal.Decimal
	ReductionHours decimal.Decimal
	Comment        string
	Completed      bool

	// One cell per stage, in workflow.Stages order.
	Stages []StageCell
}

// StageCell is one approval column. Text is the status label followed by
// the confirmer in parentheses, "承認 (鈴木)", or empty when the proposal
// has no record for the stage.
type StageCell struct {
	Stage         workflow.Stage
	Status        workflow.Status
	ConfirmedName string
	Text          string
}

// PersonSummary averages are nil when no proposal in the group was scored.
type PersonSummary struct {
	Department  string
	Proposer    string
	Count       int
	AvgMindset  *decimal.Decimal
	AvgIdea     *decimal.Decimal
	AvgHint     *decimal.Decimal
	TotalHours  decimal.Decimal
	TotalEffect decimal.Decimal
}

// DepartmentMonths counts submissions; Counts is aligned with
// TermReport.Months.
type DepartmentMonths struct {
	Department string
	Counts     []int
	Total      int
}

type EmployeeReward struct {
	EmployeeID   string
	EmployeeName string
	Proposals    int
	Points       decimal.Decimal
	Reward       decimal.Decimal
}

type Totals struct {
	Proposals      int
	Completed      int
	Points         int
	Reward         decimal.Decimal
	ReductionHours decimal.Decimal
	EffectAmount   decimal.Decimal
}

// =============================================================================
// AGGREGATION
// =============================================================================

// Build aggregates proposals. Callers pass only proposals of term; Build
// does not filter again.
func Build(cal fiscal.Calendar, term int, proposals []workflow.Proposal) *TermReport {
	sorted := append([]workflow.Proposal(nil), proposals...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
	})

	r := &TermReport{
		Term:   term,
		Period: cal.TermRange(term),
		Months: cal.MonthSequence(),
	}
	r.Rows = buildRows(sorted)
	r.People = buildPeople(sorted)
	r.Departments = buildDepartments(cal, r.Months, sorted)
	r.Rewards = buildRewards(sorted)
	r.Totals = buildTotals(r.Rows)
	return r
}

func buildRows(proposals []workflow.Proposal) []Row {
	rows := make([]Row, 0, len(proposals))
	for i, p := range proposals {
		rows = append(rows, Row{
			No:             i + 1,
			ProposalID:     p.ID,
			ManagementNo:   p.ManagementNo,
			Quarter:        p.Quarter,
			SerialNumber:   p.SerialNumber,
			SubmittedAt:    p.SubmittedAt,
			Department:     strings.TrimSpace(p.Department),
			EffectDivision: firstItem(p.ContributionBusiness),
			ProposerName:   p.ProposerName,
			Theme:          p.DeploymentItem,
			Scores:         p.Scores,
			SDGsFlag:       p.SDGsFlag,
			SafetyFlag:     p.SafetyFlag,
			Classification: p.EffectiveClassification(),
			Points:         p.ClassificationPoints,
			Reward:         rewardOf(p),
			EffectAmount:   valueOrZero(p.EffectAmount),
			ReductionHours: valueOrZero(p.ReductionHours),
			Comment:        p.Comment,
			Completed:      p.IsCompleted(),
			Stages:         stageCells(&p),
		})
	}
	return rows
}

func stageCells(p *workflow.Proposal) []StageCell {
	cells := make([]StageCell, 0, len(workflow.Stages))
	for _, stage := range workflow.Stages {
		cell := StageCell{Stage: stage}
		if a := p.Approval(stage); a != nil {
			cell.Status = a.Status
			cell.ConfirmedName = strings.TrimSpace(a.ConfirmedName)
			cell.Text = a.Status.Label()
			if cell.Text == "" {
				cell.Text = string(a.Status)
			}
			if cell.ConfirmedName != "" {
				cell.Text += " (" + cell.ConfirmedName + ")"
			}
		}
		cells = append(cells, cell)
	}
	return cells
}

type personKey struct{ dept, proposer string }

type personAcc struct {
	summary             PersonSummary
	mindset, idea, hint decimal.Decimal
	scored              int
}

func buildPeople(proposals []workflow.Proposal) []PersonSummary {
	groups := make(map[personKey]*personAcc)
	for _, p := range proposals {
		k := personKey{orUnset(p.Department), orUnset(p.ProposerName)}
		acc, ok := groups[k]
		if !ok {
			acc = &personAcc{summary: PersonSummary{Department: k.dept, Proposer: k.proposer}}
			groups[k] = acc
		}
		acc.summary.Count++
		acc.summary.TotalHours = acc.summary.TotalHours.Add(valueOrZero(p.ReductionHours))
		acc.summary.TotalEffect = acc.summary.TotalEffect.Add(valueOrZero(p.EffectAmount))
		if p.Scores != nil {
			acc.scored++
			acc.mindset = acc.mindset.Add(decimal.NewFromInt(int64(p.Scores.Mindset)))
			acc.idea = acc.idea.Add(decimal.NewFromInt(int64(p.Scores.Idea)))
			acc.hint = acc.hint.Add(decimal.NewFromInt(int64(p.Scores.Hint)))
		}
	}

	out := make([]PersonSummary, 0, len(groups))
	for _, acc := range groups {
		s := acc.summary
		if acc.scored > 0 {
			n := decimal.NewFromInt(int64(acc.scored))
			s.AvgMindset = average(acc.mindset, n)
			s.AvgIdea = average(acc.idea, n)
			s.AvgHint = average(acc.hint, n)
		}
		s.TotalHours = s.TotalHours.Round(2)
		s.TotalEffect = s.TotalEffect.Truncate(0)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Department != out[j].Department {
			return out[i].Department < out[j].Department
		}
		return out[i].Proposer < out[j].Proposer
	})
	return out
}

func buildDepartments(cal fiscal.Calendar, months []time.Month, proposals []workflow.Proposal) []DepartmentMonths {
	column := make(map[time.Month]int, len(months))
	for i, m := range months {
		column[m] = i
	}

	byDept := make(map[string]*DepartmentMonths)
	for _, p := range proposals {
		dept := orUnset(p.Department)
		row, ok := byDept[dept]
		if !ok {
			row = &DepartmentMonths{Department: dept, Counts: make([]int, len(months))}
			byDept[dept] = row
		}
		row.Counts[column[cal.Month(p.SubmittedAt)]]++
		row.Total++
	}

	out := make([]DepartmentMonths, 0, len(byDept))
	for _, row := range byDept {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}

func buildRewards(proposals []workflow.Proposal) []EmployeeReward {
	byEmployee := make(map[string]*EmployeeReward)
	var order []string
	for _, p := range proposals {
		for _, c := range p.Contributors {
			if c.PointsShare == nil && c.RewardAmount == nil {
				continue
			}
			key := c.EmployeeID
			if key == "" {
				key = "name:" + c.EmployeeName
			}
			er, ok := byEmployee[key]
			if !ok {
				er = &EmployeeReward{EmployeeID: c.EmployeeID, EmployeeName: c.EmployeeName}
				byEmployee[key] = er
				order = append(order, key)
			}
			er.Proposals++
			er.Points = er.Points.Add(valueOrZero(c.PointsShare))
			er.Reward = er.Reward.Add(valueOrZero(c.RewardAmount))
		}
	}

	out := make([]EmployeeReward, 0, len(order))
	for _, key := range order {
		out = append(out, *byEmployee[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Reward.Equal(out[j].Reward) {
			return out[i].Reward.GreaterThan(out[j].Reward)
		}
		return out[i].EmployeeID < out[j].EmployeeID
	})
	return out
}

func buildTotals(rows []Row) Totals {
	var t Totals
	for _, r := range rows {
		t.Proposals++
		if r.Completed {
			t.Completed++
		}
		if r.Points != nil {
			t.Points += *r.Points
		}
		if r.Reward != nil {
			t.Reward = t.Reward.Add(*r.Reward)
		}
		t.ReductionHours = t.ReductionHours.Add(r.ReductionHours)
		t.EffectAmount = t.EffectAmount.Add(r.EffectAmount)
	}
	return t
}

// =============================================================================
// HELPERS
// =============================================================================

func rewardOf(p workflow.Proposal) *decimal.Decimal {
	var (
		sum   decimal.Decimal
		found bool
	)
	for _, c := range p.Contributors {
		if c.RewardAmount != nil {
			sum = sum.Add(*c.RewardAmount)
			found = true
		}
	}
	if !found {
		return nil
	}
	return &sum
}

func average(sum, n decimal.Decimal) *decimal.Decimal {
	avg := sum.DivRound(n, 2)
	return &avg
}

func valueOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func orUnset(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unset
	}
	return s
}

// firstItem returns the first entry of a comma-separated list.
func firstItem(s string) string {
	first, _, _ := strings.Cut(s, ",")
	return strings.TrimSpace(first)
}
