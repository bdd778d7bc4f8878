package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/fiscal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
	"github.com/warp/kaizen-engine/workflow/memstore"
)

func intp(v int) *int { return &v }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func approvedAll() []workflow.Approval {
	var out []workflow.Approval
	for _, s := range workflow.Stages {
		out = append(out, workflow.Approval{Stage: s, Status: workflow.StatusApproved})
	}
	return out
}

func fixture() []workflow.Proposal {
	return []workflow.Proposal{
		{
			ID:                      "b",
			ManagementNo:            "B",
			SubmittedAt:             at(2023, time.November, 2),
			Department:              "製造部",
			ProposerName:            "山田太郎",
			DeploymentItem:          "治具",
			ContributionBusiness:    "プレス事業部, 塗装事業部",
			ReductionHours:          decp("2.5"),
			EffectAmount:            decp("4250"),
			Scores:                  &workflow.Scores{Mindset: 5, Idea: 4, Hint: 3},
			ProposalClassification:  rewards.ClassEffort,
			CommitteeClassification: rewards.ClassIdea,
			ClassificationPoints:    intp(4),
			Approvals:               approvedAll(),
			Contributors: []workflow.Contributor{
				{EmployeeID: "E001", EmployeeName: "山田太郎", PointsShare: decp("2.00"), RewardAmount: decp("600")},
				{EmployeeID: "E002", EmployeeName: "佐藤花子", PointsShare: decp("2.00"), RewardAmount: decp("600")},
			},
		},
		{
			ID:                     "a",
			ManagementNo:           "A",
			SubmittedAt:            at(2023, time.October, 5),
			Department:             "製造部",
			ProposerName:           "山田太郎",
			ReductionHours:         decp("1.25"),
			EffectAmount:           decp("2125"),
			Scores:                 &workflow.Scores{Mindset: 4, Idea: 4, Hint: 4},
			ProposalClassification: rewards.ClassExcellent,
			ClassificationPoints:   intp(8),
			Contributors: []workflow.Contributor{
				{EmployeeID: "E001", EmployeeName: "山田太郎", PointsShare: decp("8.00"), RewardAmount: decp("2400")},
			},
		},
		{
			ID:           "c",
			ManagementNo: "C",
			SubmittedAt:  at(2024, time.September, 30),
			Department:   "  ",
			Contributors: []workflow.Contributor{{EmployeeID: "E003", EmployeeName: "匿名"}},
		},
	}
}

func TestBuild_RowsInSubmissionOrder(t *testing.T) {
	proposals := fixture()
	proposals[0].Approvals[1].ConfirmedName = "鈴木一郎" // b, chief
	r := Build(fiscal.Default(), 50, proposals)

	require.Len(t, r.Rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{r.Rows[0].ProposalID, r.Rows[1].ProposalID, r.Rows[2].ProposalID})
	assert.Equal(t, 1, r.Rows[0].No)
	assert.Equal(t, 3, r.Rows[2].No)

	b := r.Rows[1]
	assert.Equal(t, rewards.ClassIdea, b.Classification, "committee classification wins")
	assert.Equal(t, "プレス事業部", b.EffectDivision)
	require.NotNil(t, b.Reward)
	assert.True(t, b.Reward.Equal(decimal.NewFromInt(1200)))
	assert.True(t, b.Completed)

	require.Len(t, b.Stages, len(workflow.Stages))
	assert.Equal(t, workflow.StageSupervisor, b.Stages[0].Stage)
	assert.Equal(t, "承認", b.Stages[0].Text)
	assert.Equal(t, workflow.StageChief, b.Stages[1].Stage)
	assert.Equal(t, workflow.StatusApproved, b.Stages[1].Status)
	assert.Equal(t, "鈴木一郎", b.Stages[1].ConfirmedName)
	assert.Equal(t, "承認 (鈴木一郎)", b.Stages[1].Text)
	assert.Equal(t, "承認", b.Stages[3].Text)

	// No approval records: the cells are there but blank.
	c := r.Rows[2]
	require.Len(t, c.Stages, len(workflow.Stages))
	assert.Equal(t, workflow.StageCommittee, c.Stages[3].Stage)
	assert.Empty(t, c.Stages[3].Status)
	assert.Empty(t, c.Stages[3].Text)

	assert.Nil(t, r.Rows[2].Reward)
	assert.True(t, r.Rows[2].EffectAmount.IsZero())
}

func TestBuild_PersonSummary(t *testing.T) {
	r := Build(fiscal.Default(), 50, fixture())

	require.Len(t, r.People, 2)

	// Sorted by code point: "未設定" (U+672A) before "製造部" (U+88FD).
	blank := r.People[0]
	assert.Equal(t, Unset, blank.Department)
	assert.Equal(t, Unset, blank.Proposer)
	assert.Nil(t, blank.AvgMindset, "no scores means no average")

	yamada := r.People[1]
	assert.Equal(t, "製造部", yamada.Department)
	assert.Equal(t, "山田太郎", yamada.Proposer)
	assert.Equal(t, 2, yamada.Count)
	require.NotNil(t, yamada.AvgMindset)
	assert.Equal(t, "4.5", yamada.AvgMindset.String())
	assert.Equal(t, "4", yamada.AvgIdea.String())
	assert.Equal(t, "3.5", yamada.AvgHint.String())
	assert.Equal(t, "3.75", yamada.TotalHours.String())
	assert.Equal(t, "6375", yamada.TotalEffect.String())
}

func TestBuild_DepartmentMonthMatrix(t *testing.T) {
	r := Build(fiscal.Default(), 50, fixture())

	require.Len(t, r.Months, 12)
	assert.Equal(t, time.October, r.Months[0])
	assert.Equal(t, time.September, r.Months[11])

	require.Len(t, r.Departments, 2)
	unset := r.Departments[0]
	assert.Equal(t, Unset, unset.Department)
	assert.Equal(t, 1, unset.Counts[11])
	assert.Equal(t, 1, unset.Total)

	mfg := r.Departments[1]
	assert.Equal(t, "製造部", mfg.Department)
	assert.Equal(t, 1, mfg.Counts[0]) // October
	assert.Equal(t, 1, mfg.Counts[1]) // November
	assert.Equal(t, 2, mfg.Total)
}

func TestBuild_RewardsAndTotals(t *testing.T) {
	r := Build(fiscal.Default(), 50, fixture())

	require.Len(t, r.Rewards, 2, "contributors without an allocation are skipped")
	assert.Equal(t, "E001", r.Rewards[0].EmployeeID)
	assert.Equal(t, 2, r.Rewards[0].Proposals)
	assert.True(t, r.Rewards[0].Points.Equal(decimal.NewFromInt(10)))
	assert.True(t, r.Rewards[0].Reward.Equal(decimal.NewFromInt(3000)))
	assert.Equal(t, "E002", r.Rewards[1].EmployeeID)

	assert.Equal(t, 3, r.Totals.Proposals)
	assert.Equal(t, 1, r.Totals.Completed)
	assert.Equal(t, 12, r.Totals.Points)
	assert.True(t, r.Totals.Reward.Equal(decimal.NewFromInt(3600)))
	assert.True(t, r.Totals.EffectAmount.Equal(decimal.NewFromInt(6375)))
}

func TestBuild_Empty(t *testing.T) {
	r := Build(fiscal.Default(), 50, nil)

	assert.Empty(t, r.Rows)
	assert.Empty(t, r.People)
	assert.Empty(t, r.Departments)
	assert.Equal(t, "[2023-10-01, 2024-09-30]", r.Period.String())
}

func TestBuilder_TermUsesEngineFilter(t *testing.T) {
	ctx := context.Background()
	clock := at(2023, time.October, 15)
	e := workflow.NewEngine(memstore.NewMemory(), workflow.DefaultConfig(),
		workflow.WithClock(func() time.Time { return clock }))

	in := workflow.ProposalInput{
		Department:   "製造部",
		Contributors: []workflow.ContributorInput{{EmployeeID: "E1", EmployeeName: "山田太郎", IsPrimary: true}},
	}
	_, err := e.CreateProposal(ctx, in)
	require.NoError(t, err)

	in.SubmittedAt = at(2023, time.September, 1)
	_, err = e.CreateProposal(ctx, in)
	require.NoError(t, err)

	r, err := NewBuilder(e, e.Config().Calendar).Term(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, r.Rows, 1)
	assert.False(t, r.GeneratedAt.IsZero())

	r, err = NewBuilder(e, e.Config().Calendar).Term(ctx, 49)
	require.NoError(t, err)
	assert.Len(t, r.Rows, 1)
}

type failingSource struct{}

func (failingSource) ListProposals(context.Context, workflow.ListQuery) ([]workflow.Proposal, error) {
	return nil, errors.New("db down")
}

func TestBuilder_SourceError(t *testing.T) {
	_, err := NewBuilder(failingSource{}, fiscal.Default()).Term(context.Background(), 50)
	assert.ErrorContains(t, err, "db down")
}
