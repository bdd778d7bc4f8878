package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

var clock = time.Date(2023, time.October, 15, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*workflow.Engine, *Store) {
	t.Helper()
	store := newTestStore(t)
	return workflow.NewEngine(store, workflow.DefaultConfig(), workflow.WithClock(func() time.Time { return clock })), store
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func proposalInput() workflow.ProposalInput {
	return workflow.ProposalInput{
		Department:      "製造部",
		DeploymentItem:  "治具の共通化",
		ProblemSummary:  "段取り替えに時間がかかる",
		ImprovementPlan: "治具を共通化する",
		ReductionHours:  decp("2.5"),
		Contributors: []workflow.ContributorInput{
			{EmployeeID: "E001", EmployeeName: "山田太郎", IsPrimary: true, Share: decp("70")},
			{EmployeeID: "E002", EmployeeName: "佐藤花子", Share: decp("30")},
		},
	}
}

func approveAll(t *testing.T, e *workflow.Engine, id, class string, term, quarter int) *workflow.Proposal {
	t.Helper()
	ctx := context.Background()

	for _, stage := range []workflow.Stage{workflow.StageSupervisor, workflow.StageChief} {
		_, err := e.Approve(ctx, id, workflow.Action{Stage: stage, Status: workflow.StatusApproved, ConfirmedName: "確認者"})
		require.NoError(t, err)
	}

	_, err := e.Approve(ctx, id, workflow.Action{
		Stage:                  workflow.StageManager,
		Status:                 workflow.StatusApproved,
		ConfirmedName:          "部門長A",
		Mindset:                intp(5),
		Idea:                   intp(4),
		Hint:                   intp(3),
		ProposalClassification: "effort",
		SDGsFlag:               boolp(true),
		SafetyFlag:             boolp(false),
	})
	require.NoError(t, err)

	p, err := e.Approve(ctx, id, workflow.Action{
		Stage:                   workflow.StageCommittee,
		Status:                  workflow.StatusApproved,
		CommitteeClassification: class,
		Term:                    intp(term),
		Quarter:                 intp(quarter),
	})
	require.NoError(t, err)
	return p
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestStore_ProposalRoundTrip(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	created, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)

	got, err := store.GetProposal(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "20231015-001", got.ManagementNo)
	assert.True(t, got.SubmittedAt.Equal(clock))
	assert.Equal(t, "製造部", got.Department)
	assert.Equal(t, "山田太郎", got.ProposerName)
	assert.True(t, got.ReductionHours.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, got.EffectAmount.Equal(decimal.NewFromInt(4250)))
	require.NotNil(t, got.Term)
	assert.Equal(t, 50, *got.Term)
	require.NotNil(t, got.Quarter)
	assert.Equal(t, 1, *got.Quarter)
	assert.Nil(t, got.SerialNumber)
	assert.Nil(t, got.ClassificationPoints)
	assert.Nil(t, got.Scores)

	require.Len(t, got.Approvals, 4)
	for i, a := range got.Approvals {
		assert.Equal(t, workflow.Stages[i], a.Stage)
		assert.Equal(t, workflow.StatusPending, a.Status)
		assert.Nil(t, a.ConfirmedAt)
	}

	require.Len(t, got.Contributors, 2)
	assert.Equal(t, "E001", got.Contributors[0].EmployeeID)
	assert.True(t, got.Contributors[0].IsPrimary)
	assert.True(t, got.Contributors[0].SharePercent.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, "E002", got.Contributors[1].EmployeeID)
	assert.Nil(t, got.Contributors[1].PointsShare)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.GetProposal(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = store.GetProposalByManagementNo(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStore_FullWorkflow(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	created, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)

	approveAll(t, e, created.ID, "idea", 50, 1)

	got, err := store.GetProposal(ctx, created.ID)
	require.NoError(t, err)

	assert.True(t, got.IsCompleted())
	assert.Equal(t, rewards.ClassEffort, got.ProposalClassification)
	assert.Equal(t, rewards.ClassIdea, got.CommitteeClassification)
	require.NotNil(t, got.ClassificationPoints)
	assert.Equal(t, 4, *got.ClassificationPoints)
	require.NotNil(t, got.SerialNumber)
	assert.Equal(t, 1, *got.SerialNumber)
	require.NotNil(t, got.Scores)
	assert.Equal(t, workflow.Scores{Mindset: 5, Idea: 4, Hint: 3}, *got.Scores)

	manager := got.Approval(workflow.StageManager)
	require.NotNil(t, manager.ConfirmedAt)
	assert.True(t, manager.ConfirmedAt.Equal(clock))
	require.NotNil(t, manager.SDGsFlag)
	assert.True(t, *manager.SDGsFlag)
	require.NotNil(t, manager.SafetyFlag)
	assert.False(t, *manager.SafetyFlag)
	assert.Nil(t, got.Approval(workflow.StageCommittee).Scores)

	var points, reward decimal.Decimal
	for _, c := range got.Contributors {
		require.NotNil(t, c.PointsShare)
		require.NotNil(t, c.RewardAmount)
		points = points.Add(*c.PointsShare)
		reward = reward.Add(*c.RewardAmount)
	}
	assert.True(t, points.Equal(decimal.NewFromInt(4)), "points sum %s", points)
	assert.True(t, reward.Equal(decimal.NewFromInt(1200)), "reward sum %s", reward)

	audit, err := store.ListAudit(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, audit, 5)
	assert.Equal(t, workflow.AuditProposalCreated, audit[0].Action)
	assert.Equal(t, workflow.AuditStageDecided, audit[4].Action)
	assert.Equal(t, workflow.StageCommittee, audit[4].Stage)
	assert.EqualValues(t, 1, audit[4].Payload["serial_number"])
}

// =============================================================================
// CONSTRAINTS
// =============================================================================

func TestStore_DuplicateSerialIsConflict(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	first, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)
	second, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)

	approveAll(t, e, first.ID, "idea", 50, 1)

	p, err := store.GetProposal(ctx, second.ID)
	require.NoError(t, err)
	p.SerialNumber = intp(1)

	err = store.UpdateProposal(ctx, p)
	assert.True(t, errors.Is(err, workflow.ErrConcurrencyConflict), "got %v", err)
}

func TestStore_DuplicateManagementNoIsConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	in := proposalInput()
	in.ManagementNo = "X-1"
	_, err := e.CreateProposal(ctx, in)
	require.NoError(t, err)

	_, err = e.CreateProposal(ctx, in)
	assert.True(t, errors.Is(err, workflow.ErrConcurrencyConflict), "got %v", err)
}

func TestStore_SaveApprovalUnknownStage(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	p, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)

	err = store.SaveApproval(ctx, workflow.Approval{ProposalID: p.ID, Stage: "ceo", Status: workflow.StatusApproved})
	var stageErr *workflow.InvalidStageError
	assert.True(t, errors.As(err, &stageErr))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	p, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(st workflow.Store) error {
		locked, err := st.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		locked.Department = "変更後"
		require.NoError(t, st.UpdateProposal(ctx, locked))
		require.NoError(t, st.ReplaceContributors(ctx, p.ID, nil))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "製造部", got.Department)
	assert.Len(t, got.Contributors, 2)
}

func TestStore_ConcurrentCommitteeApprovals(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	for i := range ids {
		p, err := e.CreateProposal(ctx, proposalInput())
		require.NoError(t, err)
		ids[i] = p.ID
		for _, stage := range []workflow.Stage{workflow.StageSupervisor, workflow.StageChief, workflow.StageManager} {
			a := workflow.Action{Stage: stage, Status: workflow.StatusApproved}
			if stage == workflow.StageManager {
				a.Mindset, a.Idea, a.Hint = intp(3), intp(3), intp(3)
				a.ProposalClassification = "effort"
				a.SDGsFlag, a.SafetyFlag = boolp(false), boolp(false)
			}
			_, err := e.Approve(ctx, p.ID, a)
			require.NoError(t, err)
		}
	}

	serials := make([]int, n)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			p, err := e.Approve(ctx, id, workflow.Action{
				Stage:                   workflow.StageCommittee,
				Status:                  workflow.StatusApproved,
				CommitteeClassification: "effort",
				Term:                    intp(50),
				Quarter:                 intp(1),
			})
			if assert.NoError(t, err) {
				serials[i] = *p.SerialNumber
			}
		}(i, id)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, s := range serials {
		assert.False(t, seen[s], "serial %d assigned twice", s)
		seen[s] = true
	}
	for s := 1; s <= n; s++ {
		assert.True(t, seen[s], "serial %d missing", s)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func TestStore_ListProposalsFilters(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	older := proposalInput()
	older.SubmittedAt = time.Date(2023, time.September, 30, 12, 0, 0, 0, time.UTC)
	older.Department = "品質保証部"
	older.DeploymentItem = "検査表の電子化"
	a, err := e.CreateProposal(ctx, older)
	require.NoError(t, err)

	b, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)
	approveAll(t, e, b.ID, "effort", 50, 1)

	all, err := store.ListProposals(ctx, workflow.ProposalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest submission first")

	list, err := e.ListProposals(ctx, workflow.ListQuery{Term: intp(50)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	list, err = e.ListProposals(ctx, workflow.ListQuery{Term: intp(49)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	done := true
	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Completed: &done})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Stage: workflow.StageManager, Status: workflow.StatusPending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Keyword: "電子化"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Keyword: "100%"})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Department: "品質保証部", Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_LastManagementNoAndMaxSerial(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	last, err := store.LastManagementNo(ctx, "20231015-")
	require.NoError(t, err)
	assert.Equal(t, "", last)

	for i := 0; i < 3; i++ {
		_, err := e.CreateProposal(ctx, proposalInput())
		require.NoError(t, err)
	}

	last, err = store.LastManagementNo(ctx, "20231015-")
	require.NoError(t, err)
	assert.Equal(t, "20231015-003", last)

	max, err := store.MaxSerialNumber(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, max)

	_, err = e.ImportHistorical(ctx, workflow.HistoricalRecord{
		Term: 50, Serial: intp(12), ProposerName: "鈴木一郎", Classification: "優秀",
	})
	require.NoError(t, err)

	max, err = store.MaxSerialNumber(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 12, max)
}

func TestStore_ImportDuplicate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	rec := workflow.HistoricalRecord{Term: 49, Serial: intp(3), ProposerName: "鈴木一郎", Classification: "アイデア"}
	_, err := e.ImportHistorical(ctx, rec)
	require.NoError(t, err)

	_, err = e.ImportHistorical(ctx, rec)
	assert.ErrorIs(t, err, workflow.ErrDuplicateProposal)
}

func TestStore_ImportSerialAlreadyHeld(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ImportHistorical(ctx, workflow.HistoricalRecord{Term: 50, Serial: intp(7), Row: 1, ProposerName: "一行目"})
	require.NoError(t, err)

	held, err := store.GetProposalBySerial(ctx, 50, 7)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "IMP-50-0007-001", held.ManagementNo)

	none, err := store.GetProposalBySerial(ctx, 51, 7)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Retrying doesn't help: the clash is reported as bad input, not a race.
	for attempt := 0; attempt < 2; attempt++ {
		_, err = e.ImportHistorical(ctx, workflow.HistoricalRecord{Term: 50, Serial: intp(7), Row: 2, ProposerName: "二行目"})
		var verr *workflow.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "serial", verr.Field)
		assert.Equal(t, workflow.CodeDuplicate, verr.Code)
		assert.False(t, workflow.IsRetryable(err))
	}
}

func TestStore_ManagementNoPastNineHundredNinetyNine(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	for _, no := range []string{"20231015-999", "20231015-1000"} {
		in := proposalInput()
		in.ManagementNo = no
		_, err := e.CreateProposal(ctx, in)
		require.NoError(t, err)
	}

	last, err := store.LastManagementNo(ctx, "20231015-")
	require.NoError(t, err)
	assert.Equal(t, "20231015-1000", last)

	p, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)
	assert.Equal(t, "20231015-1001", p.ManagementNo)
}

func TestStore_KeywordIgnoresASCIICase(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	in := proposalInput()
	in.DeploymentItem = "QC Circle の定着"
	p, err := e.CreateProposal(ctx, in)
	require.NoError(t, err)

	list, err := store.ListProposals(ctx, workflow.ProposalFilter{Keyword: "qc circle"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}
