package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/workflow"
)

// Set KAIZEN_TEST_DATABASE_URL to a disposable database to run these.
// The tables are truncated before every test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("KAIZEN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KAIZEN_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx, "TRUNCATE audit_log, contributors, approvals, proposals CASCADE")
	require.NoError(t, err)
	return store
}

var clock = time.Date(2023, time.October, 15, 9, 30, 0, 0, time.UTC)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newEngine(store *Store) *workflow.Engine {
	return workflow.NewEngine(store, workflow.DefaultConfig(), workflow.WithClock(func() time.Time { return clock }))
}

func proposalInput() workflow.ProposalInput {
	return workflow.ProposalInput{
		Department:     "製造部",
		DeploymentItem: "治具の共通化",
		ReductionHours: decp("10"),
		Contributors: []workflow.ContributorInput{
			{EmployeeID: "E001", EmployeeName: "山田太郎", IsPrimary: true, Share: decp("70")},
			{EmployeeID: "E002", EmployeeName: "佐藤花子", Share: decp("30")},
		},
	}
}

func approveThroughManager(t *testing.T, e *workflow.Engine, id string) {
	t.Helper()
	ctx := context.Background()
	for _, stage := range []workflow.Stage{workflow.StageSupervisor, workflow.StageChief} {
		_, err := e.Approve(ctx, id, workflow.Action{Stage: stage, Status: workflow.StatusApproved})
		require.NoError(t, err)
	}
	_, err := e.Approve(ctx, id, workflow.Action{
		Stage:                  workflow.StageManager,
		Status:                 workflow.StatusApproved,
		Mindset:                intp(5),
		Idea:                   intp(4),
		Hint:                   intp(3),
		ProposalClassification: "excellent",
		SDGsFlag:               boolp(true),
		SafetyFlag:             boolp(false),
	})
	require.NoError(t, err)
}

func TestPostgres_EndToEnd(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()

	p, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)
	assert.True(t, p.EffectAmount.Equal(decimal.NewFromInt(17000)))

	approveThroughManager(t, e, p.ID)

	got, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClassificationPoints)
	assert.Equal(t, 8, *got.ClassificationPoints)
	for _, c := range got.Contributors {
		require.NotNil(t, c.RewardAmount)
		assert.True(t, c.RewardAmount.Equal(decimal.NewFromInt(1200)), "reward %s", c.RewardAmount)
	}

	done, err := e.Approve(ctx, p.ID, workflow.Action{
		Stage:                   workflow.StageCommittee,
		Status:                  workflow.StatusApproved,
		CommitteeClassification: "idea",
		Term:                    intp(50),
		Quarter:                 intp(1),
	})
	require.NoError(t, err)
	require.NotNil(t, done.SerialNumber)
	assert.Equal(t, 1, *done.SerialNumber)

	audit, err := store.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 5)
}

func TestPostgres_DuplicateManagementNo(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()

	in := proposalInput()
	in.ManagementNo = "X-1"
	_, err := e.CreateProposal(ctx, in)
	require.NoError(t, err)

	_, err = e.CreateProposal(ctx, in)
	assert.True(t, errors.Is(err, workflow.ErrConcurrencyConflict), "got %v", err)
}

func TestPostgres_ConcurrentSerials(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		p, err := e.CreateProposal(ctx, proposalInput())
		require.NoError(t, err)
		approveThroughManager(t, e, p.ID)
		ids[i] = p.ID
	}

	serials := make(chan int, n)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := e.Approve(ctx, id, workflow.Action{
				Stage:                   workflow.StageCommittee,
				Status:                  workflow.StatusApproved,
				CommitteeClassification: "effort",
				Term:                    intp(50),
				Quarter:                 intp(2),
			})
			if assert.NoError(t, err) {
				serials <- *p.SerialNumber
			}
		}(id)
	}
	wg.Wait()
	close(serials)

	seen := make(map[int]bool)
	for s := range serials {
		assert.False(t, seen[s], "serial %d assigned twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestPostgres_ListFilters(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()

	in := proposalInput()
	in.DeploymentItem = "検査表の電子化"
	a, err := e.CreateProposal(ctx, in)
	require.NoError(t, err)
	b, err := e.CreateProposal(ctx, proposalInput())
	require.NoError(t, err)
	approveThroughManager(t, e, b.ID)

	list, err := store.ListProposals(ctx, workflow.ProposalFilter{Keyword: "電子化"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Stage: workflow.StageManager, Status: workflow.StatusApproved})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	notDone := false
	list, err = store.ListProposals(ctx, workflow.ProposalFilter{Completed: &notDone})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
