package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kaizen-engine/workflow"
	"github.com/warp/kaizen-engine/workflow/memstore"
)

func TestAssignSerial_EmptyTermStartsAtOne(t *testing.T) {
	serial, err := workflow.AssignSerial(context.Background(), memstore.NewMemory(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, serial)
}

func TestNextManagementNo(t *testing.T) {
	store := memstore.NewMemory()
	ctx := context.Background()
	day := time.Date(2024, time.February, 3, 8, 0, 0, 0, time.UTC)

	no, err := workflow.NextManagementNo(ctx, store, day)
	require.NoError(t, err)
	assert.Equal(t, "20240203-001", no)

	require.NoError(t, store.InsertProposal(ctx, &workflow.Proposal{ID: "a", ManagementNo: "20240203-009"}))
	require.NoError(t, store.InsertProposal(ctx, &workflow.Proposal{ID: "b", ManagementNo: "20240204-050"}))

	no, err = workflow.NextManagementNo(ctx, store, day)
	require.NoError(t, err)
	assert.Equal(t, "20240203-010", no)
}

func TestNextManagementNo_PastNineHundredNinetyNine(t *testing.T) {
	store := memstore.NewMemory()
	ctx := context.Background()
	day := time.Date(2023, time.October, 15, 9, 30, 0, 0, time.UTC)

	// GIVEN the 999th and 1000th numbers of a day
	require.NoError(t, store.InsertProposal(ctx, &workflow.Proposal{ID: "a", ManagementNo: "20231015-999"}))
	require.NoError(t, store.InsertProposal(ctx, &workflow.Proposal{ID: "b", ManagementNo: "20231015-1000"}))

	// THEN the next one follows 1000, not 999
	no, err := workflow.NextManagementNo(ctx, store, day)
	require.NoError(t, err)
	assert.Equal(t, "20231015-1001", no)
}

func TestManagementNoAfter(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"20231015-1000", "20231015-999", true},
		{"20231015-999", "20231015-1000", false},
		{"20231015-010", "20231015-009", true},
		{"20231015-001", "", true},
		{"20231015-001", "20231015-001", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, workflow.ManagementNoAfter(tt.a, tt.b), "%q after %q", tt.a, tt.b)
	}
}

func TestImportManagementNo(t *testing.T) {
	serial := 7
	assert.Equal(t, "IMP-50-0007-001", workflow.ImportManagementNo(50, &serial, 1))
	assert.Equal(t, "IMP-50-0012-012", workflow.ImportManagementNo(50, nil, 12))
}
