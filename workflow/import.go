package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
)

// ImportConfirmedName marks approvals created by historical import.
const ImportConfirmedName = "過去実績取込"

// HistoricalRecord is one already-finalized proposal from the legacy
// records. Column mapping from the source file is the caller's concern.
type HistoricalRecord struct {
	Term    int
	Serial  *int
	Row     int
	Quarter *int

	SubmittedAt time.Time

	Department           string
	ProposerID           string
	ProposerName         string
	DeploymentItem       string
	ProblemSummary       string
	ImprovementPlan      string
	ImprovementResult    string
	ContributionBusiness string

	ReductionHours *decimal.Decimal
	EffectAmount   *decimal.Decimal

	// Classification is resolved with the live point table. Unknown
	// labels leave the proposal unclassified.
	Classification string

	Mindset *int
	Idea    *int
	Hint    *int

	SDGsFlag   bool
	SafetyFlag bool

	// Empty means the proposer alone.
	Contributors []ContributorInput
}

// ImportHistorical stores a finalized proposal: all four stages approved,
// scores and flags on the manager record, points and rewards distributed.
func (e *Engine) ImportHistorical(ctx context.Context, rec HistoricalRecord) (*Proposal, error) {
	if err := validateQuarter(rec.Quarter); err != nil {
		return nil, err
	}
	if err := validateAmounts(rec.ReductionHours, rec.EffectAmount); err != nil {
		return nil, err
	}

	inputs := rec.Contributors
	if len(inputs) == 0 {
		inputs = []ContributorInput{{EmployeeID: rec.ProposerID, EmployeeName: rec.ProposerName, IsPrimary: true}}
	}
	contributors, err := e.buildContributors(inputs)
	if err != nil {
		return nil, err
	}

	// Legacy rows with partial scores are kept unscored.
	var scores *Scores
	if rec.Mindset != nil && rec.Idea != nil && rec.Hint != nil {
		scores = &Scores{Mindset: *rec.Mindset, Idea: *rec.Idea, Hint: *rec.Hint}
		for _, v := range []int{scores.Mindset, scores.Idea, scores.Hint} {
			if v < 1 || v > 5 {
				return nil, invalid("scores", CodeOutOfRange, "score must be between 1 and 5, got %d", v)
			}
		}
	}
	class, _ := rewards.ParseClassification(rec.Classification)

	now := e.now()
	submitted := rec.SubmittedAt
	if submitted.IsZero() {
		submitted = e.cfg.Calendar.TermRange(rec.Term).Start
	}
	term := rec.Term
	quarter := e.cfg.Calendar.Quarter(submitted)
	if rec.Quarter != nil {
		quarter = *rec.Quarter
	}

	p := &Proposal{
		ID:                      e.newID(),
		ManagementNo:            ImportManagementNo(rec.Term, rec.Serial, rec.Row),
		SubmittedAt:             submitted,
		Department:              rec.Department,
		DeploymentItem:          rec.DeploymentItem,
		ProblemSummary:          rec.ProblemSummary,
		ImprovementPlan:         rec.ImprovementPlan,
		ImprovementResult:       rec.ImprovementResult,
		ContributionBusiness:    rec.ContributionBusiness,
		ReductionHours:          rec.ReductionHours,
		EffectAmount:            rec.EffectAmount,
		ProposalClassification:  class,
		CommitteeClassification: class,
		Term:                    &term,
		Quarter:                 &quarter,
		SerialNumber:            rec.Serial,
		Scores:                  scores,
		SDGsFlag:                rec.SDGsFlag,
		SafetyFlag:              rec.SafetyFlag,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	e.defaultEffectAmount(p, rec.EffectAmount == nil)

	for _, stage := range Stages {
		a := Approval{
			ID:            e.newID(),
			ProposalID:    p.ID,
			Stage:         stage,
			Status:        StatusApproved,
			ConfirmedName: ImportConfirmedName,
			ConfirmedAt:   &now,
		}
		if stage == StageManager {
			sdgs, safety := rec.SDGsFlag, rec.SafetyFlag
			a.Scores, a.SDGsFlag, a.SafetyFlag = scores, &sdgs, &safety
		}
		p.Approvals = append(p.Approvals, a)
	}
	e.attachContributors(p, contributors)
	e.distribute(p)

	err = e.store.WithTx(ctx, func(st Store) error {
		existing, err := st.GetProposalByManagementNo(ctx, p.ManagementNo)
		if err != nil {
			return fmt.Errorf("failed to check management number: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateProposal, p.ManagementNo)
		}
		if rec.Serial != nil {
			holder, err := st.GetProposalBySerial(ctx, term, *rec.Serial)
			if err != nil {
				return fmt.Errorf("failed to check serial number: %w", err)
			}
			if holder != nil {
				return invalid("serial", CodeDuplicate, "serial %d of term %d is already held by %s",
					*rec.Serial, term, holder.ManagementNo)
			}
		}
		if err := st.InsertProposal(ctx, p); err != nil {
			return err
		}
		return e.audit(ctx, st, p.ID, AuditImported, "", "", "", ImportConfirmedName, map[string]any{
			"management_no":  p.ManagementNo,
			"classification": string(class),
		})
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("proposal_id", p.ID).
		Str("management_no", p.ManagementNo).
		Int("term", term).
		Msg("historical proposal imported")
	return p, nil
}
