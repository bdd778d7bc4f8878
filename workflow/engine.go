/*
engine.go - The approval state machine

PURPOSE:
  Creates proposals, replaces their contributor sets and applies stage
  decisions. Every mutating call runs in one TxStore.WithTx so the approval
  record, header, contributor allocations, serial number and audit entry
  are written together or not at all.

STAGE DECISIONS (Approve):
  1. Validate the action without touching state
  2. Load the proposal inside the transaction
  3. Enforce stage order when configured
  4. Overwrite the stage record (scores/flags kept only at manager)
  5. On APPROVED:
       manager   -> classification, header scores/flags, points, rewards
       committee -> committee classification, term/quarter, points, rewards,
                    serial number
  6. Append audit entry, commit, notify

STAGE ORDER POLICY:
  Config.StrictStageOrder=true: a stage may only become APPROVED when all
  earlier stages are APPROVED. Rejecting or holding is never blocked.
  false: any stage may be decided at any time.

SEE ALSO:
  - validate.go: input rules
  - rewards/: points, shares and distribution
  - fiscal/: term and quarter defaults
*/
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/fiscal"
	"github.com/warp/kaizen-engine/rewards"
)

// Config is the engine's business configuration.
type Config struct {
	Calendar         fiscal.Calendar
	Rates            rewards.Rates
	Points           rewards.PointTable
	StrictStageOrder bool
}

// DefaultConfig returns October/1973, 1700 per hour, 300 per point, the
// standard point table and strict stage ordering.
func DefaultConfig() Config {
	return Config{
		Calendar:         fiscal.Default(),
		Rates:            rewards.DefaultRates(),
		Points:           rewards.DefaultPointTable(),
		StrictStageOrder: true,
	}
}

// Engine applies workflow operations to a store.
type Engine struct {
	store    TxStore
	cfg      Config
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier sets the stage event receiver.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Without options it logs nowhere and does
// not notify.
func NewEngine(store TxStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		notifier: nopNotifier{},
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// READS
// =============================================================================

// GetProposal returns a proposal or ErrProposalNotFound.
func (e *Engine) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	p, err := e.store.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return p, nil
}

// ListProposals resolves the query against the fiscal calendar and lists.
func (e *Engine) ListProposals(ctx context.Context, q ListQuery) ([]Proposal, error) {
	filter, err := e.filterFor(q)
	if err != nil {
		return nil, err
	}
	return e.store.ListProposals(ctx, filter)
}

func (e *Engine) filterFor(q ListQuery) (ProposalFilter, error) {
	f := ProposalFilter{
		Completed:  q.Completed,
		Keyword:    q.Keyword,
		Department: q.Department,
		Limit:      q.Limit,
	}
	if q.Term != nil {
		period := e.cfg.Calendar.TermRange(*q.Term)
		from, until := period.Start, period.Until()
		f.SubmittedFrom, f.SubmittedUntil = &from, &until
	}
	if q.Stage != "" || q.Status != "" {
		if !q.Stage.IsValid() {
			return f, invalid("stage", CodeInvalidValue, "unknown stage %q", q.Stage)
		}
		if !q.Status.IsValid() {
			return f, invalid("status", CodeInvalidValue, "unknown status %q", q.Status)
		}
		f.Stage, f.Status = q.Stage, q.Status
	}
	return f, nil
}

// Audit returns the audit trail of a proposal, oldest first.
func (e *Engine) Audit(ctx context.Context, proposalID string) ([]AuditEntry, error) {
	if _, err := e.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, proposalID)
}

// =============================================================================
// CREATE / UPDATE
// =============================================================================

// CreateProposal stores a new proposal with all four stages pending.
func (e *Engine) CreateProposal(ctx context.Context, in ProposalInput) (*Proposal, error) {
	contributors, err := e.buildContributors(in.Contributors)
	if err != nil {
		return nil, err
	}
	if err := validateQuarter(in.Quarter); err != nil {
		return nil, err
	}
	if err := validateAmounts(in.ReductionHours, in.EffectAmount); err != nil {
		return nil, err
	}

	now := e.now()
	submitted := in.SubmittedAt
	if submitted.IsZero() {
		submitted = now
	}

	p := &Proposal{
		ID:                   e.newID(),
		ManagementNo:         in.ManagementNo,
		SubmittedAt:          submitted,
		Department:           in.Department,
		DeploymentItem:       in.DeploymentItem,
		ProblemSummary:       in.ProblemSummary,
		ImprovementPlan:      in.ImprovementPlan,
		ImprovementResult:    in.ImprovementResult,
		Comment:              in.Comment,
		ContributionBusiness: in.ContributionBusiness,
		ReductionHours:       in.ReductionHours,
		EffectAmount:         in.EffectAmount,
		Term:                 in.Term,
		Quarter:              in.Quarter,
		BeforeImagePath:      in.BeforeImagePath,
		AfterImagePath:       in.AfterImagePath,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	e.defaultEffectAmount(p, in.EffectAmount == nil)
	if p.Term == nil {
		term := e.cfg.Calendar.Term(submitted)
		p.Term = &term
	}
	if p.Quarter == nil {
		quarter := e.cfg.Calendar.Quarter(submitted)
		p.Quarter = &quarter
	}
	for _, stage := range Stages {
		p.Approvals = append(p.Approvals, Approval{
			ID:         e.newID(),
			ProposalID: p.ID,
			Stage:      stage,
			Status:     StatusPending,
		})
	}
	e.attachContributors(p, contributors)

	err = e.store.WithTx(ctx, func(st Store) error {
		if p.ManagementNo == "" {
			no, err := NextManagementNo(ctx, st, e.localDay(now))
			if err != nil {
				return err
			}
			p.ManagementNo = no
		}
		if err := st.InsertProposal(ctx, p); err != nil {
			return err
		}
		return e.audit(ctx, st, p.ID, AuditProposalCreated, "", "", in.ActorID, in.ActorName, map[string]any{
			"management_no": p.ManagementNo,
			"contributors":  len(p.Contributors),
		})
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("proposal_id", p.ID).
		Str("management_no", p.ManagementNo).
		Int("contributors", len(p.Contributors)).
		Msg("proposal created")
	return p, nil
}

// UpdateProposal edits details and optionally replaces contributors.
// Changing reduction hours without an explicit effect amount re-derives it.
func (e *Engine) UpdateProposal(ctx context.Context, id string, ch ProposalChanges) (*Proposal, error) {
	var contributors []Contributor
	if ch.Contributors != nil {
		var err error
		if contributors, err = e.buildContributors(ch.Contributors); err != nil {
			return nil, err
		}
	}
	if err := validateAmounts(ch.ReductionHours, ch.EffectAmount); err != nil {
		return nil, err
	}

	var updated *Proposal
	err := e.store.WithTx(ctx, func(st Store) error {
		p, err := e.load(ctx, st, id)
		if err != nil {
			return err
		}

		setString(&p.Department, ch.Department)
		setString(&p.DeploymentItem, ch.DeploymentItem)
		setString(&p.ProblemSummary, ch.ProblemSummary)
		setString(&p.ImprovementPlan, ch.ImprovementPlan)
		setString(&p.ImprovementResult, ch.ImprovementResult)
		setString(&p.Comment, ch.Comment)
		setString(&p.ContributionBusiness, ch.ContributionBusiness)
		setString(&p.BeforeImagePath, ch.BeforeImagePath)
		setString(&p.AfterImagePath, ch.AfterImagePath)
		if ch.ReductionHours != nil {
			p.ReductionHours = ch.ReductionHours
		}
		if ch.EffectAmount != nil {
			p.EffectAmount = ch.EffectAmount
		}
		e.defaultEffectAmount(p, ch.EffectAmount == nil && ch.ReductionHours != nil)

		if ch.Contributors != nil {
			if err := e.replaceContributors(ctx, st, p, contributors); err != nil {
				return err
			}
		}

		p.UpdatedAt = e.now()
		if err := st.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("failed to update proposal: %w", err)
		}
		updated = p
		return e.audit(ctx, st, p.ID, AuditProposalUpdated, "", "", ch.ActorID, ch.ActorName, nil)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetContributors replaces the contributor set. If the proposal already
// carries points they are redistributed over the new set.
func (e *Engine) SetContributors(ctx context.Context, id string, inputs []ContributorInput, actorID, actorName string) (*Proposal, error) {
	contributors, err := e.buildContributors(inputs)
	if err != nil {
		return nil, err
	}

	var updated *Proposal
	err = e.store.WithTx(ctx, func(st Store) error {
		p, err := e.load(ctx, st, id)
		if err != nil {
			return err
		}
		if err := e.replaceContributors(ctx, st, p, contributors); err != nil {
			return err
		}
		p.UpdatedAt = e.now()
		if err := st.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("failed to update proposal: %w", err)
		}
		updated = p
		return e.audit(ctx, st, p.ID, AuditContributorsReplace, "", "", actorID, actorName, map[string]any{
			"contributors": len(contributors),
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) replaceContributors(ctx context.Context, st Store, p *Proposal, cs []Contributor) error {
	e.attachContributors(p, cs)
	e.distribute(p)
	if err := st.ReplaceContributors(ctx, p.ID, p.Contributors); err != nil {
		return fmt.Errorf("failed to replace contributors: %w", err)
	}
	return nil
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve applies one stage decision.
func (e *Engine) Approve(ctx context.Context, proposalID string, a Action) (*Proposal, error) {
	d, err := e.validateAction(a)
	if err != nil {
		return nil, err
	}

	var (
		updated *Proposal
		event   StageEvent
	)
	err = e.store.WithTx(ctx, func(st Store) error {
		p, err := e.load(ctx, st, proposalID)
		if err != nil {
			return err
		}
		approval := p.Approval(a.Stage)
		if approval == nil {
			return &InvalidStageError{ProposalID: p.ID, Stage: a.Stage}
		}
		if e.cfg.StrictStageOrder && a.Status == StatusApproved {
			if blocking, ok := p.blockingStage(a.Stage); ok {
				return invalid("stage", CodeStageOrder, "%s must be approved before %s", blocking, a.Stage)
			}
		}

		now := e.now()
		approval.Status = a.Status
		approval.Comment = a.Comment
		approval.ConfirmedName = a.ConfirmedName
		approval.ConfirmedBy = a.ActorID
		approval.ConfirmedAt = &now
		approval.Scores, approval.SDGsFlag, approval.SafetyFlag = nil, nil, nil
		if a.Stage == StageManager {
			approval.Scores = d.scores
			approval.SDGsFlag, approval.SafetyFlag = a.SDGsFlag, a.SafetyFlag
		}
		if err := st.SaveApproval(ctx, *approval); err != nil {
			return fmt.Errorf("failed to save approval: %w", err)
		}

		if a.Status == StatusApproved {
			switch a.Stage {
			case StageManager:
				e.applyManagerApproval(p, a, d)
			case StageCommittee:
				if err := e.applyCommitteeApproval(ctx, st, p, a, d); err != nil {
					return err
				}
			}
			if a.Stage == StageManager || a.Stage == StageCommittee {
				if err := st.ReplaceContributors(ctx, p.ID, p.Contributors); err != nil {
					return fmt.Errorf("failed to store reward allocations: %w", err)
				}
			}
		}

		p.UpdatedAt = now
		if err := st.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("failed to update proposal: %w", err)
		}

		payload := map[string]any{"comment": a.Comment}
		if p.ClassificationPoints != nil {
			payload["classification_points"] = *p.ClassificationPoints
		}
		if a.Stage == StageCommittee && p.SerialNumber != nil {
			payload["serial_number"] = *p.SerialNumber
		}
		if err := e.audit(ctx, st, p.ID, AuditStageDecided, a.Stage, a.Status, a.ActorID, a.ConfirmedName, payload); err != nil {
			return err
		}

		next, pending := p.CurrentStage()
		event = StageEvent{
			ProposalID:   p.ID,
			ManagementNo: p.ManagementNo,
			Stage:        a.Stage,
			Status:       a.Status,
			NextStage:    next,
			Completed:    !pending && p.IsCompleted(),
			ActorID:      a.ActorID,
			ActorName:    a.ConfirmedName,
			At:           now,
		}
		updated = p
		return nil
	})
	if err != nil {
		e.log.Warn().Err(err).
			Str("proposal_id", proposalID).
			Str("stage", string(a.Stage)).
			Str("status", string(a.Status)).
			Msg("approval rejected")
		return nil, err
	}

	ev := e.log.Info().
		Str("proposal_id", updated.ID).
		Str("stage", string(a.Stage)).
		Str("status", string(a.Status))
	if updated.ClassificationPoints != nil {
		ev = ev.Int("classification_points", *updated.ClassificationPoints)
	}
	if updated.SerialNumber != nil && a.Stage == StageCommittee {
		ev = ev.Int("term", *updated.Term).Int("serial_number", *updated.SerialNumber)
	}
	ev.Msg("stage decided")

	if err := e.notifier.StageDecided(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("proposal_id", updated.ID).Msg("failed to publish stage event")
	}
	return updated, nil
}

func (e *Engine) applyManagerApproval(p *Proposal, a Action, d decision) {
	p.ProposalClassification = d.proposalClass
	scores := *d.scores
	p.Scores = &scores
	p.SDGsFlag = *a.SDGsFlag
	p.SafetyFlag = *a.SafetyFlag
	e.distribute(p)
}

func (e *Engine) applyCommitteeApproval(ctx context.Context, st Store, p *Proposal, a Action, d decision) error {
	term := *a.Term
	if p.SerialNumber == nil || p.Term == nil || *p.Term != term {
		serial, err := AssignSerial(ctx, st, term)
		if err != nil {
			return err
		}
		p.SerialNumber = &serial
	}
	quarter := *a.Quarter
	p.Term = &term
	p.Quarter = &quarter
	p.CommitteeClassification = d.committeeClass
	e.distribute(p)
	return nil
}

// distribute recomputes points from the effective classification and
// splits them across the current contributors. Unclassified proposals
// leave contributors untouched.
func (e *Engine) distribute(p *Proposal) {
	p.ClassificationPoints = nil
	if points, ok := e.cfg.Points.Points(p.EffectiveClassification()); ok {
		p.ClassificationPoints = &points
	}
	for i, alloc := range e.cfg.Rates.Distribute(p.ClassificationPoints, len(p.Contributors)) {
		pts, rew := alloc.Points, alloc.Reward
		p.Contributors[i].PointsShare = &pts
		p.Contributors[i].RewardAmount = &rew
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) load(ctx context.Context, st Store, id string) (*Proposal, error) {
	p, err := st.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return p, nil
}

// buildContributors validates inputs and allocates shares. Without an
// explicit primary the first contributor becomes primary.
func (e *Engine) buildContributors(inputs []ContributorInput) ([]Contributor, error) {
	if len(inputs) == 0 {
		return nil, invalid("contributors", CodeRequired, "at least one contributor is required")
	}

	seen := make(map[string]bool, len(inputs))
	primaries := 0
	declared := make([]*decimal.Decimal, len(inputs))
	for i, in := range inputs {
		if in.EmployeeID == "" && in.EmployeeName == "" {
			return nil, invalid(fmt.Sprintf("contributors[%d]", i), CodeRequired, "employee id or name is required")
		}
		key := in.EmployeeID
		if key == "" {
			key = "name:" + in.EmployeeName
		}
		if seen[key] {
			return nil, invalid(fmt.Sprintf("contributors[%d]", i), CodeDuplicate, "contributor listed twice")
		}
		seen[key] = true
		if in.IsPrimary {
			primaries++
		}
		declared[i] = in.Share
	}
	if primaries > 1 {
		return nil, invalid("contributors", CodeMultiplePrimary, "exactly one contributor must be primary, got %d", primaries)
	}

	shares, err := rewards.AllocateShares(declared)
	if err != nil {
		return nil, invalid("contributors.share", CodeOutOfRange, "%v", err)
	}

	out := make([]Contributor, len(inputs))
	for i, in := range inputs {
		out[i] = Contributor{
			ID:           e.newID(),
			EmployeeID:   in.EmployeeID,
			EmployeeName: in.EmployeeName,
			IsPrimary:    in.IsPrimary || (primaries == 0 && i == 0),
			Position:     i,
			SharePercent: shares[i],
		}
	}
	return out, nil
}

func (e *Engine) attachContributors(p *Proposal, cs []Contributor) {
	for i := range cs {
		cs[i].ProposalID = p.ID
	}
	p.Contributors = cs
	if primary := p.Primary(); primary != nil {
		p.ProposerID = primary.EmployeeID
		p.ProposerName = primary.EmployeeName
	}
}

func (e *Engine) defaultEffectAmount(p *Proposal, derive bool) {
	if derive && p.ReductionHours != nil {
		amount := e.cfg.Rates.EffectAmount(*p.ReductionHours)
		p.EffectAmount = &amount
	}
}

func (e *Engine) localDay(t time.Time) time.Time {
	if e.cfg.Calendar.Location != nil {
		return t.In(e.cfg.Calendar.Location)
	}
	return t
}

func (e *Engine) audit(ctx context.Context, st Store, proposalID string, action AuditAction, stage Stage, status Status, actorID, actorName string, payload map[string]any) error {
	err := st.AppendAudit(ctx, AuditEntry{
		ID:         e.newID(),
		ProposalID: proposalID,
		Action:     action,
		Stage:      stage,
		Status:     status,
		ActorID:    actorID,
		ActorName:  actorName,
		At:         e.now(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
