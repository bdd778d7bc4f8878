/*
types.go - Proposal, approval and contributor records

PURPOSE:
  The data the approval workflow operates on. A proposal owns exactly one
  approval per stage and one or more contributors; stores persist the three
  together and the engine mutates them inside one transaction.

KEY CONCEPTS:
  Stage:     ordered checkpoint (supervisor < chief < manager < committee)
  Status:    per-stage decision, initially pending
  Effective classification: committee's if set, else the manager's
  Current stage: first stage still pending; none means completed

DESIGN PRINCIPLES:
  1. Approvals are created with the proposal and never deleted
  2. Contributors are replaced as a whole set, never diffed
  3. Numeric money/points fields are decimals, never floats

SEE ALSO:
  - engine.go: state transitions
  - store.go: persistence contract
*/
package workflow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
)

// =============================================================================
// STAGES AND STATUSES
// =============================================================================

// Stage is one of the four approval checkpoints.
type Stage string

const (
	StageSupervisor Stage = "supervisor"
	StageChief      Stage = "chief"
	StageManager    Stage = "manager"
	StageCommittee  Stage = "committee"
)

// Stages lists every stage in gating order. The order is load-bearing.
var Stages = []Stage{StageSupervisor, StageChief, StageManager, StageCommittee}

var stageLabels = map[Stage]string{
	StageSupervisor: "監督者",
	StageChief:      "係長",
	StageManager:    "部門長",
	StageCommittee:  "改善委員",
}

// Index returns the position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) IsValid() bool { return s.Index() >= 0 }
func (s Stage) Label() string { return stageLabels[s] }

// Status is a stage decision.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusHold     Status = "hold"
)

var statusLabels = map[Status]string{
	StatusPending:  "未確認",
	StatusApproved: "承認",
	StatusRejected: "差戻し",
	StatusHold:     "保留",
}

func (s Status) IsValid() bool { _, ok := statusLabels[s]; return ok }
func (s Status) Label() string { return statusLabels[s] }

// ParseStage and ParseStatus are case-insensitive.
func ParseStage(v string) Stage   { return Stage(strings.ToLower(strings.TrimSpace(v))) }
func ParseStatus(v string) Status { return Status(strings.ToLower(strings.TrimSpace(v))) }

// =============================================================================
// RECORDS
// =============================================================================

// Scores are the manager's 1-5 ratings.
type Scores struct {
	Mindset int
	Idea    int
	Hint    int
}

// Proposal is an improvement proposal with its approvals and contributors.
type Proposal struct {
	ID           string
	ManagementNo string
	SubmittedAt  time.Time

	// Department is the directory's name for the proposer's division.
	Department string

	DeploymentItem       string
	ProblemSummary       string
	ImprovementPlan      string
	ImprovementResult    string
	Comment              string
	ContributionBusiness string

	// Mirrors the primary contributor.
	ProposerID   string
	ProposerName string

	ReductionHours *decimal.Decimal // hours per month, 1 place
	EffectAmount   *decimal.Decimal // currency per month, whole units

	ProposalClassification  rewards.Classification
	CommitteeClassification rewards.Classification
	ClassificationPoints    *int

	Term         *int
	Quarter      *int
	SerialNumber *int

	Scores     *Scores
	SDGsFlag   bool
	SafetyFlag bool

	BeforeImagePath string
	AfterImagePath  string

	CreatedAt time.Time
	UpdatedAt time.Time

	Approvals    []Approval
	Contributors []Contributor
}

// EffectiveClassification is the committee's classification when present,
// otherwise the manager's.
func (p *Proposal) EffectiveClassification() rewards.Classification {
	if p.CommitteeClassification != "" {
		return p.CommitteeClassification
	}
	return p.ProposalClassification
}

// Approval returns the record for stage, or nil.
func (p *Proposal) Approval(stage Stage) *Approval {
	for i := range p.Approvals {
		if p.Approvals[i].Stage == stage {
			return &p.Approvals[i]
		}
	}
	return nil
}

// CurrentStage is the first stage still pending. ok is false once no
// stage is pending.
func (p *Proposal) CurrentStage() (Stage, bool) {
	for _, stage := range Stages {
		if a := p.Approval(stage); a != nil && a.Status == StatusPending {
			return stage, true
		}
	}
	return "", false
}

// IsCompleted reports whether every stage is approved.
func (p *Proposal) IsCompleted() bool {
	for _, stage := range Stages {
		a := p.Approval(stage)
		if a == nil || a.Status != StatusApproved {
			return false
		}
	}
	return true
}

// blockingStage returns the first stage before target that is not approved.
func (p *Proposal) blockingStage(target Stage) (Stage, bool) {
	for _, stage := range Stages[:target.Index()] {
		if a := p.Approval(stage); a == nil || a.Status != StatusApproved {
			return stage, true
		}
	}
	return "", false
}

// Primary returns the primary contributor, or nil.
func (p *Proposal) Primary() *Contributor {
	for i := range p.Contributors {
		if p.Contributors[i].IsPrimary {
			return &p.Contributors[i]
		}
	}
	return nil
}

// Approval is one stage's decision on a proposal.
type Approval struct {
	ID         string
	ProposalID string
	Stage      Stage
	Status     Status
	Comment    string

	ConfirmedName string
	ConfirmedBy   string
	ConfirmedAt   *time.Time

	// Manager stage only; nil everywhere else.
	Scores     *Scores
	SDGsFlag   *bool
	SafetyFlag *bool
}

// Contributor credits an employee with part of a proposal.
type Contributor struct {
	ID           string
	ProposalID   string
	EmployeeID   string
	EmployeeName string
	IsPrimary    bool
	Position     int

	SharePercent decimal.Decimal

	// Set by reward distribution; nil until the proposal has points.
	PointsShare  *decimal.Decimal
	RewardAmount *decimal.Decimal
}

// =============================================================================
// INPUTS
// =============================================================================

// ContributorInput is a contributor as supplied by a caller. Share is an
// optional weight, not necessarily a percentage.
type ContributorInput struct {
	EmployeeID   string
	EmployeeName string
	IsPrimary    bool
	Share        *decimal.Decimal
}

// ProposalInput creates a proposal.
type ProposalInput struct {
	ManagementNo string
	SubmittedAt  time.Time

	Department           string
	DeploymentItem       string
	ProblemSummary       string
	ImprovementPlan      string
	ImprovementResult    string
	Comment              string
	ContributionBusiness string

	ReductionHours *decimal.Decimal
	EffectAmount   *decimal.Decimal

	Term    *int
	Quarter *int

	BeforeImagePath string
	AfterImagePath  string

	Contributors []ContributorInput

	ActorID   string
	ActorName string
}

// ProposalChanges edits a proposal's details. Nil fields are left alone;
// a non-nil Contributors replaces the whole set.
type ProposalChanges struct {
	Department           *string
	DeploymentItem       *string
	ProblemSummary       *string
	ImprovementPlan      *string
	ImprovementResult    *string
	Comment              *string
	ContributionBusiness *string

	ReductionHours *decimal.Decimal
	EffectAmount   *decimal.Decimal

	BeforeImagePath *string
	AfterImagePath  *string

	Contributors []ContributorInput

	ActorID   string
	ActorName string
}

// Action is one approver's decision for one stage.
type Action struct {
	Stage  Stage
	Status Status

	ActorID       string
	ConfirmedName string
	Comment       string

	Mindset *int
	Idea    *int
	Hint    *int

	// Labels are resolved through the point table's parser, so display
	// labels and historical aliases are accepted.
	ProposalClassification  string
	CommitteeClassification string

	Term    *int
	Quarter *int

	SDGsFlag   *bool
	SafetyFlag *bool
}

// =============================================================================
// QUERIES
// =============================================================================

// ListQuery is the caller-facing filter. Term is converted to a submission
// date range through the fiscal calendar.
type ListQuery struct {
	Term       *int
	Stage      Stage
	Status     Status
	Completed  *bool
	Keyword    string
	Department string
	Limit      int
}

// ProposalFilter is what stores evaluate. Stage and Status only apply
// together.
type ProposalFilter struct {
	SubmittedFrom  *time.Time // inclusive
	SubmittedUntil *time.Time // exclusive
	Stage          Stage
	Status         Status
	Completed      *bool
	Keyword        string
	Department     string
	Limit          int
}

// Matches evaluates the filter in memory. SQL stores implement the same
// rules in their WHERE clause.
func (f ProposalFilter) Matches(p *Proposal) bool {
	if f.SubmittedFrom != nil && p.SubmittedAt.Before(*f.SubmittedFrom) {
		return false
	}
	if f.SubmittedUntil != nil && !p.SubmittedAt.Before(*f.SubmittedUntil) {
		return false
	}
	if f.Department != "" && p.Department != f.Department {
		return false
	}
	if f.Stage != "" && f.Status != "" {
		a := p.Approval(f.Stage)
		if a == nil || a.Status != f.Status {
			return false
		}
	}
	if f.Completed != nil && p.IsCompleted() != *f.Completed {
		return false
	}
	if f.Keyword != "" {
		// Case-insensitive, like the SQL stores.
		needle := strings.ToLower(f.Keyword)
		haystack := []string{p.ManagementNo, p.ProposerName, p.DeploymentItem, p.ProblemSummary, p.ImprovementPlan}
		found := false
		for _, h := range haystack {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditAction names what happened to a proposal.
type AuditAction string

const (
	AuditProposalCreated     AuditAction = "proposal_created"
	AuditProposalUpdated     AuditAction = "proposal_updated"
	AuditContributorsReplace AuditAction = "contributors_replaced"
	AuditStageDecided        AuditAction = "stage_decided"
	AuditImported            AuditAction = "historical_import"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID         string
	ProposalID string
	Action     AuditAction
	Stage      Stage
	Status     Status
	ActorID    string
	ActorName  string
	At         time.Time
	Payload    map[string]any
}
