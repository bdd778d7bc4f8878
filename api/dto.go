/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the REST surface. Domain records from workflow and report
  are converted here so the wire format can stay stable while the domain
  types change.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, ranges, enums). Business rules (stage order, classification
  labels, share sums) stay in the workflow engine.

FORMATS:
  Dates are YYYY-MM-DD in the fiscal calendar's time zone. Timestamps are
  RFC 3339. Money, hours, shares and points are decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - workflow/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/report"
	"github.com/warp/kaizen-engine/workflow"
)

// =============================================================================
// PROPOSALS
// =============================================================================

// ProposalDTO represents a proposal in API responses.
type ProposalDTO struct {
	ID           string `json:"id"`
	ManagementNo string `json:"management_no"`
	SubmittedAt  string `json:"submitted_at"`

	Department           string `json:"department"`
	DeploymentItem       string `json:"deployment_item"`
	ProblemSummary       string `json:"problem_summary"`
	ImprovementPlan      string `json:"improvement_plan"`
	ImprovementResult    string `json:"improvement_result"`
	Comment              string `json:"comment"`
	ContributionBusiness string `json:"contribution_business"`

	ProposerID   string `json:"proposer_id"`
	ProposerName string `json:"proposer_name"`

	ReductionHours *decimal.Decimal `json:"reduction_hours"`
	EffectAmount   *decimal.Decimal `json:"effect_amount"`

	ProposalClassification  string `json:"proposal_classification,omitempty"`
	CommitteeClassification string `json:"committee_classification,omitempty"`
	Classification          string `json:"classification,omitempty"`
	ClassificationLabel     string `json:"classification_label,omitempty"`
	ClassificationPoints    *int   `json:"classification_points"`

	Term         *int `json:"term"`
	Quarter      *int `json:"quarter"`
	SerialNumber *int `json:"serial_number"`

	Scores     *ScoresDTO `json:"scores"`
	SDGsFlag   bool       `json:"sdgs_flag"`
	SafetyFlag bool       `json:"safety_flag"`

	BeforeImagePath string `json:"before_image_path,omitempty"`
	AfterImagePath  string `json:"after_image_path,omitempty"`

	CurrentStage string `json:"current_stage,omitempty"`
	Completed    bool   `json:"completed"`

	Approvals    []ApprovalDTO    `json:"approvals"`
	Contributors []ContributorDTO `json:"contributors"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ScoresDTO struct {
	Mindset int `json:"mindset"`
	Idea    int `json:"idea"`
	Hint    int `json:"hint"`
}

// ApprovalDTO is one stage's decision.
type ApprovalDTO struct {
	Stage         string     `json:"stage"`
	StageLabel    string     `json:"stage_label"`
	Status        string     `json:"status"`
	StatusLabel   string     `json:"status_label"`
	Comment       string     `json:"comment,omitempty"`
	ConfirmedName string     `json:"confirmed_name,omitempty"`
	ConfirmedBy   string     `json:"confirmed_by,omitempty"`
	ConfirmedAt   string     `json:"confirmed_at,omitempty"`
	Scores        *ScoresDTO `json:"scores,omitempty"`
	SDGsFlag      *bool      `json:"sdgs_flag,omitempty"`
	SafetyFlag    *bool      `json:"safety_flag,omitempty"`
}

type ContributorDTO struct {
	EmployeeID   string           `json:"employee_id"`
	EmployeeName string           `json:"employee_name"`
	IsPrimary    bool             `json:"is_primary"`
	SharePercent decimal.Decimal  `json:"share_percent"`
	PointsShare  *decimal.Decimal `json:"points_share"`
	RewardAmount *decimal.Decimal `json:"reward_amount"`
}

// ContributorRequest is a contributor as sent by clients. Share is an
// optional weight; omitted shares are split equally.
type ContributorRequest struct {
	EmployeeID   string           `json:"employee_id" validate:"max=64"`
	EmployeeName string           `json:"employee_name" validate:"required,max=100"`
	IsPrimary    bool             `json:"is_primary"`
	Share        *decimal.Decimal `json:"share"`
}

// CreateProposalRequest is the request to create a proposal.
type CreateProposalRequest struct {
	ManagementNo string `json:"management_no" validate:"max=32"`
	SubmittedAt  string `json:"submitted_at" validate:"omitempty,datetime=2006-01-02"`

	Department           string `json:"department" validate:"max=100"`
	DeploymentItem       string `json:"deployment_item" validate:"max=200"`
	ProblemSummary       string `json:"problem_summary"`
	ImprovementPlan      string `json:"improvement_plan"`
	ImprovementResult    string `json:"improvement_result"`
	Comment              string `json:"comment"`
	ContributionBusiness string `json:"contribution_business" validate:"max=200"`

	ReductionHours *decimal.Decimal `json:"reduction_hours"`
	EffectAmount   *decimal.Decimal `json:"effect_amount"`

	Term    *int `json:"term"`
	Quarter *int `json:"quarter" validate:"omitempty,min=1,max=4"`

	BeforeImagePath string `json:"before_image_path"`
	AfterImagePath  string `json:"after_image_path"`

	Contributors []ContributorRequest `json:"contributors" validate:"required,min=1,dive"`

	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
}

// UpdateProposalRequest edits a proposal. Omitted fields are left alone;
// contributors, when present, replace the whole set.
type UpdateProposalRequest struct {
	Department           *string `json:"department" validate:"omitempty,max=100"`
	DeploymentItem       *string `json:"deployment_item" validate:"omitempty,max=200"`
	ProblemSummary       *string `json:"problem_summary"`
	ImprovementPlan      *string `json:"improvement_plan"`
	ImprovementResult    *string `json:"improvement_result"`
	Comment              *string `json:"comment"`
	ContributionBusiness *string `json:"contribution_business" validate:"omitempty,max=200"`

	ReductionHours *decimal.Decimal `json:"reduction_hours"`
	EffectAmount   *decimal.Decimal `json:"effect_amount"`

	BeforeImagePath *string `json:"before_image_path"`
	AfterImagePath  *string `json:"after_image_path"`

	Contributors []ContributorRequest `json:"contributors" validate:"omitempty,dive"`

	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
}

// SetContributorsRequest replaces a proposal's contributors.
type SetContributorsRequest struct {
	Contributors []ContributorRequest `json:"contributors" validate:"required,min=1,dive"`
	ActorID      string               `json:"actor_id"`
	ActorName    string               `json:"actor_name"`
}

// ApproveRequest records one stage decision. Scores, flags and the manager
// classification only apply to the manager stage; term, quarter and the
// committee classification only to the committee stage.
type ApproveRequest struct {
	Stage  string `json:"stage" validate:"required"`
	Status string `json:"status" validate:"required"`

	ActorID       string `json:"actor_id"`
	ConfirmedName string `json:"confirmed_name" validate:"max=100"`
	Comment       string `json:"comment"`

	Mindset *int `json:"mindset" validate:"omitempty,min=1,max=5"`
	Idea    *int `json:"idea" validate:"omitempty,min=1,max=5"`
	Hint    *int `json:"hint" validate:"omitempty,min=1,max=5"`

	ProposalClassification  string `json:"proposal_classification"`
	CommitteeClassification string `json:"committee_classification"`

	Term    *int `json:"term"`
	Quarter *int `json:"quarter" validate:"omitempty,min=1,max=4"`

	SDGsFlag   *bool `json:"sdgs_flag"`
	SafetyFlag *bool `json:"safety_flag"`
}

// HistoricalImportRequest is one row of a past term's ledger.
type HistoricalImportRequest struct {
	Term    *int `json:"term" validate:"required"` // pointer: term 0 is valid
	Serial  *int `json:"serial" validate:"omitempty,gte=1"`
	Row     int  `json:"row" validate:"gte=0"`
	Quarter *int `json:"quarter" validate:"omitempty,min=1,max=4"`

	SubmittedAt string `json:"submitted_at" validate:"required,datetime=2006-01-02"`

	Department           string `json:"department"`
	ProposerID           string `json:"proposer_id"`
	ProposerName         string `json:"proposer_name"`
	DeploymentItem       string `json:"deployment_item"`
	ProblemSummary       string `json:"problem_summary"`
	ImprovementPlan      string `json:"improvement_plan"`
	ImprovementResult    string `json:"improvement_result"`
	ContributionBusiness string `json:"contribution_business"`

	ReductionHours *decimal.Decimal `json:"reduction_hours"`
	EffectAmount   *decimal.Decimal `json:"effect_amount"`

	Classification string `json:"classification"`

	Mindset *int `json:"mindset" validate:"omitempty,min=1,max=5"`
	Idea    *int `json:"idea" validate:"omitempty,min=1,max=5"`
	Hint    *int `json:"hint" validate:"omitempty,min=1,max=5"`

	SDGsFlag   bool `json:"sdgs_flag"`
	SafetyFlag bool `json:"safety_flag"`

	Contributors []ContributorRequest `json:"contributors" validate:"omitempty,dive"`
}

// AuditEntryDTO is one audit log line.
type AuditEntryDTO struct {
	Action    string         `json:"action"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorName string         `json:"actor_name,omitempty"`
	At        string         `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FiscalDTO answers "which term and quarter is this date in".
type FiscalDTO struct {
	Date       string `json:"date"`
	FiscalYear int    `json:"fiscal_year"`
	Term       int    `json:"term"`
	Quarter    int    `json:"quarter"`
	TermStart  string `json:"term_start"`
	TermEnd    string `json:"term_end"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

// =============================================================================
// REPORTS
// =============================================================================

type TermReportDTO struct {
	Term        int                   `json:"term"`
	TermStart   string                `json:"term_start"`
	TermEnd     string                `json:"term_end"`
	GeneratedAt string                `json:"generated_at"`
	Rows        []ReportRowDTO        `json:"rows"`
	People      []PersonSummaryDTO    `json:"people"`
	Months      []int                 `json:"months"` // column order of departments[].counts
	Departments []DepartmentMonthsDTO `json:"departments"`
	Rewards     []EmployeeRewardDTO   `json:"rewards"`
	Totals      TotalsDTO             `json:"totals"`
}

type ReportRowDTO struct {
	No             int              `json:"no"`
	ProposalID     string           `json:"proposal_id"`
	ManagementNo   string           `json:"management_no"`
	Quarter        *int             `json:"quarter"`
	SerialNumber   *int             `json:"serial_number"`
	SubmittedAt    string           `json:"submitted_at"`
	Department     string           `json:"department"`
	EffectDivision string           `json:"effect_division"`
	ProposerName   string           `json:"proposer_name"`
	Theme          string           `json:"theme"`
	Scores         *ScoresDTO       `json:"scores"`
	SDGsFlag       bool             `json:"sdgs_flag"`
	SafetyFlag     bool             `json:"safety_flag"`
	Classification string           `json:"classification"`
	Points         *int             `json:"points"`
	Reward         *decimal.Decimal `json:"reward"`
	EffectAmount   decimal.Decimal  `json:"effect_amount"`
	ReductionHours decimal.Decimal  `json:"reduction_hours"`
	Comment        string           `json:"comment"`
	Completed      bool             `json:"completed"`
	Stages         []StageCellDTO   `json:"stages"`
}

// StageCellDTO.Text is ready to print: "承認 (鈴木一郎)".
type StageCellDTO struct {
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	ConfirmedName string `json:"confirmed_name"`
	Text          string `json:"text"`
}

type PersonSummaryDTO struct {
	Department  string           `json:"department"`
	Proposer    string           `json:"proposer"`
	Count       int              `json:"count"`
	AvgMindset  *decimal.Decimal `json:"avg_mindset"`
	AvgIdea     *decimal.Decimal `json:"avg_idea"`
	AvgHint     *decimal.Decimal `json:"avg_hint"`
	TotalHours  decimal.Decimal  `json:"total_hours"`
	TotalEffect decimal.Decimal  `json:"total_effect"`
}

type DepartmentMonthsDTO struct {
	Department string `json:"department"`
	Counts     []int  `json:"counts"`
	Total      int    `json:"total"`
}

type EmployeeRewardDTO struct {
	EmployeeID   string          `json:"employee_id"`
	EmployeeName string          `json:"employee_name"`
	Proposals    int             `json:"proposals"`
	Points       decimal.Decimal `json:"points"`
	Reward       decimal.Decimal `json:"reward"`
}

type TotalsDTO struct {
	Proposals      int             `json:"proposals"`
	Completed      int             `json:"completed"`
	Points         int             `json:"points"`
	Reward         decimal.Decimal `json:"reward"`
	ReductionHours decimal.Decimal `json:"reduction_hours"`
	EffectAmount   decimal.Decimal `json:"effect_amount"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toProposalDTO(p *workflow.Proposal) ProposalDTO {
	dto := ProposalDTO{
		ID:                      p.ID,
		ManagementNo:            p.ManagementNo,
		SubmittedAt:             p.SubmittedAt.Format(time.DateOnly),
		Department:              p.Department,
		DeploymentItem:          p.DeploymentItem,
		ProblemSummary:          p.ProblemSummary,
		ImprovementPlan:         p.ImprovementPlan,
		ImprovementResult:       p.ImprovementResult,
		Comment:                 p.Comment,
		ContributionBusiness:    p.ContributionBusiness,
		ProposerID:              p.ProposerID,
		ProposerName:            p.ProposerName,
		ReductionHours:          p.ReductionHours,
		EffectAmount:            p.EffectAmount,
		ProposalClassification:  string(p.ProposalClassification),
		CommitteeClassification: string(p.CommitteeClassification),
		ClassificationPoints:    p.ClassificationPoints,
		Term:                    p.Term,
		Quarter:                 p.Quarter,
		SerialNumber:            p.SerialNumber,
		Scores:                  toScoresDTO(p.Scores),
		SDGsFlag:                p.SDGsFlag,
		SafetyFlag:              p.SafetyFlag,
		BeforeImagePath:         p.BeforeImagePath,
		AfterImagePath:          p.AfterImagePath,
		Completed:               p.IsCompleted(),
		Approvals:               make([]ApprovalDTO, 0, len(p.Approvals)),
		Contributors:            make([]ContributorDTO, 0, len(p.Contributors)),
		CreatedAt:               p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:               p.UpdatedAt.Format(time.RFC3339),
	}
	if c := p.EffectiveClassification(); c != "" {
		dto.Classification = string(c)
		dto.ClassificationLabel = c.Label()
	}
	if stage, ok := p.CurrentStage(); ok {
		dto.CurrentStage = string(stage)
	}

	for _, a := range p.Approvals {
		ad := ApprovalDTO{
			Stage:         string(a.Stage),
			StageLabel:    a.Stage.Label(),
			Status:        string(a.Status),
			StatusLabel:   a.Status.Label(),
			Comment:       a.Comment,
			ConfirmedName: a.ConfirmedName,
			ConfirmedBy:   a.ConfirmedBy,
			Scores:        toScoresDTO(a.Scores),
			SDGsFlag:      a.SDGsFlag,
			SafetyFlag:    a.SafetyFlag,
		}
		if a.ConfirmedAt != nil {
			ad.ConfirmedAt = a.ConfirmedAt.Format(time.RFC3339)
		}
		dto.Approvals = append(dto.Approvals, ad)
	}
	for _, c := range p.Contributors {
		dto.Contributors = append(dto.Contributors, ContributorDTO{
			EmployeeID:   c.EmployeeID,
			EmployeeName: c.EmployeeName,
			IsPrimary:    c.IsPrimary,
			SharePercent: c.SharePercent,
			PointsShare:  c.PointsShare,
			RewardAmount: c.RewardAmount,
		})
	}
	return dto
}

func toScoresDTO(s *workflow.Scores) *ScoresDTO {
	if s == nil {
		return nil
	}
	return &ScoresDTO{Mindset: s.Mindset, Idea: s.Idea, Hint: s.Hint}
}

func toContributorInputs(reqs []ContributorRequest) []workflow.ContributorInput {
	if reqs == nil {
		return nil
	}
	out := make([]workflow.ContributorInput, len(reqs))
	for i, c := range reqs {
		out[i] = workflow.ContributorInput{
			EmployeeID:   c.EmployeeID,
			EmployeeName: c.EmployeeName,
			IsPrimary:    c.IsPrimary,
			Share:        c.Share,
		}
	}
	return out
}

func toAuditDTO(e workflow.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		Action:    string(e.Action),
		Stage:     string(e.Stage),
		Status:    string(e.Status),
		ActorID:   e.ActorID,
		ActorName: e.ActorName,
		At:        e.At.Format(time.RFC3339),
		Payload:   e.Payload,
	}
}

func toTermReportDTO(r *report.TermReport) TermReportDTO {
	dto := TermReportDTO{
		Term:        r.Term,
		TermStart:   r.Period.Start.Format(time.DateOnly),
		TermEnd:     r.Period.End.Format(time.DateOnly),
		GeneratedAt: r.GeneratedAt.Format(time.RFC3339),
		Rows:        make([]ReportRowDTO, 0, len(r.Rows)),
		People:      make([]PersonSummaryDTO, 0, len(r.People)),
		Months:      make([]int, 0, len(r.Months)),
		Departments: make([]DepartmentMonthsDTO, 0, len(r.Departments)),
		Rewards:     make([]EmployeeRewardDTO, 0, len(r.Rewards)),
		Totals: TotalsDTO{
			Proposals:      r.Totals.Proposals,
			Completed:      r.Totals.Completed,
			Points:         r.Totals.Points,
			Reward:         r.Totals.Reward,
			ReductionHours: r.Totals.ReductionHours,
			EffectAmount:   r.Totals.EffectAmount,
		},
	}
	for _, row := range r.Rows {
		stages := make([]StageCellDTO, 0, len(row.Stages))
		for _, c := range row.Stages {
			stages = append(stages, StageCellDTO{
				Stage:         string(c.Stage),
				Status:        string(c.Status),
				ConfirmedName: c.ConfirmedName,
				Text:          c.Text,
			})
		}
		dto.Rows = append(dto.Rows, ReportRowDTO{
			No:             row.No,
			ProposalID:     row.ProposalID,
			ManagementNo:   row.ManagementNo,
			Quarter:        row.Quarter,
			SerialNumber:   row.SerialNumber,
			SubmittedAt:    row.SubmittedAt.Format(time.DateOnly),
			Department:     row.Department,
			EffectDivision: row.EffectDivision,
			ProposerName:   row.ProposerName,
			Theme:          row.Theme,
			Scores:         toScoresDTO(row.Scores),
			SDGsFlag:       row.SDGsFlag,
			SafetyFlag:     row.SafetyFlag,
			Classification: row.Classification.Label(),
			Points:         row.Points,
			Reward:         row.Reward,
			EffectAmount:   row.EffectAmount,
			ReductionHours: row.ReductionHours,
			Comment:        row.Comment,
			Completed:      row.Completed,
			Stages:         stages,
		})
	}
	for _, p := range r.People {
		dto.People = append(dto.People, PersonSummaryDTO(p))
	}
	for _, m := range r.Months {
		dto.Months = append(dto.Months, int(m))
	}
	for _, d := range r.Departments {
		dto.Departments = append(dto.Departments, DepartmentMonthsDTO(d))
	}
	for _, e := range r.Rewards {
		dto.Rewards = append(dto.Rewards, EmployeeRewardDTO(e))
	}
	return dto
}
