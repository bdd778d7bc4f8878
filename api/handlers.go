/*
handlers.go - HTTP API handlers for the proposal approval workflow

PURPOSE:
  Exposes the workflow engine and term reports via REST. Handles HTTP
  request/response, JSON serialization and shape validation, and delegates
  every business decision to workflow.Engine.

ENDPOINTS:
  Health:
    GET    /health                              Store reachability

  Proposals:
    GET    /api/proposals                       List (term, stage+status, completed, q, department)
    POST   /api/proposals                       Create with contributors
    GET    /api/proposals/{id}                  Proposal with approvals and contributors
    PATCH  /api/proposals/{id}                  Edit details
    PUT    /api/proposals/{id}/contributors     Replace contributors
    POST   /api/proposals/{id}/approve          Record a stage decision
    GET    /api/proposals/{id}/audit            Audit trail

  Imports:
    POST   /api/imports/historical              Store one finalized past proposal

  Fiscal:
    GET    /api/fiscal?date=YYYY-MM-DD          Term and quarter of a date

  Reports:
    GET    /api/reports/terms/{term}            Term aggregation

ERROR HANDLING:
  Errors are returned as ErrorResponse with:
  - 400: Malformed body, shape validation, workflow.ValidationError, unknown stage
  - 404: Unknown proposal
  - 409: Serial/management number race, duplicate import
  - 500: Anything else (logged with the request id)

SECURITY NOTE:
  No authentication. Actor ids and names are taken from the request body,
  or from X-Actor-ID / X-Actor-Name when the body leaves them empty.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/kaizen-engine/report"
	"github.com/warp/kaizen-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Identity headers. Values are opaque; nothing here authenticates them.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *workflow.Engine
	Reports *report.Builder

	store    Pinger
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a handler. store may be nil, in which case /health
// always reports ok.
func NewHandler(engine *workflow.Engine, store Pinger, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Reports:  report.NewBuilder(engine, engine.Config().Calendar),
		store:    store,
		validate: newValidator(),
		log:      log,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROPOSAL HANDLERS
// =============================================================================

// ListProposals returns proposals matching the query string, newest first.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	proposals, err := h.Engine.ListProposals(r.Context(), q)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list proposals", err)
		return
	}

	dtos := make([]ProposalDTO, len(proposals))
	for i := range proposals {
		dtos[i] = toProposalDTO(&proposals[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func parseListQuery(r *http.Request) (workflow.ListQuery, error) {
	v := r.URL.Query()
	q := workflow.ListQuery{
		Stage:      workflow.ParseStage(v.Get("stage")),
		Status:     workflow.ParseStatus(v.Get("status")),
		Keyword:    strings.TrimSpace(v.Get("q")),
		Department: strings.TrimSpace(v.Get("department")),
	}
	if s := v.Get("term"); s != "" {
		term, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("term must be an integer: %q", s)
		}
		q.Term = &term
	}
	if s := v.Get("completed"); s != "" {
		completed, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("completed must be a boolean: %q", s)
		}
		q.Completed = &completed
	}
	if s := v.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer: %q", s)
		}
		q.Limit = limit
	}
	return q, nil
}

// GetProposal returns a single proposal.
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p))
}

// CreateProposal creates a proposal with all four approvals pending.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	if !h.decode(w, r, &req) {
		return
	}

	submitted, err := h.parseDate(req.SubmittedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid submitted_at (use YYYY-MM-DD)", err)
		return
	}

	p, err := h.Engine.CreateProposal(r.Context(), workflow.ProposalInput{
		ManagementNo:         strings.TrimSpace(req.ManagementNo),
		SubmittedAt:          submitted,
		Department:           req.Department,
		DeploymentItem:       req.DeploymentItem,
		ProblemSummary:       req.ProblemSummary,
		ImprovementPlan:      req.ImprovementPlan,
		ImprovementResult:    req.ImprovementResult,
		Comment:              req.Comment,
		ContributionBusiness: req.ContributionBusiness,
		ReductionHours:       req.ReductionHours,
		EffectAmount:         req.EffectAmount,
		Term:                 req.Term,
		Quarter:              req.Quarter,
		BeforeImagePath:      req.BeforeImagePath,
		AfterImagePath:       req.AfterImagePath,
		Contributors:         toContributorInputs(req.Contributors),
		ActorID:              actorID(r, req.ActorID),
		ActorName:            actorName(r, req.ActorName),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalDTO(p))
}

// UpdateProposal edits proposal details.
func (h *Handler) UpdateProposal(w http.ResponseWriter, r *http.Request) {
	var req UpdateProposalRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.UpdateProposal(r.Context(), chi.URLParam(r, "id"), workflow.ProposalChanges{
		Department:           req.Department,
		DeploymentItem:       req.DeploymentItem,
		ProblemSummary:       req.ProblemSummary,
		ImprovementPlan:      req.ImprovementPlan,
		ImprovementResult:    req.ImprovementResult,
		Comment:              req.Comment,
		ContributionBusiness: req.ContributionBusiness,
		ReductionHours:       req.ReductionHours,
		EffectAmount:         req.EffectAmount,
		BeforeImagePath:      req.BeforeImagePath,
		AfterImagePath:       req.AfterImagePath,
		Contributors:         toContributorInputs(req.Contributors),
		ActorID:              actorID(r, req.ActorID),
		ActorName:            actorName(r, req.ActorName),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to update proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p))
}

// SetContributors replaces the contributor set and re-runs allocation.
func (h *Handler) SetContributors(w http.ResponseWriter, r *http.Request) {
	var req SetContributorsRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.SetContributors(r.Context(), chi.URLParam(r, "id"),
		toContributorInputs(req.Contributors), actorID(r, req.ActorID), actorName(r, req.ActorName))
	if err != nil {
		h.writeEngineError(w, r, "Failed to set contributors", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p))
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// Approve records one stage decision.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Engine.Approve(r.Context(), chi.URLParam(r, "id"), workflow.Action{
		Stage:                   workflow.ParseStage(req.Stage),
		Status:                  workflow.ParseStatus(req.Status),
		ActorID:                 actorID(r, req.ActorID),
		ConfirmedName:           actorName(r, req.ConfirmedName),
		Comment:                 req.Comment,
		Mindset:                 req.Mindset,
		Idea:                    req.Idea,
		Hint:                    req.Hint,
		ProposalClassification:  req.ProposalClassification,
		CommitteeClassification: req.CommitteeClassification,
		Term:                    req.Term,
		Quarter:                 req.Quarter,
		SDGsFlag:                req.SDGsFlag,
		SafetyFlag:              req.SafetyFlag,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to record decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p))
}

// Audit returns the proposal's audit trail, oldest first.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to load audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// IMPORT HANDLERS
// =============================================================================

// ImportHistorical stores one already-finalized proposal.
func (h *Handler) ImportHistorical(w http.ResponseWriter, r *http.Request) {
	var req HistoricalImportRequest
	if !h.decode(w, r, &req) {
		return
	}

	submitted, err := h.parseDate(req.SubmittedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid submitted_at (use YYYY-MM-DD)", err)
		return
	}

	p, err := h.Engine.ImportHistorical(r.Context(), workflow.HistoricalRecord{
		Term:                 *req.Term,
		Serial:               req.Serial,
		Row:                  req.Row,
		Quarter:              req.Quarter,
		SubmittedAt:          submitted,
		Department:           req.Department,
		ProposerID:           req.ProposerID,
		ProposerName:         req.ProposerName,
		DeploymentItem:       req.DeploymentItem,
		ProblemSummary:       req.ProblemSummary,
		ImprovementPlan:      req.ImprovementPlan,
		ImprovementResult:    req.ImprovementResult,
		ContributionBusiness: req.ContributionBusiness,
		ReductionHours:       req.ReductionHours,
		EffectAmount:         req.EffectAmount,
		Classification:       req.Classification,
		Mindset:              req.Mindset,
		Idea:                 req.Idea,
		Hint:                 req.Hint,
		SDGsFlag:             req.SDGsFlag,
		SafetyFlag:           req.SafetyFlag,
		Contributors:         toContributorInputs(req.Contributors),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to import proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalDTO(p))
}

// =============================================================================
// FISCAL AND REPORT HANDLERS
// =============================================================================

// Fiscal returns the term and quarter of ?date (default today).
func (h *Handler) Fiscal(w http.ResponseWriter, r *http.Request) {
	cal := h.Engine.Config().Calendar

	day := time.Now()
	if cal.Location != nil {
		day = day.In(cal.Location)
	}
	if s := r.URL.Query().Get("date"); s != "" {
		parsed, err := h.parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
			return
		}
		day = parsed
	}

	term := cal.Term(day)
	period := cal.TermRange(term)
	writeJSON(w, http.StatusOK, FiscalDTO{
		Date:       day.Format(time.DateOnly),
		FiscalYear: cal.FiscalYear(day),
		Term:       term,
		Quarter:    cal.Quarter(day),
		TermStart:  period.Start.Format(time.DateOnly),
		TermEnd:    period.End.Format(time.DateOnly),
	})
}

// TermReport aggregates every proposal submitted in {term}.
func (h *Handler) TermReport(w http.ResponseWriter, r *http.Request) {
	term, err := strconv.Atoi(chi.URLParam(r, "term"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}

	rep, err := h.Reports.Term(r.Context(), term)
	if err != nil {
		h.writeEngineError(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, toTermReportDTO(rep))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request",
				Details: err.Error(),
				Field:   fieldPath(fe.Namespace()),
				Code:    fe.Tag(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// actorID and actorName prefer the body and fall back to the identity
// headers set by the fronting proxy.
func actorID(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(HeaderActorID)
}

func actorName(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(HeaderActorName)
}

// fieldPath drops the struct name validator prefixes namespaces with.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// parseDate reads YYYY-MM-DD in the calendar's zone. Empty means zero
// time, which the engine replaces with now.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	loc := h.Engine.Config().Calendar.Location
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(time.DateOnly, s, loc)
}

// writeEngineError maps workflow errors onto status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Details: verr.Message,
			Field:   verr.Field,
			Code:    verr.Code,
		})
	case workflow.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case workflow.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Proposal not found", err)
	case workflow.IsRetryable(err), errors.Is(err, workflow.ErrDuplicateProposal):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg(message)
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
