/*
Package sqlite provides a SQLite-backed implementation of workflow.TxStore.

PURPOSE:
  Default persistence for the approval workflow. The same schema runs on
  PostgreSQL (store/postgres) with dialect changes only.

KEY TABLES:
  proposals:    header, classification, points, period, serial
  approvals:    one row per (proposal, stage)
  contributors: one row per (proposal, employee), ordered by position
  audit_log:    append-only trail of workflow actions

CONSTRAINTS:
  - approvals UNIQUE(proposal_id, stage)
  - proposals UNIQUE(management_no)
  - proposals UNIQUE(term, serial_number) WHERE serial_number IS NOT NULL
  - contributors: at most one primary, no employee twice
  Violations surface as workflow.ErrConcurrencyConflict.

CONCURRENCY:
  sync.RWMutex serializes writers in-process. WithTx holds the write lock
  for the whole transaction, which makes the read-max-then-assign serial
  step race-free for a single process; the unique index covers the rest.

WAL MODE:
  Opened with WAL so readers don't block on the writer.

USAGE:
  store, err := sqlite.New("./data/kaizen.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := workflow.NewEngine(store, workflow.DefaultConfig())

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - workflow/store.go: interface definitions
  - store/postgres, store/mysql: multi-instance backends
  - workflow/memstore: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

// Fixed-width UTC timestamps so string comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements workflow.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		management_no TEXT NOT NULL UNIQUE,
		submitted_at TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		deployment_item TEXT NOT NULL DEFAULT '',
		problem_summary TEXT NOT NULL DEFAULT '',
		improvement_plan TEXT NOT NULL DEFAULT '',
		improvement_result TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		contribution_business TEXT NOT NULL DEFAULT '',
		proposer_id TEXT NOT NULL DEFAULT '',
		proposer_name TEXT NOT NULL DEFAULT '',
		reduction_hours TEXT,
		effect_amount TEXT,
		proposal_classification TEXT NOT NULL DEFAULT '',
		committee_classification TEXT NOT NULL DEFAULT '',
		classification_points INTEGER,
		term INTEGER,
		quarter INTEGER CHECK (quarter BETWEEN 1 AND 4),
		serial_number INTEGER,
		mindset_score INTEGER,
		idea_score INTEGER,
		hint_score INTEGER,
		sdgs_flag INTEGER NOT NULL DEFAULT 0,
		safety_flag INTEGER NOT NULL DEFAULT 0,
		before_image_path TEXT NOT NULL DEFAULT '',
		after_image_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Serial numbers are unique within a term
	CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_term_serial
		ON proposals(term, serial_number) WHERE serial_number IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_proposals_submitted_at
		ON proposals(submitted_at DESC);
	CREATE INDEX IF NOT EXISTS idx_proposals_department
		ON proposals(department);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		stage_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		comment TEXT NOT NULL DEFAULT '',
		confirmed_name TEXT NOT NULL DEFAULT '',
		confirmed_by TEXT NOT NULL DEFAULT '',
		confirmed_at TEXT,
		mindset_score INTEGER,
		idea_score INTEGER,
		hint_score INTEGER,
		sdgs_flag INTEGER,
		safety_flag INTEGER,
		UNIQUE (proposal_id, stage)
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_stage_status
		ON approvals(stage, status);

	CREATE TABLE IF NOT EXISTS contributors (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
		employee_id TEXT NOT NULL DEFAULT '',
		employee_name TEXT NOT NULL DEFAULT '',
		is_primary INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		share_percent TEXT NOT NULL,
		points_share TEXT,
		reward_amount TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_contributors_primary
		ON contributors(proposal_id) WHERE is_primary = 1;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contributors_employee
		ON contributors(proposal_id, employee_id) WHERE employee_id <> '';
	CREATE INDEX IF NOT EXISTS idx_contributors_employee_id
		ON contributors(employee_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_proposal
		ON audit_log(proposal_id, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (workflow.Store)
// =============================================================================

func (s *Store) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.InsertProposal(ctx, p)
}

func (s *Store) GetProposal(ctx context.Context, id string) (*workflow.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.GetProposal(ctx, id)
}

func (s *Store) GetProposalByManagementNo(ctx context.Context, no string) (*workflow.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.GetProposalByManagementNo(ctx, no)
}

func (s *Store) GetProposalBySerial(ctx context.Context, term, serial int) (*workflow.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.GetProposalBySerial(ctx, term, serial)
}

func (s *Store) ListProposals(ctx context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.ListProposals(ctx, f)
}

func (s *Store) UpdateProposal(ctx context.Context, p *workflow.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.UpdateProposal(ctx, p)
}

func (s *Store) SaveApproval(ctx context.Context, a workflow.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.SaveApproval(ctx, a)
}

// ReplaceContributors runs its delete and inserts in one transaction.
func (s *Store) ReplaceContributors(ctx context.Context, proposalID string, cs []workflow.Contributor) error {
	return s.WithTx(ctx, func(st workflow.Store) error {
		return st.ReplaceContributors(ctx, proposalID, cs)
	})
}

func (s *Store) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.MaxSerialNumber(ctx, term)
}

func (s *Store) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.LastManagementNo(ctx, prefix)
}

func (s *Store) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{s.db}.AppendAudit(ctx, e)
}

func (s *Store) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{s.db}.ListAudit(ctx, proposalID)
}

// =============================================================================
// TRANSACTIONAL STORE (workflow.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store workflow.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

// =============================================================================
// SQL (shared by *sql.DB and *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs statements without locking; callers hold Store.mu.
type conn struct {
	q querier
}

const proposalColumns = `
	id, management_no, submitted_at, department, deployment_item, problem_summary,
	improvement_plan, improvement_result, comment, contribution_business,
	proposer_id, proposer_name, reduction_hours, effect_amount,
	proposal_classification, committee_classification, classification_points,
	term, quarter, serial_number, mindset_score, idea_score, hint_score,
	sdgs_flag, safety_flag, before_image_path, after_image_path, created_at, updated_at`

func (c conn) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	query := `INSERT INTO proposals (` + proposalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.q.ExecContext(ctx, query, append([]any{p.ID}, headerArgs(p)...)...)
	if err != nil {
		return mapError(err, "insert proposal")
	}

	for _, a := range p.Approvals {
		if err := c.insertApproval(ctx, a); err != nil {
			return err
		}
	}
	for _, ct := range p.Contributors {
		if err := c.insertContributor(ctx, p.ID, ct); err != nil {
			return err
		}
	}
	return nil
}

// headerArgs are every proposal column after id, in proposalColumns order.
func headerArgs(p *workflow.Proposal) []any {
	var mindset, idea, hint any
	if p.Scores != nil {
		mindset, idea, hint = p.Scores.Mindset, p.Scores.Idea, p.Scores.Hint
	}
	return []any{
		p.ManagementNo, formatTime(p.SubmittedAt), p.Department, p.DeploymentItem,
		p.ProblemSummary, p.ImprovementPlan, p.ImprovementResult, p.Comment,
		p.ContributionBusiness, p.ProposerID, p.ProposerName,
		nullDecimal(p.ReductionHours), nullDecimal(p.EffectAmount),
		string(p.ProposalClassification), string(p.CommitteeClassification),
		nullInt(p.ClassificationPoints), nullInt(p.Term), nullInt(p.Quarter), nullInt(p.SerialNumber),
		mindset, idea, hint, p.SDGsFlag, p.SafetyFlag,
		p.BeforeImagePath, p.AfterImagePath, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}
}

func (c conn) UpdateProposal(ctx context.Context, p *workflow.Proposal) error {
	query := `
		UPDATE proposals SET
			management_no = ?, submitted_at = ?, department = ?, deployment_item = ?,
			problem_summary = ?, improvement_plan = ?, improvement_result = ?, comment = ?,
			contribution_business = ?, proposer_id = ?, proposer_name = ?,
			reduction_hours = ?, effect_amount = ?,
			proposal_classification = ?, committee_classification = ?,
			classification_points = ?, term = ?, quarter = ?, serial_number = ?,
			mindset_score = ?, idea_score = ?, hint_score = ?, sdgs_flag = ?, safety_flag = ?,
			before_image_path = ?, after_image_path = ?, created_at = ?, updated_at = ?
		WHERE id = ?`

	res, err := c.q.ExecContext(ctx, query, append(headerArgs(p), p.ID)...)
	if err != nil {
		return mapError(err, "update proposal")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrProposalNotFound
	}
	return nil
}

func (c conn) GetProposal(ctx context.Context, id string) (*workflow.Proposal, error) {
	return c.getOne(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE id = ?", id)
}

func (c conn) GetProposalByManagementNo(ctx context.Context, no string) (*workflow.Proposal, error) {
	return c.getOne(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE management_no = ?", no)
}

func (c conn) GetProposalBySerial(ctx context.Context, term, serial int) (*workflow.Proposal, error) {
	return c.getOne(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE term = ? AND serial_number = ?", term, serial)
}

func (c conn) getOne(ctx context.Context, query string, args ...any) (*workflow.Proposal, error) {
	list, err := c.queryProposals(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c conn) ListProposals(ctx context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	var (
		where []string
		args  []any
	)
	if f.SubmittedFrom != nil {
		where = append(where, "p.submitted_at >= ?")
		args = append(args, formatTime(*f.SubmittedFrom))
	}
	if f.SubmittedUntil != nil {
		where = append(where, "p.submitted_at < ?")
		args = append(args, formatTime(*f.SubmittedUntil))
	}
	if f.Department != "" {
		where = append(where, "p.department = ?")
		args = append(args, f.Department)
	}
	if f.Stage != "" && f.Status != "" {
		where = append(where, `EXISTS (SELECT 1 FROM approvals a
			WHERE a.proposal_id = p.id AND a.stage = ? AND a.status = ?)`)
		args = append(args, string(f.Stage), string(f.Status))
	}
	if f.Completed != nil {
		op := "<"
		if *f.Completed {
			op = "="
		}
		where = append(where, fmt.Sprintf(`(SELECT COUNT(*) FROM approvals a
			WHERE a.proposal_id = p.id AND a.status = 'approved') %s %d`, op, len(workflow.Stages)))
	}
	if f.Keyword != "" {
		like := "%" + escapeLike(f.Keyword) + "%"
		where = append(where, `(p.management_no LIKE ? ESCAPE '\' OR p.proposer_name LIKE ? ESCAPE '\'
			OR p.deployment_item LIKE ? ESCAPE '\' OR p.problem_summary LIKE ? ESCAPE '\'
			OR p.improvement_plan LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like, like)
	}

	query := "SELECT " + proposalColumns + " FROM proposals p"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.submitted_at DESC, p.created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	return c.queryProposals(ctx, query, args...)
}

func (c conn) queryProposals(ctx context.Context, query string, args ...any) ([]workflow.Proposal, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}

	var proposals []workflow.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Children are loaded after the cursor is closed; a single-connection
	// pool can't run two statements at once.
	for i := range proposals {
		if proposals[i].Approvals, err = c.loadApprovals(ctx, proposals[i].ID); err != nil {
			return nil, err
		}
		if proposals[i].Contributors, err = c.loadContributors(ctx, proposals[i].ID); err != nil {
			return nil, err
		}
	}
	return proposals, nil
}

func scanProposal(rows *sql.Rows) (workflow.Proposal, error) {
	var (
		p                                 workflow.Proposal
		submittedAt, createdAt, updatedAt string
		hours, amount                     sql.NullString
		proposalClass, committeeClass     string
		points, term, quarter, serial     sql.NullInt64
		mindset, idea, hint               sql.NullInt64
	)

	err := rows.Scan(
		&p.ID, &p.ManagementNo, &submittedAt, &p.Department, &p.DeploymentItem, &p.ProblemSummary,
		&p.ImprovementPlan, &p.ImprovementResult, &p.Comment, &p.ContributionBusiness,
		&p.ProposerID, &p.ProposerName, &hours, &amount,
		&proposalClass, &committeeClass, &points,
		&term, &quarter, &serial, &mindset, &idea, &hint,
		&p.SDGsFlag, &p.SafetyFlag, &p.BeforeImagePath, &p.AfterImagePath, &createdAt, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan proposal: %w", err)
	}

	p.SubmittedAt = parseTime(submittedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.ReductionHours = parseDecimal(hours)
	p.EffectAmount = parseDecimal(amount)
	p.ProposalClassification = rewards.Classification(proposalClass)
	p.CommitteeClassification = rewards.Classification(committeeClass)
	p.ClassificationPoints = intPtr(points)
	p.Term = intPtr(term)
	p.Quarter = intPtr(quarter)
	p.SerialNumber = intPtr(serial)
	p.Scores = scores(mindset, idea, hint)
	return p, nil
}

// =============================================================================
// APPROVALS
// =============================================================================

func (c conn) insertApproval(ctx context.Context, a workflow.Approval) error {
	query := `
		INSERT INTO approvals (id, proposal_id, stage, stage_order, status, comment,
			confirmed_name, confirmed_by, confirmed_at, mindset_score, idea_score, hint_score,
			sdgs_flag, safety_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.q.ExecContext(ctx, query, append([]any{a.ID, a.ProposalID, string(a.Stage), a.Stage.Index()}, approvalArgs(a)...)...)
	if err != nil {
		return mapError(err, "insert approval")
	}
	return nil
}

func approvalArgs(a workflow.Approval) []any {
	var mindset, idea, hint any
	if a.Scores != nil {
		mindset, idea, hint = a.Scores.Mindset, a.Scores.Idea, a.Scores.Hint
	}
	var confirmedAt any
	if a.ConfirmedAt != nil {
		confirmedAt = formatTime(*a.ConfirmedAt)
	}
	return []any{
		string(a.Status), a.Comment, a.ConfirmedName, a.ConfirmedBy, confirmedAt,
		mindset, idea, hint, nullBool(a.SDGsFlag), nullBool(a.SafetyFlag),
	}
}

func (c conn) SaveApproval(ctx context.Context, a workflow.Approval) error {
	query := `
		UPDATE approvals SET status = ?, comment = ?, confirmed_name = ?, confirmed_by = ?,
			confirmed_at = ?, mindset_score = ?, idea_score = ?, hint_score = ?,
			sdgs_flag = ?, safety_flag = ?
		WHERE proposal_id = ? AND stage = ?`

	res, err := c.q.ExecContext(ctx, query, append(approvalArgs(a), a.ProposalID, string(a.Stage))...)
	if err != nil {
		return mapError(err, "save approval")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &workflow.InvalidStageError{ProposalID: a.ProposalID, Stage: a.Stage}
	}
	return nil
}

func (c conn) loadApprovals(ctx context.Context, proposalID string) ([]workflow.Approval, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, proposal_id, stage, status, comment, confirmed_name, confirmed_by,
			confirmed_at, mindset_score, idea_score, hint_score, sdgs_flag, safety_flag
		FROM approvals WHERE proposal_id = ? ORDER BY stage_order`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []workflow.Approval
	for rows.Next() {
		var (
			a                   workflow.Approval
			stage, status       string
			confirmedAt         sql.NullString
			mindset, idea, hint sql.NullInt64
			sdgs, safety        sql.NullBool
		)
		if err := rows.Scan(&a.ID, &a.ProposalID, &stage, &status, &a.Comment, &a.ConfirmedName,
			&a.ConfirmedBy, &confirmedAt, &mindset, &idea, &hint, &sdgs, &safety); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Stage = workflow.Stage(stage)
		a.Status = workflow.Status(status)
		if confirmedAt.Valid {
			t := parseTime(confirmedAt.String)
			a.ConfirmedAt = &t
		}
		a.Scores = scores(mindset, idea, hint)
		a.SDGsFlag = boolPtr(sdgs)
		a.SafetyFlag = boolPtr(safety)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// =============================================================================
// CONTRIBUTORS
// =============================================================================

func (c conn) ReplaceContributors(ctx context.Context, proposalID string, cs []workflow.Contributor) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM contributors WHERE proposal_id = ?", proposalID); err != nil {
		return fmt.Errorf("failed to delete contributors: %w", err)
	}
	for _, ct := range cs {
		if err := c.insertContributor(ctx, proposalID, ct); err != nil {
			return err
		}
	}
	return nil
}

func (c conn) insertContributor(ctx context.Context, proposalID string, ct workflow.Contributor) error {
	query := `
		INSERT INTO contributors (id, proposal_id, employee_id, employee_name, is_primary,
			position, share_percent, points_share, reward_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.q.ExecContext(ctx, query,
		ct.ID, proposalID, ct.EmployeeID, ct.EmployeeName, ct.IsPrimary, ct.Position,
		ct.SharePercent.String(), nullDecimal(ct.PointsShare), nullDecimal(ct.RewardAmount),
	)
	if err != nil {
		return mapError(err, "insert contributor")
	}
	return nil
}

func (c conn) loadContributors(ctx context.Context, proposalID string) ([]workflow.Contributor, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, proposal_id, employee_id, employee_name, is_primary, position,
			share_percent, points_share, reward_amount
		FROM contributors WHERE proposal_id = ? ORDER BY position`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributors: %w", err)
	}
	defer rows.Close()

	var contributors []workflow.Contributor
	for rows.Next() {
		var (
			ct             workflow.Contributor
			share          string
			points, reward sql.NullString
		)
		if err := rows.Scan(&ct.ID, &ct.ProposalID, &ct.EmployeeID, &ct.EmployeeName, &ct.IsPrimary,
			&ct.Position, &share, &points, &reward); err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		ct.SharePercent = decimal.RequireFromString(share)
		ct.PointsShare = parseDecimal(points)
		ct.RewardAmount = parseDecimal(reward)
		contributors = append(contributors, ct)
	}
	return contributors, rows.Err()
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c conn) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	var max int
	err := c.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(serial_number), 0) FROM proposals WHERE term = ?", term,
	).Scan(&max)
	return max, err
}

func (c conn) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	var no string
	err := c.q.QueryRowContext(ctx,
		`SELECT management_no FROM proposals WHERE management_no LIKE ? ESCAPE '\'
		 ORDER BY LENGTH(management_no) DESC, management_no DESC LIMIT 1`,
		escapeLike(prefix)+"%",
	).Scan(&no)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return no, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, proposal_id, action, stage, status, actor_id, actor_name, at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProposalID, string(e.Action), string(e.Stage), string(e.Status),
		e.ActorID, e.ActorName, formatTime(e.At), payload,
	)
	if err != nil {
		return mapError(err, "append audit entry")
	}
	return nil
}

func (c conn) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, proposal_id, action, stage, status, actor_id, actor_name, at, payload_json
		FROM audit_log WHERE proposal_id = ? ORDER BY at, rowid`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []workflow.AuditEntry
	for rows.Next() {
		var (
			e                     workflow.AuditEntry
			action, stage, status string
			at                    string
			payload               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProposalID, &action, &stage, &status,
			&e.ActorID, &e.ActorName, &at, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = workflow.AuditAction(action)
		e.Stage = workflow.Stage(stage)
		e.Status = workflow.Status(status)
		e.At = parseTime(at)
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func mapError(err error, action string) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %s", workflow.ErrConcurrencyConflict, se.Error())
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func scores(mindset, idea, hint sql.NullInt64) *workflow.Scores {
	if !mindset.Valid || !idea.Valid || !hint.Valid {
		return nil
	}
	return &workflow.Scores{Mindset: int(mindset.Int64), Idea: int(idea.Int64), Hint: int(hint.Int64)}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
