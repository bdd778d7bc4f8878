/*
Package postgres provides a PostgreSQL-backed implementation of
workflow.TxStore using a pgx connection pool.

PURPOSE:
  Multi-instance deployments. Unlike store/sqlite there is no process-wide
  mutex; concurrent writers are serialized by the database.

LOCKING (inside WithTx):
  GetProposal             SELECT ... FOR UPDATE on the proposal row
  MaxSerialNumber         pg_advisory_xact_lock keyed by term
  LastManagementNo        pg_advisory_xact_lock keyed by day prefix
  Locks release at commit or rollback.

CONSTRAINTS:
  Same unique keys as store/sqlite. SQLSTATE 23505 surfaces as
  workflow.ErrConcurrencyConflict so callers can retry.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: single-process default
  - workflow/store.go: interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

const uniqueViolation = "23505"

// Store implements workflow.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at url and migrates the schema.
func New(ctx context.Context, url string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		management_no TEXT NOT NULL UNIQUE,
		submitted_at TIMESTAMPTZ NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		deployment_item TEXT NOT NULL DEFAULT '',
		problem_summary TEXT NOT NULL DEFAULT '',
		improvement_plan TEXT NOT NULL DEFAULT '',
		improvement_result TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		contribution_business TEXT NOT NULL DEFAULT '',
		proposer_id TEXT NOT NULL DEFAULT '',
		proposer_name TEXT NOT NULL DEFAULT '',
		reduction_hours NUMERIC,
		effect_amount NUMERIC,
		proposal_classification TEXT NOT NULL DEFAULT '',
		committee_classification TEXT NOT NULL DEFAULT '',
		classification_points INTEGER,
		term INTEGER,
		quarter INTEGER CHECK (quarter BETWEEN 1 AND 4),
		serial_number INTEGER,
		mindset_score INTEGER,
		idea_score INTEGER,
		hint_score INTEGER,
		sdgs_flag BOOLEAN NOT NULL DEFAULT FALSE,
		safety_flag BOOLEAN NOT NULL DEFAULT FALSE,
		before_image_path TEXT NOT NULL DEFAULT '',
		after_image_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_term_serial
		ON proposals(term, serial_number) WHERE serial_number IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_proposals_submitted_at
		ON proposals(submitted_at DESC);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		stage_order INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		comment TEXT NOT NULL DEFAULT '',
		confirmed_name TEXT NOT NULL DEFAULT '',
		confirmed_by TEXT NOT NULL DEFAULT '',
		confirmed_at TIMESTAMPTZ,
		mindset_score INTEGER,
		idea_score INTEGER,
		hint_score INTEGER,
		sdgs_flag BOOLEAN,
		safety_flag BOOLEAN,
		UNIQUE (proposal_id, stage)
	);

	CREATE TABLE IF NOT EXISTS contributors (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
		employee_id TEXT NOT NULL DEFAULT '',
		employee_name TEXT NOT NULL DEFAULT '',
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL,
		share_percent NUMERIC NOT NULL,
		points_share NUMERIC,
		reward_amount NUMERIC
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_contributors_primary
		ON contributors(proposal_id) WHERE is_primary;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contributors_employee
		ON contributors(proposal_id, employee_id) WHERE employee_id <> '';

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		proposal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL,
		payload JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_proposal ON audit_log(proposal_id, at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// POOL ENTRY POINTS (workflow.Store)
// =============================================================================

func (s *Store) base() conn { return conn{q: s.pool} }

func (s *Store) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	// Header and children must land together.
	return s.WithTx(ctx, func(st workflow.Store) error { return st.InsertProposal(ctx, p) })
}

func (s *Store) GetProposal(ctx context.Context, id string) (*workflow.Proposal, error) {
	return s.base().GetProposal(ctx, id)
}

func (s *Store) GetProposalByManagementNo(ctx context.Context, no string) (*workflow.Proposal, error) {
	return s.base().GetProposalByManagementNo(ctx, no)
}

func (s *Store) GetProposalBySerial(ctx context.Context, term, serial int) (*workflow.Proposal, error) {
	return s.base().GetProposalBySerial(ctx, term, serial)
}

func (s *Store) ListProposals(ctx context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	return s.base().ListProposals(ctx, f)
}

func (s *Store) UpdateProposal(ctx context.Context, p *workflow.Proposal) error {
	return s.base().UpdateProposal(ctx, p)
}

func (s *Store) SaveApproval(ctx context.Context, a workflow.Approval) error {
	return s.base().SaveApproval(ctx, a)
}

func (s *Store) ReplaceContributors(ctx context.Context, proposalID string, cs []workflow.Contributor) error {
	return s.WithTx(ctx, func(st workflow.Store) error { return st.ReplaceContributors(ctx, proposalID, cs) })
}

func (s *Store) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	return s.base().MaxSerialNumber(ctx, term)
}

func (s *Store) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	return s.base().LastManagementNo(ctx, prefix)
}

func (s *Store) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	return s.base().AppendAudit(ctx, e)
}

func (s *Store) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	return s.base().ListAudit(ctx, proposalID)
}

// WithTx executes fn within a transaction. Row and advisory locks taken by
// fn are held until it returns.
func (s *Store) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(conn{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

// =============================================================================
// SQL (shared by pool and tx)
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q       querier
	locking bool
}

func (c conn) lock(ctx context.Context, key string) error {
	if !c.locking {
		return nil
	}
	if _, err := c.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return fmt.Errorf("failed to take advisory lock %s: %w", key, err)
	}
	return nil
}

const proposalColumns = `
	id, management_no, submitted_at, department, deployment_item, problem_summary,
	improvement_plan, improvement_result, comment, contribution_business,
	proposer_id, proposer_name, reduction_hours, effect_amount,
	proposal_classification, committee_classification, classification_points,
	term, quarter, serial_number, mindset_score, idea_score, hint_score,
	sdgs_flag, safety_flag, before_image_path, after_image_path, created_at, updated_at`

func headerArgs(p *workflow.Proposal) []any {
	var mindset, idea, hint *int
	if p.Scores != nil {
		mindset, idea, hint = &p.Scores.Mindset, &p.Scores.Idea, &p.Scores.Hint
	}
	return []any{
		p.ManagementNo, p.SubmittedAt, p.Department, p.DeploymentItem,
		p.ProblemSummary, p.ImprovementPlan, p.ImprovementResult, p.Comment,
		p.ContributionBusiness, p.ProposerID, p.ProposerName,
		p.ReductionHours, p.EffectAmount,
		string(p.ProposalClassification), string(p.CommitteeClassification),
		p.ClassificationPoints, p.Term, p.Quarter, p.SerialNumber,
		mindset, idea, hint, p.SDGsFlag, p.SafetyFlag,
		p.BeforeImagePath, p.AfterImagePath, p.CreatedAt, p.UpdatedAt,
	}
}

func (c conn) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	query := `INSERT INTO proposals (` + proposalColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`

	if _, err := c.q.Exec(ctx, query, append([]any{p.ID}, headerArgs(p)...)...); err != nil {
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

func (c conn) UpdateProposal(ctx context.Context, p *workflow.Proposal) error {
	query := `
		UPDATE proposals SET
			management_no = $1, submitted_at = $2, department = $3, deployment_item = $4,
			problem_summary = $5, improvement_plan = $6, improvement_result = $7, comment = $8,
			contribution_business = $9, proposer_id = $10, proposer_name = $11,
			reduction_hours = $12, effect_amount = $13,
			proposal_classification = $14, committee_classification = $15,
			classification_points = $16, term = $17, quarter = $18, serial_number = $19,
			mindset_score = $20, idea_score = $21, hint_score = $22,
			sdgs_flag = $23, safety_flag = $24,
			before_image_path = $25, after_image_path = $26, created_at = $27, updated_at = $28
		WHERE id = $29`

	tag, err := c.q.Exec(ctx, query, append(headerArgs(p), p.ID)...)
	if err != nil {
		return mapError(err, "update proposal")
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrProposalNotFound
	}
	return nil
}

func (c conn) GetProposal(ctx context.Context, id string) (*workflow.Proposal, error) {
	query := "SELECT " + proposalColumns + " FROM proposals WHERE id = $1"
	if c.locking {
		query += " FOR UPDATE"
	}
	return c.getOne(ctx, query, id)
}

func (c conn) GetProposalByManagementNo(ctx context.Context, no string) (*workflow.Proposal, error) {
	return c.getOne(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE management_no = $1", no)
}

func (c conn) GetProposalBySerial(ctx context.Context, term, serial int) (*workflow.Proposal, error) {
	return c.getOne(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE term = $1 AND serial_number = $2", term, serial)
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SubmittedFrom != nil {
		where = append(where, "p.submitted_at >= "+arg(*f.SubmittedFrom))
	}
	if f.SubmittedUntil != nil {
		where = append(where, "p.submitted_at < "+arg(*f.SubmittedUntil))
	}
	if f.Department != "" {
		where = append(where, "p.department = "+arg(f.Department))
	}
	if f.Stage != "" && f.Status != "" {
		where = append(where, fmt.Sprintf(`EXISTS (SELECT 1 FROM approvals a
			WHERE a.proposal_id = p.id AND a.stage = %s AND a.status = %s)`,
			arg(string(f.Stage)), arg(string(f.Status))))
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
		kw := arg(f.Keyword)
		var ors []string
		for _, col := range []string{"management_no", "proposer_name", "deployment_item", "problem_summary", "improvement_plan"} {
			ors = append(ors, fmt.Sprintf("strpos(lower(p.%s), lower(%s)) > 0", col, kw))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
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
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	proposals, err := pgx.CollectRows(rows, scanProposal)
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposals: %w", err)
	}

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

func scanProposal(row pgx.CollectableRow) (workflow.Proposal, error) {
	var (
		p                             workflow.Proposal
		hours, amount                 decimal.NullDecimal
		proposalClass, committeeClass string
		mindset, idea, hint           *int
	)
	err := row.Scan(
		&p.ID, &p.ManagementNo, &p.SubmittedAt, &p.Department, &p.DeploymentItem, &p.ProblemSummary,
		&p.ImprovementPlan, &p.ImprovementResult, &p.Comment, &p.ContributionBusiness,
		&p.ProposerID, &p.ProposerName, &hours, &amount,
		&proposalClass, &committeeClass, &p.ClassificationPoints,
		&p.Term, &p.Quarter, &p.SerialNumber, &mindset, &idea, &hint,
		&p.SDGsFlag, &p.SafetyFlag, &p.BeforeImagePath, &p.AfterImagePath, &p.CreatedAt, &p.UpdatedAt,
	)
	p.ReductionHours = decimalPtr(hours)
	p.EffectAmount = decimalPtr(amount)
	p.ProposalClassification = rewards.Classification(proposalClass)
	p.CommitteeClassification = rewards.Classification(committeeClass)
	p.Scores = scores(mindset, idea, hint)
	return p, err
}

// =============================================================================
// APPROVALS
// =============================================================================

func approvalArgs(a workflow.Approval) []any {
	var mindset, idea, hint *int
	if a.Scores != nil {
		mindset, idea, hint = &a.Scores.Mindset, &a.Scores.Idea, &a.Scores.Hint
	}
	return []any{
		string(a.Status), a.Comment, a.ConfirmedName, a.ConfirmedBy, a.ConfirmedAt,
		mindset, idea, hint, a.SDGsFlag, a.SafetyFlag,
	}
}

func (c conn) insertApproval(ctx context.Context, a workflow.Approval) error {
	query := `
		INSERT INTO approvals (id, proposal_id, stage, stage_order, status, comment,
			confirmed_name, confirmed_by, confirmed_at, mindset_score, idea_score, hint_score,
			sdgs_flag, safety_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	args := append([]any{a.ID, a.ProposalID, string(a.Stage), a.Stage.Index()}, approvalArgs(a)...)
	if _, err := c.q.Exec(ctx, query, args...); err != nil {
		return mapError(err, "insert approval")
	}
	return nil
}

func (c conn) SaveApproval(ctx context.Context, a workflow.Approval) error {
	query := `
		UPDATE approvals SET status = $1, comment = $2, confirmed_name = $3, confirmed_by = $4,
			confirmed_at = $5, mindset_score = $6, idea_score = $7, hint_score = $8,
			sdgs_flag = $9, safety_flag = $10
		WHERE proposal_id = $11 AND stage = $12`

	tag, err := c.q.Exec(ctx, query, append(approvalArgs(a), a.ProposalID, string(a.Stage))...)
	if err != nil {
		return mapError(err, "save approval")
	}
	if tag.RowsAffected() == 0 {
		return &workflow.InvalidStageError{ProposalID: a.ProposalID, Stage: a.Stage}
	}
	return nil
}

func (c conn) loadApprovals(ctx context.Context, proposalID string) ([]workflow.Approval, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, proposal_id, stage, status, comment, confirmed_name, confirmed_by,
			confirmed_at, mindset_score, idea_score, hint_score, sdgs_flag, safety_flag
		FROM approvals WHERE proposal_id = $1 ORDER BY stage_order`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}

	approvals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.Approval, error) {
		var (
			a                   workflow.Approval
			stage, status       string
			mindset, idea, hint *int
		)
		err := row.Scan(&a.ID, &a.ProposalID, &stage, &status, &a.Comment, &a.ConfirmedName,
			&a.ConfirmedBy, &a.ConfirmedAt, &mindset, &idea, &hint, &a.SDGsFlag, &a.SafetyFlag)
		a.Stage = workflow.Stage(stage)
		a.Status = workflow.Status(status)
		a.Scores = scores(mindset, idea, hint)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan approvals: %w", err)
	}
	return approvals, nil
}

// =============================================================================
// CONTRIBUTORS
// =============================================================================

func (c conn) ReplaceContributors(ctx context.Context, proposalID string, cs []workflow.Contributor) error {
	if _, err := c.q.Exec(ctx, "DELETE FROM contributors WHERE proposal_id = $1", proposalID); err != nil {
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
	_, err := c.q.Exec(ctx, `
		INSERT INTO contributors (id, proposal_id, employee_id, employee_name, is_primary,
			position, share_percent, points_share, reward_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ct.ID, proposalID, ct.EmployeeID, ct.EmployeeName, ct.IsPrimary,
		ct.Position, ct.SharePercent, ct.PointsShare, ct.RewardAmount,
	)
	if err != nil {
		return mapError(err, "insert contributor")
	}
	return nil
}

func (c conn) loadContributors(ctx context.Context, proposalID string) ([]workflow.Contributor, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, proposal_id, employee_id, employee_name, is_primary, position,
			share_percent, points_share, reward_amount
		FROM contributors WHERE proposal_id = $1 ORDER BY position`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributors: %w", err)
	}

	contributors, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.Contributor, error) {
		var (
			ct             workflow.Contributor
			points, reward decimal.NullDecimal
		)
		err := row.Scan(&ct.ID, &ct.ProposalID, &ct.EmployeeID, &ct.EmployeeName, &ct.IsPrimary,
			&ct.Position, &ct.SharePercent, &points, &reward)
		ct.PointsShare = decimalPtr(points)
		ct.RewardAmount = decimalPtr(reward)
		return ct, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan contributors: %w", err)
	}
	return contributors, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c conn) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	if err := c.lock(ctx, fmt.Sprintf("kaizen:serial:%d", term)); err != nil {
		return 0, err
	}
	var max int
	err := c.q.QueryRow(ctx,
		"SELECT COALESCE(MAX(serial_number), 0) FROM proposals WHERE term = $1", term,
	).Scan(&max)
	return max, err
}

func (c conn) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	if err := c.lock(ctx, "kaizen:management_no:"+prefix); err != nil {
		return "", err
	}
	var no string
	err := c.q.QueryRow(ctx, `
		SELECT management_no FROM proposals WHERE starts_with(management_no, $1)
		ORDER BY length(management_no) DESC, management_no DESC LIMIT 1`, prefix,
	).Scan(&no)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return no, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	var payload []byte
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = b
	}

	_, err := c.q.Exec(ctx, `
		INSERT INTO audit_log (id, proposal_id, action, stage, status, actor_id, actor_name, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProposalID, string(e.Action), string(e.Stage), string(e.Status),
		e.ActorID, e.ActorName, e.At, payload,
	)
	if err != nil {
		return mapError(err, "append audit entry")
	}
	return nil
}

func (c conn) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, proposal_id, action, stage, status, actor_id, actor_name, at, payload
		FROM audit_log WHERE proposal_id = $1 ORDER BY at, seq`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.AuditEntry, error) {
		var (
			e                     workflow.AuditEntry
			action, stage, status string
			payload               []byte
		)
		if err := row.Scan(&e.ID, &e.ProposalID, &action, &stage, &status,
			&e.ActorID, &e.ActorName, &e.At, &payload); err != nil {
			return e, err
		}
		e.Action = workflow.AuditAction(action)
		e.Stage = workflow.Stage(stage)
		e.Status = workflow.Status(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return e, err
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func mapError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", workflow.ErrConcurrencyConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func scores(mindset, idea, hint *int) *workflow.Scores {
	if mindset == nil || idea == nil || hint == nil {
		return nil
	}
	return &workflow.Scores{Mindset: *mindset, Idea: *idea, Hint: *hint}
}
