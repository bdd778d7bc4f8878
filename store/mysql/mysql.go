/*
Package mysql provides a MySQL-backed implementation of workflow.TxStore
using database/sql and go-sql-driver/mysql.

PURPOSE:
  Deployments that share the company's existing MySQL primary
  (PRIMARY_DB_* settings). Same tables and keys as store/sqlite.

LOCKING (inside WithTx):
  GetProposal             SELECT ... FOR UPDATE on the proposal row
  MaxSerialNumber         row lock in workflow_locks keyed by term
  LastManagementNo        row lock in workflow_locks keyed by day prefix
  Locks release at commit or rollback.

CONSTRAINTS:
  MySQL has no partial indexes. UNIQUE(term, serial_number) already
  admits any number of NULL serials; the one-primary and one-row-per-
  employee rules use stored generated columns that are NULL when the
  rule doesn't apply. Duplicate keys (1062), deadlocks (1213) and lock
  wait timeouts (1205) surface as workflow.ErrConcurrencyConflict.

USAGE:
  store, err := mysql.New(ctx, mysql.Settings{Host: "db", User: "kaizen", Password: pw}.DSN())
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: single-process default
  - store/postgres: pgx implementation
  - workflow/store.go: interface definitions
*/
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

// Server error numbers mapped to workflow.ErrConcurrencyConflict.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Settings are the connection parameters of the primary database.
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the settings as a driver DSN. Times are read and written in
// UTC, and UPDATE reports matched rather than changed rows.
func (s Settings) DSN() string {
	cfg := driver.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	port := s.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(port))
	cfg.DBName = s.Database
	if cfg.DBName == "" {
		cfg.DBName = "kaizen_db"
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	cfg.Collation = "utf8mb4_unicode_ci"
	return cfg.FormatDSN()
}

// Store implements workflow.TxStore using MySQL.
type Store struct {
	db *sql.DB
}

// New opens the database at dsn, pings it and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Both are required for the scan and RowsAffected logic below.
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}

	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// The driver runs one statement per Exec unless multiStatements is set.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id CHAR(36) NOT NULL PRIMARY KEY,
		management_no VARCHAR(64) NOT NULL,
		submitted_at DATETIME(6) NOT NULL,
		department VARCHAR(255) NOT NULL DEFAULT '',
		deployment_item TEXT NOT NULL,
		problem_summary TEXT NOT NULL,
		improvement_plan TEXT NOT NULL,
		improvement_result TEXT NOT NULL,
		comment TEXT NOT NULL,
		contribution_business VARCHAR(255) NOT NULL DEFAULT '',
		proposer_id VARCHAR(64) NOT NULL DEFAULT '',
		proposer_name VARCHAR(255) NOT NULL DEFAULT '',
		reduction_hours DECIMAL(12,4) NULL,
		effect_amount DECIMAL(16,2) NULL,
		proposal_classification VARCHAR(32) NOT NULL DEFAULT '',
		committee_classification VARCHAR(32) NOT NULL DEFAULT '',
		classification_points INT NULL,
		term INT NULL,
		quarter TINYINT NULL CHECK (quarter BETWEEN 1 AND 4),
		serial_number INT NULL,
		mindset_score TINYINT NULL,
		idea_score TINYINT NULL,
		hint_score TINYINT NULL,
		sdgs_flag BOOLEAN NOT NULL DEFAULT FALSE,
		safety_flag BOOLEAN NOT NULL DEFAULT FALSE,
		before_image_path VARCHAR(512) NOT NULL DEFAULT '',
		after_image_path VARCHAR(512) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_proposals_management_no (management_no),
		UNIQUE KEY uq_proposals_term_serial (term, serial_number),
		KEY idx_proposals_submitted_at (submitted_at),
		KEY idx_proposals_department (department)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id CHAR(36) NOT NULL PRIMARY KEY,
		proposal_id CHAR(36) NOT NULL,
		stage VARCHAR(16) NOT NULL,
		stage_order INT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		comment TEXT NOT NULL,
		confirmed_name VARCHAR(255) NOT NULL DEFAULT '',
		confirmed_by VARCHAR(64) NOT NULL DEFAULT '',
		confirmed_at DATETIME(6) NULL,
		mindset_score TINYINT NULL,
		idea_score TINYINT NULL,
		hint_score TINYINT NULL,
		sdgs_flag BOOLEAN NULL,
		safety_flag BOOLEAN NULL,
		UNIQUE KEY uq_approvals_stage (proposal_id, stage),
		KEY idx_approvals_stage_status (stage, status),
		CONSTRAINT fk_approvals_proposal FOREIGN KEY (proposal_id)
			REFERENCES proposals(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS contributors (
		id CHAR(36) NOT NULL PRIMARY KEY,
		proposal_id CHAR(36) NOT NULL,
		employee_id VARCHAR(64) NOT NULL DEFAULT '',
		employee_name VARCHAR(255) NOT NULL DEFAULT '',
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		position INT NOT NULL,
		share_percent DECIMAL(7,4) NOT NULL,
		points_share DECIMAL(12,4) NULL,
		reward_amount DECIMAL(16,2) NULL,
		primary_of CHAR(36) GENERATED ALWAYS AS (IF(is_primary, proposal_id, NULL)) STORED,
		employee_key VARCHAR(64) GENERATED ALWAYS AS (NULLIF(employee_id, '')) STORED,
		UNIQUE KEY uq_contributors_primary (primary_of),
		UNIQUE KEY uq_contributors_employee (proposal_id, employee_key),
		KEY idx_contributors_employee_id (employee_id),
		-- proposal_id feeds a stored generated column, so no cascading action
		CONSTRAINT fk_contributors_proposal FOREIGN KEY (proposal_id)
			REFERENCES proposals(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id CHAR(36) NOT NULL,
		proposal_id CHAR(36) NOT NULL,
		action VARCHAR(32) NOT NULL,
		stage VARCHAR(16) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT '',
		actor_id VARCHAR(64) NOT NULL DEFAULT '',
		actor_name VARCHAR(255) NOT NULL DEFAULT '',
		at DATETIME(6) NOT NULL,
		payload_json JSON NULL,
		UNIQUE KEY uq_audit_id (id),
		KEY idx_audit_proposal (proposal_id, at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS workflow_locks (
		name VARCHAR(128) NOT NULL PRIMARY KEY,
		locked_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// POOL ENTRY POINTS (workflow.Store)
// =============================================================================

func (s *Store) base() conn { return conn{q: s.db} }

func (s *Store) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
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

// WithTx executes fn within a transaction. Locks taken by fn are held until
// it returns.
func (s *Store) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(conn{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
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

type conn struct {
	q       querier
	locking bool
}

// lock upserts a row in workflow_locks; InnoDB keeps the row's exclusive
// lock until the transaction ends.
func (c conn) lock(ctx context.Context, key string) error {
	if !c.locking {
		return nil
	}
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO workflow_locks (name, locked_at) VALUES (?, UTC_TIMESTAMP(6))
		 ON DUPLICATE KEY UPDATE locked_at = UTC_TIMESTAMP(6)`, key)
	if err != nil {
		return mapError(err, "take lock "+key)
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

func (c conn) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	query := `INSERT INTO proposals (` + proposalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := c.q.ExecContext(ctx, query, append([]any{p.ID}, headerArgs(p)...)...); err != nil {
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

func headerArgs(p *workflow.Proposal) []any {
	var mindset, idea, hint any
	if p.Scores != nil {
		mindset, idea, hint = p.Scores.Mindset, p.Scores.Idea, p.Scores.Hint
	}
	return []any{
		p.ManagementNo, p.SubmittedAt.UTC(), p.Department, p.DeploymentItem,
		p.ProblemSummary, p.ImprovementPlan, p.ImprovementResult, p.Comment,
		p.ContributionBusiness, p.ProposerID, p.ProposerName,
		nullDecimal(p.ReductionHours), nullDecimal(p.EffectAmount),
		string(p.ProposalClassification), string(p.CommitteeClassification),
		nullInt(p.ClassificationPoints), nullInt(p.Term), nullInt(p.Quarter), nullInt(p.SerialNumber),
		mindset, idea, hint, p.SDGsFlag, p.SafetyFlag,
		p.BeforeImagePath, p.AfterImagePath, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
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
	query := "SELECT " + proposalColumns + " FROM proposals WHERE id = ?"
	if c.locking {
		query += " FOR UPDATE"
	}
	return c.getOne(ctx, query, id)
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
		args = append(args, f.SubmittedFrom.UTC())
	}
	if f.SubmittedUntil != nil {
		where = append(where, "p.submitted_at < ?")
		args = append(args, f.SubmittedUntil.UTC())
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
		// Backslash is MySQL's default LIKE escape.
		like := "%" + escapeLike(f.Keyword) + "%"
		where = append(where, `(p.management_no LIKE ? OR p.proposer_name LIKE ?
			OR p.deployment_item LIKE ? OR p.problem_summary LIKE ? OR p.improvement_plan LIKE ?)`)
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

	// A transaction is one connection; the cursor must be closed first.
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
		p                             workflow.Proposal
		hours, amount                 decimal.NullDecimal
		proposalClass, committeeClass string
		points, term, quarter, serial sql.NullInt64
		mindset, idea, hint           sql.NullInt64
	)

	err := rows.Scan(
		&p.ID, &p.ManagementNo, &p.SubmittedAt, &p.Department, &p.DeploymentItem, &p.ProblemSummary,
		&p.ImprovementPlan, &p.ImprovementResult, &p.Comment, &p.ContributionBusiness,
		&p.ProposerID, &p.ProposerName, &hours, &amount,
		&proposalClass, &committeeClass, &points,
		&term, &quarter, &serial, &mindset, &idea, &hint,
		&p.SDGsFlag, &p.SafetyFlag, &p.BeforeImagePath, &p.AfterImagePath, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan proposal: %w", err)
	}

	p.ReductionHours = decimalPtr(hours)
	p.EffectAmount = decimalPtr(amount)
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
		confirmedAt = a.ConfirmedAt.UTC()
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
			confirmedAt         sql.NullTime
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
			t := confirmedAt.Time
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
		return mapError(err, "delete contributors")
	}
	for _, ct := range cs {
		if err := c.insertContributor(ctx, proposalID, ct); err != nil {
			return err
		}
	}
	return nil
}

func (c conn) insertContributor(ctx context.Context, proposalID string, ct workflow.Contributor) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO contributors (id, proposal_id, employee_id, employee_name, is_primary,
			position, share_percent, points_share, reward_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
			points, reward decimal.NullDecimal
		)
		if err := rows.Scan(&ct.ID, &ct.ProposalID, &ct.EmployeeID, &ct.EmployeeName, &ct.IsPrimary,
			&ct.Position, &ct.SharePercent, &points, &reward); err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		ct.PointsShare = decimalPtr(points)
		ct.RewardAmount = decimalPtr(reward)
		contributors = append(contributors, ct)
	}
	return contributors, rows.Err()
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c conn) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	if err := c.lock(ctx, fmt.Sprintf("serial:%d", term)); err != nil {
		return 0, err
	}
	var max int
	err := c.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(serial_number), 0) FROM proposals WHERE term = ?", term,
	).Scan(&max)
	return max, err
}

func (c conn) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	if err := c.lock(ctx, "management_no:"+prefix); err != nil {
		return "", err
	}
	var no string
	err := c.q.QueryRowContext(ctx,
		`SELECT management_no FROM proposals WHERE management_no LIKE ?
		 ORDER BY CHAR_LENGTH(management_no) DESC, management_no DESC LIMIT 1`,
		escapeLike(prefix)+"%",
	).Scan(&no)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return no, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	var payload any
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = string(b)
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, proposal_id, action, stage, status, actor_id, actor_name, at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProposalID, string(e.Action), string(e.Stage), string(e.Status),
		e.ActorID, e.ActorName, e.At.UTC(), payload,
	)
	if err != nil {
		return mapError(err, "append audit entry")
	}
	return nil
}

func (c conn) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, proposal_id, action, stage, status, actor_id, actor_name, at, payload_json
		FROM audit_log WHERE proposal_id = ? ORDER BY at, seq`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []workflow.AuditEntry
	for rows.Next() {
		var (
			e                     workflow.AuditEntry
			action, stage, status string
			payload               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProposalID, &action, &stage, &status,
			&e.ActorID, &e.ActorName, &e.At, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = workflow.AuditAction(action)
		e.Stage = workflow.Stage(stage)
		e.Status = workflow.Status(status)
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
	var me *driver.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDupEntry, errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%w: %s", workflow.ErrConcurrencyConflict, me.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
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
