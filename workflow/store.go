/*
store.go - Persistence contract for the approval workflow

PURPOSE:
  Defines the interface between the engine and the database. The engine
  only writes through a Store handed to it by TxStore.WithTx, so every
  mutating operation is all-or-nothing.

KEY INTERFACES:
  Store:   proposals (with approvals and contributors), serial lookup, audit
  TxStore: Store + WithTx

CONFLICTS:
  Implementations map uniqueness violations on (term, serial_number),
  management_no and (proposal_id, employee_id) to ErrConcurrencyConflict.

IMPLEMENTATIONS:
  - store/sqlite:      default, single writer
  - store/postgres:    pgx pool, row + advisory locks
  - workflow/memstore: tests

SEE ALSO:
  - engine.go: the only writer
*/
package workflow

import "context"

// Store handles persistence of proposals.
type Store interface {
	// InsertProposal writes the header, all approvals and all contributors.
	InsertProposal(ctx context.Context, p *Proposal) error

	// GetProposal returns the proposal with approvals (stage order) and
	// contributors (position order), or nil if it doesn't exist. Inside a
	// transaction, implementations lock the proposal row.
	GetProposal(ctx context.Context, id string) (*Proposal, error)

	// GetProposalByManagementNo returns nil if no proposal has the number.
	GetProposalByManagementNo(ctx context.Context, managementNo string) (*Proposal, error)

	// GetProposalBySerial returns nil if no proposal in term holds serial.
	GetProposalBySerial(ctx context.Context, term, serial int) (*Proposal, error)

	// ListProposals returns matching proposals, newest submission first.
	ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error)

	// UpdateProposal rewrites header fields only.
	UpdateProposal(ctx context.Context, p *Proposal) error

	// SaveApproval overwrites the (proposal, stage) record in place.
	SaveApproval(ctx context.Context, a Approval) error

	// ReplaceContributors deletes the proposal's contributors and inserts cs.
	ReplaceContributors(ctx context.Context, proposalID string, cs []Contributor) error

	// MaxSerialNumber returns the highest serial in term, 0 when none.
	// Inside a transaction it also serializes other writers of the same term.
	MaxSerialNumber(ctx context.Context, term int) (int, error)

	// LastManagementNo returns the greatest management number with the
	// given prefix, or "".
	LastManagementNo(ctx context.Context, prefix string) (string, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, proposalID string) ([]AuditEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
