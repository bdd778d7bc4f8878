// Package memstore provides an in-memory workflow.TxStore.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/kaizen-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps proposals in maps. WithTx holds the write lock for the whole
// callback and restores a snapshot if the callback fails.
type Memory struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	proposals map[string]workflow.Proposal
	audit     []workflow.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{state: state{proposals: make(map[string]workflow.Proposal)}}
}

// WithTx runs fn against the locked state.
func (m *Memory) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&locked{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) InsertProposal(ctx context.Context, p *workflow.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&locked{s: &m.state}).InsertProposal(ctx, p)
}

func (m *Memory) GetProposal(ctx context.Context, id string) (*workflow.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).GetProposal(ctx, id)
}

func (m *Memory) GetProposalByManagementNo(ctx context.Context, no string) (*workflow.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).GetProposalByManagementNo(ctx, no)
}

func (m *Memory) GetProposalBySerial(ctx context.Context, term, serial int) (*workflow.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).GetProposalBySerial(ctx, term, serial)
}

func (m *Memory) ListProposals(ctx context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).ListProposals(ctx, f)
}

func (m *Memory) UpdateProposal(ctx context.Context, p *workflow.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&locked{s: &m.state}).UpdateProposal(ctx, p)
}

func (m *Memory) SaveApproval(ctx context.Context, a workflow.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&locked{s: &m.state}).SaveApproval(ctx, a)
}

func (m *Memory) ReplaceContributors(ctx context.Context, proposalID string, cs []workflow.Contributor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&locked{s: &m.state}).ReplaceContributors(ctx, proposalID, cs)
}

func (m *Memory) MaxSerialNumber(ctx context.Context, term int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).MaxSerialNumber(ctx, term)
}

func (m *Memory) LastManagementNo(ctx context.Context, prefix string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).LastManagementNo(ctx, prefix)
}

func (m *Memory) AppendAudit(ctx context.Context, e workflow.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&locked{s: &m.state}).AppendAudit(ctx, e)
}

func (m *Memory) ListAudit(ctx context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&locked{s: &m.state}).ListAudit(ctx, proposalID)
}

// =============================================================================
// LOCKED VIEW - caller holds the mutex
// =============================================================================

type locked struct {
	s *state
}

func (l *locked) InsertProposal(_ context.Context, p *workflow.Proposal) error {
	if _, ok := l.s.proposals[p.ID]; ok {
		return workflow.ErrConcurrencyConflict
	}
	for _, other := range l.s.proposals {
		if other.ManagementNo == p.ManagementNo {
			return workflow.ErrConcurrencyConflict
		}
		if serialClash(&other, p) {
			return workflow.ErrConcurrencyConflict
		}
	}
	l.s.proposals[p.ID] = cloneProposal(*p)
	return nil
}

func (l *locked) GetProposal(_ context.Context, id string) (*workflow.Proposal, error) {
	p, ok := l.s.proposals[id]
	if !ok {
		return nil, nil
	}
	c := cloneProposal(p)
	return &c, nil
}

func (l *locked) GetProposalByManagementNo(_ context.Context, no string) (*workflow.Proposal, error) {
	for _, p := range l.s.proposals {
		if p.ManagementNo == no {
			c := cloneProposal(p)
			return &c, nil
		}
	}
	return nil, nil
}

func (l *locked) GetProposalBySerial(_ context.Context, term, serial int) (*workflow.Proposal, error) {
	for _, p := range l.s.proposals {
		if p.Term != nil && *p.Term == term && p.SerialNumber != nil && *p.SerialNumber == serial {
			c := cloneProposal(p)
			return &c, nil
		}
	}
	return nil, nil
}

func (l *locked) ListProposals(_ context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	var out []workflow.Proposal
	for _, p := range l.s.proposals {
		if f.Matches(&p) {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateProposal replaces header fields, keeping stored approvals and
// contributors.
func (l *locked) UpdateProposal(_ context.Context, p *workflow.Proposal) error {
	stored, ok := l.s.proposals[p.ID]
	if !ok {
		return workflow.ErrProposalNotFound
	}
	for id, other := range l.s.proposals {
		if id != p.ID && serialClash(&other, p) {
			return workflow.ErrConcurrencyConflict
		}
	}
	header := cloneProposal(*p)
	header.Approvals = stored.Approvals
	header.Contributors = stored.Contributors
	l.s.proposals[p.ID] = header
	return nil
}

func (l *locked) SaveApproval(_ context.Context, a workflow.Approval) error {
	p, ok := l.s.proposals[a.ProposalID]
	if !ok {
		return workflow.ErrProposalNotFound
	}
	approvals := append([]workflow.Approval(nil), p.Approvals...)
	for i := range approvals {
		if approvals[i].Stage == a.Stage {
			approvals[i] = a
			p.Approvals = approvals
			l.s.proposals[p.ID] = p
			return nil
		}
	}
	return &workflow.InvalidStageError{ProposalID: a.ProposalID, Stage: a.Stage}
}

func (l *locked) ReplaceContributors(_ context.Context, proposalID string, cs []workflow.Contributor) error {
	p, ok := l.s.proposals[proposalID]
	if !ok {
		return workflow.ErrProposalNotFound
	}
	p.Contributors = append([]workflow.Contributor(nil), cs...)
	l.s.proposals[proposalID] = p
	return nil
}

func (l *locked) MaxSerialNumber(_ context.Context, term int) (int, error) {
	max := 0
	for _, p := range l.s.proposals {
		if p.Term != nil && *p.Term == term && p.SerialNumber != nil && *p.SerialNumber > max {
			max = *p.SerialNumber
		}
	}
	return max, nil
}

func (l *locked) LastManagementNo(_ context.Context, prefix string) (string, error) {
	last := ""
	for _, p := range l.s.proposals {
		if strings.HasPrefix(p.ManagementNo, prefix) && workflow.ManagementNoAfter(p.ManagementNo, last) {
			last = p.ManagementNo
		}
	}
	return last, nil
}

func (l *locked) AppendAudit(_ context.Context, e workflow.AuditEntry) error {
	l.s.audit = append(l.s.audit, e)
	return nil
}

func (l *locked) ListAudit(_ context.Context, proposalID string) ([]workflow.AuditEntry, error) {
	var out []workflow.AuditEntry
	for _, e := range l.s.audit {
		if e.ProposalID == proposalID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// COPYING
// =============================================================================

func serialClash(a, b *workflow.Proposal) bool {
	return a.Term != nil && b.Term != nil && *a.Term == *b.Term &&
		a.SerialNumber != nil && b.SerialNumber != nil && *a.SerialNumber == *b.SerialNumber
}

func (s state) clone() state {
	c := state{
		proposals: make(map[string]workflow.Proposal, len(s.proposals)),
		audit:     append([]workflow.AuditEntry(nil), s.audit...),
	}
	for id, p := range s.proposals {
		c.proposals[id] = cloneProposal(p)
	}
	return c
}

// cloneProposal copies slices and pointed-to values so callers can mutate
// the result freely.
func cloneProposal(p workflow.Proposal) workflow.Proposal {
	p.ReductionHours = clonePtr(p.ReductionHours)
	p.EffectAmount = clonePtr(p.EffectAmount)
	p.ClassificationPoints = clonePtr(p.ClassificationPoints)
	p.Term = clonePtr(p.Term)
	p.Quarter = clonePtr(p.Quarter)
	p.SerialNumber = clonePtr(p.SerialNumber)
	p.Scores = clonePtr(p.Scores)

	approvals := make([]workflow.Approval, len(p.Approvals))
	for i, a := range p.Approvals {
		a.ConfirmedAt = clonePtr(a.ConfirmedAt)
		a.Scores = clonePtr(a.Scores)
		a.SDGsFlag = clonePtr(a.SDGsFlag)
		a.SafetyFlag = clonePtr(a.SafetyFlag)
		approvals[i] = a
	}
	p.Approvals = approvals

	contributors := make([]workflow.Contributor, len(p.Contributors))
	for i, c := range p.Contributors {
		c.PointsShare = clonePtr(c.PointsShare)
		c.RewardAmount = clonePtr(c.RewardAmount)
		contributors[i] = c
	}
	p.Contributors = contributors
	return p
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
