package workflow

import (
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/rewards"
)

// decision is an Action after its labels and scores have been resolved.
type decision struct {
	scores         *Scores
	proposalClass  rewards.Classification
	committeeClass rewards.Classification
}

// validateAction checks everything that doesn't need stored state.
// Failing here means nothing was read or written.
func (e *Engine) validateAction(a Action) (decision, error) {
	var d decision

	if !a.Stage.IsValid() {
		return d, &InvalidStageError{Stage: a.Stage}
	}
	if !a.Status.IsValid() {
		return d, invalid("status", CodeInvalidValue, "unknown status %q", a.Status)
	}
	if err := validateQuarter(a.Quarter); err != nil {
		return d, err
	}

	for _, s := range []struct {
		field string
		v     *int
	}{{"mindset_score", a.Mindset}, {"idea_score", a.Idea}, {"hint_score", a.Hint}} {
		if s.v != nil && (*s.v < 1 || *s.v > 5) {
			return d, invalid(s.field, CodeOutOfRange, "score must be between 1 and 5, got %d", *s.v)
		}
	}

	var err error
	if d.proposalClass, err = parseLabel("proposal_classification", a.ProposalClassification); err != nil {
		return d, err
	}
	if d.committeeClass, err = parseLabel("committee_classification", a.CommitteeClassification); err != nil {
		return d, err
	}

	approving := a.Status == StatusApproved

	switch a.Stage {
	case StageManager:
		if a.Mindset == nil || a.Idea == nil || a.Hint == nil {
			return d, invalid("scores", CodeRequired, "mindset, idea and hint scores are required at the manager stage")
		}
		d.scores = &Scores{Mindset: *a.Mindset, Idea: *a.Idea, Hint: *a.Hint}
		if approving {
			if d.proposalClass == "" {
				return d, invalid("proposal_classification", CodeRequired, "classification is required to approve at the manager stage")
			}
			if a.SDGsFlag == nil || a.SafetyFlag == nil {
				return d, invalid("flags", CodeRequired, "sdgs_flag and safety_flag are required to approve at the manager stage")
			}
		}

	case StageCommittee:
		if approving {
			if a.Term == nil {
				return d, invalid("term", CodeRequired, "term is required to approve at the committee stage")
			}
			if a.Quarter == nil {
				return d, invalid("quarter", CodeRequired, "quarter is required to approve at the committee stage")
			}
			if d.committeeClass == "" {
				return d, invalid("committee_classification", CodeRequired, "classification is required to approve at the committee stage")
			}
		}
	}

	return d, nil
}

func parseLabel(field, label string) (rewards.Classification, error) {
	if label == "" {
		return "", nil
	}
	c, ok := rewards.ParseClassification(label)
	if !ok {
		return "", invalid(field, CodeUnknownLabel, "unknown classification %q", label)
	}
	return c, nil
}

func validateQuarter(quarter *int) error {
	if quarter != nil && (*quarter < 1 || *quarter > 4) {
		return invalid("quarter", CodeOutOfRange, "quarter must be between 1 and 4, got %d", *quarter)
	}
	return nil
}

func validateAmounts(hours, amount *decimal.Decimal) error {
	if hours != nil && hours.IsNegative() {
		return invalid("reduction_hours", CodeOutOfRange, "reduction hours must not be negative")
	}
	if amount != nil && amount.IsNegative() {
		return invalid("effect_amount", CodeOutOfRange, "effect amount must not be negative")
	}
	return nil
}
