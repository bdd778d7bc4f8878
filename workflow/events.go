package workflow

import (
	"context"
	"time"
)

// StageEvent is emitted after an approval action has been committed.
type StageEvent struct {
	ProposalID   string
	ManagementNo string
	Stage        Stage
	Status       Status

	// NextStage is the first stage still pending, empty once completed.
	NextStage Stage
	Completed bool

	ActorID   string
	ActorName string
	At        time.Time
}

// Notifier receives stage decisions, typically to tell the next stage's
// approvers. Errors are logged by the engine and never undo the decision.
type Notifier interface {
	StageDecided(ctx context.Context, event StageEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event StageEvent) error

func (f NotifierFunc) StageDecided(ctx context.Context, event StageEvent) error {
	return f(ctx, event)
}

type nopNotifier struct{}

func (nopNotifier) StageDecided(context.Context, StageEvent) error { return nil }
