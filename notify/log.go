package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/warp/kaizen-engine/workflow"
)

// Log writes each event as one structured line.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

func (l *Log) StageDecided(_ context.Context, ev workflow.StageEvent) error {
	e := l.log.Info().
		Str("event_type", EventType(ev.Status)).
		Str("proposal_id", ev.ProposalID).
		Str("management_no", ev.ManagementNo).
		Str("stage", string(ev.Stage)).
		Str("status", string(ev.Status)).
		Bool("completed", ev.Completed)
	if ev.NextStage != "" {
		e = e.Str("next_stage", string(ev.NextStage))
	}
	e.Msg("notification: stage decided")
	return nil
}
