/*
Package notify delivers workflow stage events to the outside world.

PURPOSE:
  The engine calls one workflow.Notifier after every committed approval
  action. This package provides the sinks and a fan-out.

SINKS:
  Log      structured log line per event (always on)
  Webhook  JSON POST to a configured URL
  NATS     JSON publish on kaizen.stage.<status>
  Multi    calls every sink, joins their errors

DELIVERY:
  Best effort. A failing sink returns an error; the engine logs it and the
  approval stands. There is no retry queue.

SEE ALSO:
  - workflow/events.go: StageEvent, Notifier
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/warp/kaizen-engine/workflow"
)

// Message is the wire form of a StageEvent.
type Message struct {
	EventType    string    `json:"event_type"`
	ProposalID   string    `json:"proposal_id"`
	ManagementNo string    `json:"management_no"`
	Stage        string    `json:"stage"`
	StageLabel   string    `json:"stage_label"`
	Status       string    `json:"status"`
	StatusLabel  string    `json:"status_label"`
	NextStage    string    `json:"next_stage,omitempty"`
	Completed    bool      `json:"completed"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActorName    string    `json:"actor_name,omitempty"`
	At           time.Time `json:"at"`
}

// EventType names the event for subscribers, e.g. "stage_approved".
func EventType(status workflow.Status) string {
	return "stage_" + string(status)
}

// NewMessage converts an engine event.
func NewMessage(ev workflow.StageEvent) Message {
	return Message{
		EventType:    EventType(ev.Status),
		ProposalID:   ev.ProposalID,
		ManagementNo: ev.ManagementNo,
		Stage:        string(ev.Stage),
		StageLabel:   ev.Stage.Label(),
		Status:       string(ev.Status),
		StatusLabel:  ev.Status.Label(),
		NextStage:    string(ev.NextStage),
		Completed:    ev.Completed,
		ActorID:      ev.ActorID,
		ActorName:    ev.ActorName,
		At:           ev.At,
	}
}

// Multi fans an event out to every notifier, in order.
type Multi []workflow.Notifier

func (m Multi) StageDecided(ctx context.Context, ev workflow.StageEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.StageDecided(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
