package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/warp/kaizen-engine/workflow"
)

// DefaultSubjectPrefix is prepended to the status: kaizen.stage.approved.
const DefaultSubjectPrefix = "kaizen.stage"

// publisher is the part of *nats.Conn this package uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes a Message per event on <prefix>.<status>.
type NATS struct {
	pub    publisher
	prefix string
	log    zerolog.Logger
}

// ConnectNATS dials url and returns the notifier together with the
// connection, which the caller drains on shutdown.
func ConnectNATS(url, prefix string, log zerolog.Logger) (*NATS, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("kaizen-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notification: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("notification: nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewNATS(nc, prefix, log), nc, nil
}

func NewNATS(pub publisher, prefix string, log zerolog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject an event with status is published on.
func (n *NATS) Subject(status workflow.Status) string {
	return n.prefix + "." + string(status)
}

func (n *NATS) StageDecided(_ context.Context, ev workflow.StageEvent) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("notification: failed to marshal event: %w", err)
	}

	subject := n.Subject(ev.Status)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("notification: failed to publish %s: %w", subject, err)
	}

	n.log.Debug().
		Str("subject", subject).
		Str("proposal_id", ev.ProposalID).
		Msg("notification: event published")
	return nil
}
