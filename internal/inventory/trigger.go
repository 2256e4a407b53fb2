package inventory

import (
	"context"

	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/rajatrajputdev/megance-inventory/internal/kafka"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
)

// HandleOrderCreated is the order.created consumer handler. There is no caller to report to, so failures are logged and nil is
// returned; the offset commits and the order stays unreconciled until a
// callable or admin repair runs. Only shutdown returns an error.
func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		log.Warn().Err(err).Int64("offset", m.Offset).Msg("inventory: undecodable event, skipping")
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}

	if env.EventID != "" && s.Cache != nil && s.Cache.SeenEvent(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil || p.OrderID == "" {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("inventory: order.created without order id, skipping")
		return nil
	}

	_, err = s.Reconcile(ctx, Request{OrderID: p.OrderID, Source: SourceTrigger})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev := log.Error()
		if CodeOf(err) == CodeNotFound {
			ev = log.Warn()
		}
		ev.Err(err).Str("order_id", p.OrderID).Str("event_id", env.EventID).
			Msg("inventory: reconciliation failed, order left for repair")
		return nil
	}

	if env.EventID != "" && s.Cache != nil {
		s.Cache.MarkEvent(ctx, env.EventID)
	}
	return nil
}
