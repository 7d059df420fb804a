package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	orderdomain "github.com/marketflow/settlement-core/internal/order/domain"
	"github.com/marketflow/settlement-core/internal/payment/application"
	"github.com/marketflow/settlement-core/internal/payment/domain"
	"github.com/marketflow/settlement-core/pkg/idempotency"
	"github.com/marketflow/settlement-core/pkg/tracing"
)

// wireEvent is the provider-event shape published by the webhook ingester.
type wireEvent struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Type     string `json:"type"`
	Metadata struct {
		MasterOrderID string `json:"masterOrderId"`
	} `json:"metadata"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	ChargeID        string    `json:"chargeId"`
	FailureReason   string    `json:"failureReason"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type eventHandler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// duplicateGuard is the redis fast path. Seen is read-only; Mark runs only
// after a successful handle, so a failed attempt stays redeliverable.
type duplicateGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Consumer feeds verified provider events from kafka into the gateway. The
// redis guard is a fast path only; the gateway's dedup table is what
// actually guarantees exactly-once effects. An offset is committed only
// once its event has been handled, confirmed duplicate, or terminally lost
// a state race; a transient handling failure leaves the message for
// redelivery.
type Consumer struct {
	log     *slog.Logger
	reader  *kafka.Reader
	gateway eventHandler
	idem    duplicateGuard
	tracer  trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, gateway *application.Gateway, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:     log,
		reader:  r,
		gateway: gateway,
		idem:    idem,
		tracer:  otel.Tracer("payment-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			// Uncommitted, so kafka redelivers after restart or rebalance.
			c.log.Error("payment event handling failed, leaving uncommitted",
				"offset", msg.Offset, "err", err)
			continue
		}
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

// process returns nil only when the message must not be redelivered: handled
// successfully, a confirmed duplicate, unparseable, or a terminal race loss.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	key := idempotency.OffsetKey(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		c.log.Error("offset guard check failed", "err", err)
		// Fall through: the dedup table catches replays.
	} else if seen {
		c.log.Debug("duplicate message skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "HandlePaymentEvent")
	defer span.End()

	var wire wireEvent
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		c.log.Error("payment event unmarshal failed", "offset", msg.Offset, "err", err)
		return nil
	}

	ev := domain.Event{
		ID:              wire.ID,
		Provider:        wire.Provider,
		Type:            domain.EventType(wire.Type),
		MasterOrderID:   wire.Metadata.MasterOrderID,
		PaymentIntentID: wire.PaymentIntentID,
		AmountCents:     wire.Amount,
		Currency:        wire.Currency,
		ChargeID:        wire.ChargeID,
		FailureReason:   wire.FailureReason,
		OccurredAt:      wire.OccurredAt,
	}

	if err := c.gateway.Handle(msgCtx, ev); err != nil {
		if errors.Is(err, orderdomain.ErrInvalidStateTransition) {
			// A late event losing the race to a terminal state is expected;
			// the order's own state is authoritative.
			c.log.Warn("payment event lost state race", "event_id", ev.ID, "order_id", ev.MasterOrderID, "err", err)
		} else {
			return err
		}
	}

	if err := c.idem.Mark(ctx, key); err != nil {
		c.log.Error("offset guard mark failed", "key", key, "err", err)
	}
	return nil
}
