package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream carrying decoded ledger events.
	StreamName = "INSURANCE_LEDGER"
	// SubjectPrefix prefixes every event subject; the kind follows.
	SubjectPrefix = "insurance.ledger.events"
	// DefaultConsumer is the durable consumer name of the lifecycle service.
	DefaultConsumer = "insurance-lifecycle"
)

// Subject returns the subject an event kind is published on.
func Subject(kind EventKind) string {
	return SubjectPrefix + "." + strings.ToLower(string(kind))
}

// Relay moves decoded ledger events over NATS JetStream so that one watcher
// can feed any number of lifecycle workers.
type Relay struct {
	js       jetstream.JetStream
	consumer string
	cc       jetstream.ConsumeContext
}

// NewRelay creates a relay. An empty consumer uses DefaultConsumer.
func NewRelay(js jetstream.JetStream, consumer string) *Relay {
	if consumer == "" {
		consumer = DefaultConsumer
	}
	return &Relay{js: js, consumer: consumer}
}

// Publish implements Handler; pass it to EVMLedger.WatchEvents.
func (r *Relay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Dedup on tx hash plus kind so a resubscribed watcher cannot double-publish.
	msgID := ev.TxHash + ":" + string(ev.Kind)
	if _, err := r.js.Publish(ctx, Subject(ev.Kind), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe attaches a durable consumer and dispatches every event to h.
// Messages are acked when h succeeds and nakked otherwise.
func (r *Relay) Subscribe(ctx context.Context, h Handler) error {
	consumer, err := r.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       r.consumer,
		FilterSubject: SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", r.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Warn("ledger relay: dropping malformed event", "subject", msg.Subject(), "err", err)
			msg.Term()
			return
		}
		if err := h(ctx, ev); err != nil {
			slog.Warn("ledger relay: handler failed", "id", ev.ContractID, "kind", ev.Kind, "err", err)
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.consumer, err)
	}
	r.cc = cc
	slog.Info("ledger relay subscribed", "consumer", r.consumer)
	return nil
}

// Stop halts the consumer.
func (r *Relay) Stop() {
	if r.cc != nil {
		r.cc.Stop()
	}
}

// EnsureStream creates the ledger event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("insurance-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
