package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic engine via the eventChan. JetStream is the only
// write surface; each subject maps to one event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the received-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before the engine sees it.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Operations,
// prices and risk-parameter updates live in separate streams so they can
// scale and retain independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.ops.fixed.deposit.>", EventType: "DepositAtMaturity", ConsumerName: "lend-fixed-deposit", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.fixed.withdraw.>", EventType: "WithdrawAtMaturity", ConsumerName: "lend-fixed-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.fixed.borrow.>", EventType: "BorrowAtMaturity", ConsumerName: "lend-fixed-borrow", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.fixed.repay.>", EventType: "RepayAtMaturity", ConsumerName: "lend-fixed-repay", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.floating.deposit.>", EventType: "DepositFloating", ConsumerName: "lend-float-deposit", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.floating.withdraw.>", EventType: "WithdrawFloating", ConsumerName: "lend-float-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.enter.>", EventType: "EnterMarket", ConsumerName: "lend-coll-enter", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.exit.>", EventType: "ExitMarket", ConsumerName: "lend-coll-exit", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.liquidate.>", EventType: "Liquidate", ConsumerName: "lend-liquidate", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.cash.deposit.>", EventType: "CashDeposit", ConsumerName: "lend-cash-deposit", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.cash.withdraw.>", EventType: "CashWithdraw", ConsumerName: "lend-cash-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.prices.>", EventType: "PriceUpdate", ConsumerName: "lend-prices", StreamName: "LEND_PRICES"},
		{Subject: "lend.risk.params.>", EventType: "RiskParamUpdate", ConsumerName: "lend-risk-params", StreamName: "LEND_RISK"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LEND_OPS",
			Subjects:  []string{"lend.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_PRICES",
			Subjects:  []string{"lend.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_RISK",
			Subjects:  []string{"lend.risk.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
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

// EventTypeForSubject resolves the event type for a concrete subject by
// longest matching configured prefix (the trailing ".>" stripped).
func EventTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	best := ""
	bestLen := -1
	for _, cfg := range subjects {
		prefix := cfg.Subject
		if n := len(prefix); n >= 2 && prefix[n-2:] == ".>" {
			prefix = prefix[:n-2]
		}
		if len(prefix) > bestLen && hasSubjectPrefix(subject, prefix) {
			best = cfg.EventType
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

func hasSubjectPrefix(subject, prefix string) bool {
	if len(subject) < len(prefix) || subject[:len(prefix)] != prefix {
		return false
	}
	return len(subject) == len(prefix) || subject[len(prefix)] == '.'
}
