package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/metrics"
	"alertbridge/internal/permanent"

	"github.com/nats-io/nats.go"
)

// RoomHeader carries the target room of a webhook body published to NATS.
const RoomHeader = "Alertbridge-Room"

// NATSSubscriber consumes webhook bodies via JetStream queue consumer and forwards them to sink.
// Params: NATS connection, JetStream queue subscription, and batch sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	sink    Sink
	rooms   RoomResolver
	ackWait time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSSubscriber creates JetStream queue consumer for webhook ingestion.
// Params: ingest NATS config, sink, room resolver, metrics and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink Sink, rooms RoomResolver, recorder *metrics.Metrics, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertbridge-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if cfg.AllowCreateStream {
		if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
			nc.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := &NATSSubscriber{
		nc:      nc,
		sink:    sink,
		rooms:   rooms,
		ackWait: time.Duration(cfg.AckWaitSec) * time.Second,
		metrics: recorder,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.Consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(subscriber.ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		err := subscriber.handle(message)
		switch {
		case err == nil:
			subscriber.metrics.WebhookRequest("nats", 200)
			subscriber.ackMessage(message, "processed")
		case permanent.Is(err):
			logger.Warn("nats ingest message dropped", "subject", message.Subject, "error", err.Error())
			subscriber.metrics.WebhookRequest("nats", 400)
			subscriber.ackMessage(message, "rejected")
		default:
			logger.Error("nats ingest processing failed", "subject", message.Subject, "error", err.Error())
			subscriber.metrics.WebhookRequest("nats", 503)
			subscriber.nackMessage(message, nackDelay)
		}
	}, subOpts...)
	if err != nil {
		cancel()
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// ensureStream creates the webhook stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %q: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}

// handle decodes and ingests one JetStream message.
// Params: message with webhook body and room header.
// Returns: permanent error for malformed input, retryable error otherwise.
func (s *NATSSubscriber) handle(message *nats.Msg) error {
	room, ok := s.rooms.Resolve(message.Header.Get(RoomHeader))
	if !ok {
		return permanent.Mark(fmt.Errorf("unknown or missing %s header", RoomHeader))
	}
	batch, err := DecodeWebhook(message.Data)
	if err != nil {
		return err
	}

	ctx := s.ctx
	if s.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ackWait)
		defer cancel()
	}
	result, err := s.sink.Ingest(ctx, room, batch)
	if err != nil {
		return err
	}
	s.logger.Debug("nats webhook ingested", "room", room, "created", result.Created, "edited", result.Edited, "errored", result.Errored)
	return nil
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	defer s.cancel()
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
