package app

import (
	"context"

	"alertbridge/internal/chat"
	"alertbridge/internal/domain"
	"alertbridge/internal/metrics"
	"alertbridge/internal/render"
)

// Messenger is the chat surface used by the ingestor and the reaction handler.
type Messenger interface {
	chat.Client
	chat.Reactor
}

// meteredMessenger counts every chat call by operation and result.
type meteredMessenger struct {
	next    Messenger
	metrics *metrics.Metrics
}

func newMeteredMessenger(next Messenger, recorder *metrics.Metrics) Messenger {
	if recorder == nil {
		return next
	}
	return meteredMessenger{next: next, metrics: recorder}
}

func (m meteredMessenger) Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error) {
	ref, err := m.next.Send(ctx, room, content)
	m.metrics.ChatOperation("send", err)
	return ref, err
}

func (m meteredMessenger) Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error {
	err := m.next.Edit(ctx, ref, content)
	m.metrics.ChatOperation("edit", err)
	return err
}

func (m meteredMessenger) React(ctx context.Context, ref domain.MessageRef, key string) error {
	err := m.next.React(ctx, ref, key)
	m.metrics.ChatOperation("react", err)
	return err
}
