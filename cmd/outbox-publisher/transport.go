package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/registry"
)

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// message is the transport-neutral form of what goes on the wire: the
// stored envelope bytes plus routing attributes.
type message struct {
	data       []byte
	attributes map[string]string
}

func (m message) pubsub() *gcppubsub.Message {
	return &gcppubsub.Message{Data: m.data, Attributes: m.attributes}
}

func billingMessage(event models.OutboxEvent, resolved *registry.ResolvedEvent) message {
	attrs := map[string]string{
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	env := resolved.Envelope
	if env.EventID != "" {
		attrs["event_id"] = env.EventID
	}
	if env.Version > 0 {
		attrs["schema_version"] = strconv.Itoa(env.Version)
	}
	if env.Actor != nil && env.Actor.Source != "" {
		attrs["source"] = env.Actor.Source
	}
	return message{data: event.Payload, attributes: attrs}
}

func deadLetterMessage(event models.OutboxEvent, reason enums.OutboxDLQErrorReason) message {
	return message{
		data: event.Payload,
		attributes: map[string]string{
			"outbox_id":      event.ID.String(),
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"error_reason":   string(reason),
			"attempt_count":  strconv.Itoa(event.AttemptCount),
		},
	}
}

func gcpPublishers(client pubSubClient) publisherFactory {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		return gcpPublisher{p}
	}
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	res := g.p.Publish(ctx, msg)
	if res == nil {
		return nil
	}
	return gcpResult{res}
}

type gcpResult struct {
	r *gcppubsub.PublishResult
}

func (g gcpResult) Get(ctx context.Context) (string, error) {
	if g.r == nil {
		return "", errors.New("publish result is nil")
	}
	return g.r.Get(ctx)
}
